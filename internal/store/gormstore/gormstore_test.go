package gormstore

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/MarkoPoloResearchLab/fundis/pkg/marketplace"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var storeNow = time.Date(2026, time.March, 2, 9, 30, 0, 0, time.UTC)

func newSQLiteStore(test *testing.T) *Store {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/fundis.db"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(test, err)
	require.NoError(test, Migrate(db))
	return New(db)
}

func mustSeedUser(test *testing.T, store *Store, rawID string, role marketplace.Role, rawPhone string) marketplace.User {
	test.Helper()
	userID, err := marketplace.NewUserID(rawID)
	require.NoError(test, err)
	user := marketplace.User{ID: userID, FullName: rawID, Role: role, Active: true}
	if rawPhone != "" {
		user.Phone, err = marketplace.NormalizePhone(rawPhone)
		require.NoError(test, err)
	}
	require.NoError(test, store.UpsertUser(context.Background(), user))
	return user
}

func mustSeedBooking(test *testing.T, store *Store, client marketplace.UserID, freelancer marketplace.UserID, status marketplace.BookingStatus) marketplace.Booking {
	test.Helper()
	booking, err := store.CreateBooking(context.Background(), marketplace.Booking{
		ClientID:     client,
		FreelancerID: freelancer,
		BookingTime:  storeNow.Add(48 * time.Hour),
		Status:       status,
		Location:     "Kilimani, Nairobi",
		CreatedAt:    storeNow,
		UpdatedAt:    storeNow,
	})
	require.NoError(test, err)
	return booking
}

func pendingPayment(bookingID marketplace.BookingID, attemptID string) marketplace.Payment {
	return marketplace.Payment{
		BookingID:   bookingID,
		AmountCents: 15000,
		Currency:    marketplace.CurrencyKES,
		Status:      marketplace.PaymentStatusPending,
		AttemptID:   attemptID,
		Attempts:    1,
		ReservedAt:  storeNow,
		CreatedAt:   storeNow,
		UpdatedAt:   storeNow,
	}
}

func TestUsersAndServicesRoundTrip(test *testing.T) {
	test.Parallel()
	store := newSQLiteStore(test)
	ctx := context.Background()
	freelancer := mustSeedUser(test, store, "fundi-1", marketplace.RoleFreelancer, "0712345678")

	loaded, err := store.GetUser(ctx, freelancer.ID)
	require.NoError(test, err)
	require.Equal(test, "+254712345678", loaded.Phone.String())
	require.Equal(test, marketplace.RoleFreelancer, loaded.Role)
	require.True(test, loaded.Active)

	freelancer.Active = false
	freelancer.FullName = "Fundi One"
	require.NoError(test, store.UpsertUser(ctx, freelancer))
	loaded, err = store.GetUser(ctx, freelancer.ID)
	require.NoError(test, err)
	require.False(test, loaded.Active)
	require.Equal(test, "Fundi One", loaded.FullName)

	service, err := store.CreateService(ctx, marketplace.Service{FreelancerID: freelancer.ID, Name: "Plumbing", PriceCents: 150000, Active: true})
	require.NoError(test, err)
	fetched, err := store.GetService(ctx, service.ID)
	require.NoError(test, err)
	require.Equal(test, "Plumbing", fetched.Name)
	require.Equal(test, marketplace.AmountCents(150000), fetched.PriceCents)

	missingUser, err := marketplace.NewUserID("ghost")
	require.NoError(test, err)
	_, err = store.GetUser(ctx, missingUser)
	require.ErrorIs(test, err, marketplace.ErrUserNotFound)
	missingService, err := marketplace.NewServiceID(999)
	require.NoError(test, err)
	_, err = store.GetService(ctx, missingService)
	require.ErrorIs(test, err, marketplace.ErrServiceNotFound)
}

func TestBookingsConditionalStatusUpdate(test *testing.T) {
	test.Parallel()
	store := newSQLiteStore(test)
	ctx := context.Background()
	client := mustSeedUser(test, store, "client-1", marketplace.RoleClient, "0700000001")
	freelancer := mustSeedUser(test, store, "fundi-1", marketplace.RoleFreelancer, "")
	booking := mustSeedBooking(test, store, client.ID, freelancer.ID, marketplace.BookingStatusPending)
	require.True(test, booking.ServiceID.IsZero())

	note := "See you there."
	require.NoError(test, store.UpdateBookingStatus(ctx, marketplace.BookingStatusUpdate{
		BookingID:       booking.ID,
		From:            marketplace.BookingStatusPending,
		To:              marketplace.BookingStatusConfirmed,
		FreelancerNotes: &note,
		UpdatedAt:       storeNow.Add(time.Minute),
	}))
	loaded, err := store.GetBooking(ctx, booking.ID)
	require.NoError(test, err)
	require.Equal(test, marketplace.BookingStatusConfirmed, loaded.Status)
	require.Equal(test, note, loaded.FreelancerNotes)
	require.True(test, loaded.UpdatedAt.Equal(storeNow.Add(time.Minute)))

	err = store.UpdateBookingStatus(ctx, marketplace.BookingStatusUpdate{
		BookingID: booking.ID,
		From:      marketplace.BookingStatusPending,
		To:        marketplace.BookingStatusCancelledFreelancer,
		UpdatedAt: storeNow,
	})
	require.ErrorIs(test, err, marketplace.ErrInvalidTransition)

	missing, err := marketplace.NewBookingID(404)
	require.NoError(test, err)
	err = store.UpdateBookingStatus(ctx, marketplace.BookingStatusUpdate{BookingID: missing, From: marketplace.BookingStatusPending, To: marketplace.BookingStatusConfirmed})
	require.ErrorIs(test, err, marketplace.ErrBookingNotFound)
	_, err = store.LockBooking(ctx, missing)
	require.ErrorIs(test, err, marketplace.ErrBookingNotFound)
}

func TestListBookingsFiltersAndOrders(test *testing.T) {
	test.Parallel()
	store := newSQLiteStore(test)
	ctx := context.Background()
	clientA := mustSeedUser(test, store, "client-a", marketplace.RoleClient, "")
	clientB := mustSeedUser(test, store, "client-b", marketplace.RoleClient, "")
	freelancer := mustSeedUser(test, store, "fundi-1", marketplace.RoleFreelancer, "")
	first := mustSeedBooking(test, store, clientA.ID, freelancer.ID, marketplace.BookingStatusPending)
	second := mustSeedBooking(test, store, clientA.ID, freelancer.ID, marketplace.BookingStatusPending)
	mustSeedBooking(test, store, clientB.ID, freelancer.ID, marketplace.BookingStatusPending)

	ownBookings, err := store.ListBookings(ctx, marketplace.BookingFilter{ClientID: clientA.ID})
	require.NoError(test, err)
	require.Len(test, ownBookings, 2)
	require.Equal(test, second.ID, ownBookings[0].ID)
	require.Equal(test, first.ID, ownBookings[1].ID)

	assigned, err := store.ListBookings(ctx, marketplace.BookingFilter{FreelancerID: freelancer.ID, Limit: 2})
	require.NoError(test, err)
	require.Len(test, assigned, 2)
}

func TestPaymentLifecycle(test *testing.T) {
	test.Parallel()
	store := newSQLiteStore(test)
	ctx := context.Background()
	client := mustSeedUser(test, store, "client-1", marketplace.RoleClient, "0700000001")
	freelancer := mustSeedUser(test, store, "fundi-1", marketplace.RoleFreelancer, "")
	booking := mustSeedBooking(test, store, client.ID, freelancer.ID, marketplace.BookingStatusConfirmed)

	_, err := store.GetPayment(ctx, booking.ID)
	require.ErrorIs(test, err, marketplace.ErrPaymentNotFound)

	created, err := store.CreatePayment(ctx, pendingPayment(booking.ID, "attempt-1"))
	require.NoError(test, err)
	require.NotZero(test, created.ID)
	_, err = store.CreatePayment(ctx, pendingPayment(booking.ID, "attempt-2"))
	require.ErrorIs(test, err, marketplace.ErrPaymentExists)

	accepted := created
	accepted.MerchantRequestID = "29115-34620561-1"
	accepted.CheckoutRequestID = "ws_CO_191220191020363925"
	accepted.InitiationPayload = `{"BusinessShortCode":"174379"}`
	accepted.UpdatedAt = storeNow.Add(time.Second)
	require.NoError(test, store.UpdatePayment(ctx, created, accepted))

	stale := created
	stale.AttemptID = "attempt-0"
	require.ErrorIs(test, store.UpdatePayment(ctx, stale, accepted), marketplace.ErrPaymentConflict)

	found, err := store.FindPaymentByCorrelation(ctx, accepted.MerchantRequestID, accepted.CheckoutRequestID)
	require.NoError(test, err)
	require.Equal(test, created.ID, found.ID)
	require.JSONEq(test, accepted.InitiationPayload, found.InitiationPayload)
	require.Empty(test, found.ConfirmationPayload)
	require.Empty(test, found.TransactionID)

	_, err = store.FindPaymentByCorrelation(ctx, accepted.MerchantRequestID, "ws_CO_other")
	require.ErrorIs(test, err, marketplace.ErrPaymentNotFound)

	settled := found
	settled.Status = marketplace.PaymentStatusSuccessful
	settled.TransactionID = "QAR7XYZ1"
	settled.ConfirmationPayload = "not json at all"
	require.NoError(test, store.UpdatePayment(ctx, found, settled))
	locked, err := store.LockPayment(ctx, booking.ID)
	require.NoError(test, err)
	require.Equal(test, marketplace.PaymentStatusSuccessful, locked.Status)
	require.Equal(test, "QAR7XYZ1", locked.TransactionID)
	require.Equal(test, `"not json at all"`, locked.ConfirmationPayload)
}

func TestDuplicateTransactionIDRejected(test *testing.T) {
	test.Parallel()
	store := newSQLiteStore(test)
	ctx := context.Background()
	client := mustSeedUser(test, store, "client-1", marketplace.RoleClient, "")
	freelancer := mustSeedUser(test, store, "fundi-1", marketplace.RoleFreelancer, "")
	firstBooking := mustSeedBooking(test, store, client.ID, freelancer.ID, marketplace.BookingStatusConfirmed)
	secondBooking := mustSeedBooking(test, store, client.ID, freelancer.ID, marketplace.BookingStatusConfirmed)

	first, err := store.CreatePayment(ctx, pendingPayment(firstBooking.ID, "attempt-a"))
	require.NoError(test, err)
	second, err := store.CreatePayment(ctx, pendingPayment(secondBooking.ID, "attempt-b"))
	require.NoError(test, err)

	firstSettled := first
	firstSettled.Status = marketplace.PaymentStatusSuccessful
	firstSettled.TransactionID = "QAR7XYZ1"
	require.NoError(test, store.UpdatePayment(ctx, first, firstSettled))

	secondSettled := second
	secondSettled.Status = marketplace.PaymentStatusSuccessful
	secondSettled.TransactionID = "QAR7XYZ1"
	require.ErrorIs(test, store.UpdatePayment(ctx, second, secondSettled), marketplace.ErrDuplicateTransactionID)
}

func TestUniqueViolationIgnoresOtherSQLiteConstraints(test *testing.T) {
	test.Parallel()
	store := newSQLiteStore(test)
	insertUser := "INSERT INTO users (user_id, phone_number, full_name, role, active, verified_freelancer, created_at) VALUES (?, ?, 'Amina', 'client', true, false, ?)"
	require.NoError(test, store.db.Exec(insertUser, "client-1", "+254712345678", storeNow).Error)

	testCases := []struct {
		name       string
		statement  string
		args       []any
		wantUnique bool
	}{
		{name: "primary key", statement: insertUser, args: []any{"client-1", "+254700000001", storeNow}, wantUnique: true},
		{name: "unique index", statement: insertUser, args: []any{"client-2", "+254712345678", storeNow}, wantUnique: true},
		{name: "not null", statement: "INSERT INTO payments (booking_id, currency, status, reserved_at, created_at, updated_at) VALUES (1, 'KES', 'pending', ?, ?, ?)", args: []any{storeNow, storeNow, storeNow}},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			err := store.db.Exec(testCase.statement, testCase.args...).Error
			require.Error(test, err)
			require.Equal(test, testCase.wantUnique, isUniqueViolation(err))
		})
	}
}

func TestSQLiteUniqueCodes(test *testing.T) {
	test.Parallel()
	require.True(test, isSQLiteUniqueCode(2067))
	require.True(test, isSQLiteUniqueCode(1555))
	require.False(test, isSQLiteUniqueCode(19))
	require.False(test, isSQLiteUniqueCode(1299))
	require.False(test, isSQLiteUniqueCode(275))
}

func TestListPendingPaymentsCutoff(test *testing.T) {
	test.Parallel()
	store := newSQLiteStore(test)
	ctx := context.Background()
	client := mustSeedUser(test, store, "client-1", marketplace.RoleClient, "")
	freelancer := mustSeedUser(test, store, "fundi-1", marketplace.RoleFreelancer, "")

	old := pendingPayment(mustSeedBooking(test, store, client.ID, freelancer.ID, marketplace.BookingStatusConfirmed).ID, "old")
	old.ReservedAt = storeNow.Add(-10 * time.Minute)
	oldCreated, err := store.CreatePayment(ctx, old)
	require.NoError(test, err)

	fresh := pendingPayment(mustSeedBooking(test, store, client.ID, freelancer.ID, marketplace.BookingStatusConfirmed).ID, "fresh")
	_, err = store.CreatePayment(ctx, fresh)
	require.NoError(test, err)

	failed := pendingPayment(mustSeedBooking(test, store, client.ID, freelancer.ID, marketplace.BookingStatusConfirmed).ID, "failed")
	failed.Status = marketplace.PaymentStatusFailed
	failed.ReservedAt = storeNow.Add(-time.Hour)
	_, err = store.CreatePayment(ctx, failed)
	require.NoError(test, err)

	pending, err := store.ListPendingPayments(ctx, storeNow.Add(-time.Minute), 10)
	require.NoError(test, err)
	require.Len(test, pending, 1)
	require.Equal(test, oldCreated.ID, pending[0].ID)
}

func TestWithTxRollsBackOnError(test *testing.T) {
	test.Parallel()
	store := newSQLiteStore(test)
	ctx := context.Background()
	client := mustSeedUser(test, store, "client-1", marketplace.RoleClient, "")
	freelancer := mustSeedUser(test, store, "fundi-1", marketplace.RoleFreelancer, "")
	booking := mustSeedBooking(test, store, client.ID, freelancer.ID, marketplace.BookingStatusConfirmed)

	abort := errors.New("abort")
	err := store.WithTx(ctx, func(ctx context.Context, txStore marketplace.Store) error {
		if _, err := txStore.CreatePayment(ctx, pendingPayment(booking.ID, "attempt-1")); err != nil {
			return err
		}
		return abort
	})
	require.ErrorIs(test, err, abort)
	_, err = store.GetPayment(ctx, booking.ID)
	require.ErrorIs(test, err, marketplace.ErrPaymentNotFound)
}

type scriptedGateway struct {
	mutex       sync.Mutex
	pushes      int
	beforeReply func()
}

func (gateway *scriptedGateway) InitiatePush(ctx context.Context, request marketplace.PushRequest) (marketplace.PushResult, error) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	gateway.pushes++
	if gateway.beforeReply != nil {
		gateway.beforeReply()
	}
	return marketplace.PushResult{
		MerchantRequestID: "29115-34620561-1",
		CheckoutRequestID: "ws_CO_191220191020363925",
		ResponseCode:      "0",
		CustomerMessage:   "Success. Request accepted for processing",
		RequestPayload:    `{"AccountReference":"` + request.AccountReference + `"}`,
		ResponsePayload:   `{"ResponseCode":"0"}`,
	}, nil
}

func (gateway *scriptedGateway) QueryPush(ctx context.Context, checkoutRequestID string) (marketplace.PushQueryResult, error) {
	return marketplace.PushQueryResult{}, nil
}

func TestReconcilerRoundTripOnSQLite(test *testing.T) {
	test.Parallel()
	store := newSQLiteStore(test)
	ctx := context.Background()
	client := mustSeedUser(test, store, "client-1", marketplace.RoleClient, "0712345678")
	freelancer := mustSeedUser(test, store, "fundi-1", marketplace.RoleFreelancer, "")
	service, err := store.CreateService(ctx, marketplace.Service{FreelancerID: freelancer.ID, Name: "Wiring", PriceCents: 15000, Active: true})
	require.NoError(test, err)
	booking, err := store.CreateBooking(ctx, marketplace.Booking{
		ClientID:     client.ID,
		FreelancerID: freelancer.ID,
		ServiceID:    service.ID,
		BookingTime:  storeNow.Add(24 * time.Hour),
		Status:       marketplace.BookingStatusConfirmed,
		Location:     "Kilimani, Nairobi",
		CreatedAt:    storeNow,
		UpdatedAt:    storeNow,
	})
	require.NoError(test, err)

	gateway := &scriptedGateway{}
	reconciler, err := marketplace.NewPaymentReconciler(store, gateway, func() time.Time { return storeNow }, marketplace.ReconcilerConfig{
		CallbackURL:       "https://fundis.example/payments/mpesa_callback",
		DefaultPriceCents: 10000,
	})
	require.NoError(test, err)
	actor, err := marketplace.NewActor(client.ID, marketplace.RoleClient)
	require.NoError(test, err)

	result, err := reconciler.RequestPayment(ctx, actor, booking.ID)
	require.NoError(test, err)
	require.Equal(test, marketplace.OutcomePushSent, result.Outcome)
	require.Equal(test, marketplace.AmountCents(15000), result.Payment.AmountCents)

	again, err := reconciler.RequestPayment(ctx, actor, booking.ID)
	require.NoError(test, err)
	require.Equal(test, marketplace.OutcomeAlreadyInFlight, again.Outcome)
	require.Equal(test, 1, gateway.pushes)

	callbackBody := []byte(`{"Body":{"stkCallback":{"MerchantRequestID":"29115-34620561-1","CheckoutRequestID":"ws_CO_191220191020363925","ResultCode":0,"ResultDesc":"The service request is processed successfully.","CallbackMetadata":{"Item":[{"Name":"Amount","Value":150.00},{"Name":"MpesaReceiptNumber","Value":"QAR7XYZ1"},{"Name":"PhoneNumber","Value":254712345678}]}}}}`)
	applied, err := reconciler.ApplyCallback(ctx, callbackBody)
	require.NoError(test, err)
	require.Equal(test, marketplace.OutcomeApplied, applied.Outcome)

	duplicate, err := reconciler.ApplyCallback(ctx, callbackBody)
	require.NoError(test, err)
	require.Equal(test, marketplace.OutcomeDuplicate, duplicate.Outcome)

	stored, err := store.GetPayment(ctx, booking.ID)
	require.NoError(test, err)
	require.Equal(test, marketplace.PaymentStatusSuccessful, stored.Status)
	require.Equal(test, "QAR7XYZ1", stored.TransactionID)
	require.JSONEq(test, string(callbackBody), stored.ConfirmationPayload)
}

func TestLockingUsesSelectForUpdateOnPostgres(test *testing.T) {
	test.Parallel()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(test, err)
	defer sqlDB.Close()
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(test, err)
	store := New(db)

	bookingRows := sqlmock.NewRows([]string{"booking_id", "client_id", "freelancer_id", "service_id", "custom_details", "booking_time", "status", "location", "client_notes", "freelancer_notes", "created_at", "updated_at"}).
		AddRow(7, "client-1", "fundi-1", nil, "Fix sink", storeNow, "confirmed", "Kilimani", "", "", storeNow, storeNow)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "bookings" WHERE booking_id = $1`) + `.*FOR UPDATE`).WillReturnRows(bookingRows)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "payments" WHERE booking_id = $1`) + `.*FOR UPDATE`).WillReturnRows(sqlmock.NewRows([]string{"payment_id"}))
	mock.ExpectCommit()

	bookingID, err := marketplace.NewBookingID(7)
	require.NoError(test, err)
	err = store.WithTx(context.Background(), func(ctx context.Context, txStore marketplace.Store) error {
		booking, err := txStore.LockBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		require.Equal(test, marketplace.BookingStatusConfirmed, booking.Status)
		_, err = txStore.LockPayment(ctx, bookingID)
		require.ErrorIs(test, err, marketplace.ErrPaymentNotFound)
		return nil
	})
	require.NoError(test, err)
	require.NoError(test, mock.ExpectationsWereMet())
}

func TestAcceptedPushSurvivesCallerCancellation(test *testing.T) {
	test.Parallel()
	store := newSQLiteStore(test)
	client := mustSeedUser(test, store, "client-1", marketplace.RoleClient, "0712345678")
	freelancer := mustSeedUser(test, store, "fundi-1", marketplace.RoleFreelancer, "")
	booking := mustSeedBooking(test, store, client.ID, freelancer.ID, marketplace.BookingStatusConfirmed)

	now := storeNow
	requestCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gateway := &scriptedGateway{beforeReply: cancel}
	reconciler, err := marketplace.NewPaymentReconciler(store, gateway, func() time.Time { return now }, marketplace.ReconcilerConfig{
		CallbackURL:       "https://fundis.example/payments/mpesa_callback",
		DefaultPriceCents: 10000,
	})
	require.NoError(test, err)
	actor, err := marketplace.NewActor(client.ID, marketplace.RoleClient)
	require.NoError(test, err)

	result, err := reconciler.RequestPayment(requestCtx, actor, booking.ID)
	require.NoError(test, err)
	require.Equal(test, marketplace.OutcomePushSent, result.Outcome)

	ctx := context.Background()
	stored, err := store.GetPayment(ctx, booking.ID)
	require.NoError(test, err)
	require.Equal(test, "29115-34620561-1", stored.MerchantRequestID)
	require.Equal(test, "ws_CO_191220191020363925", stored.CheckoutRequestID)

	applied, err := reconciler.ApplyCallback(ctx, []byte(`{"Body":{"stkCallback":{"MerchantRequestID":"29115-34620561-1","CheckoutRequestID":"ws_CO_191220191020363925","ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`))
	require.NoError(test, err)
	require.Equal(test, marketplace.OutcomeApplied, applied.Outcome)

	now = storeNow.Add(10 * time.Minute)
	gateway.beforeReply = nil
	retried, err := reconciler.RequestPayment(ctx, actor, booking.ID)
	require.NoError(test, err)
	require.Equal(test, marketplace.OutcomePushSent, retried.Outcome)
	require.Equal(test, 2, gateway.pushes)
	require.Equal(test, 2, retried.Payment.Attempts)
}
