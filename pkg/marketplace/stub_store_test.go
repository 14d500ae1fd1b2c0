package marketplace

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

var fixedNow = time.Date(2026, time.March, 2, 9, 30, 0, 0, time.UTC)

type stubStore struct {
	txMutex   sync.Mutex
	dataMutex sync.Mutex
	users     map[UserID]User
	services  map[ServiceID]Service
	bookings  map[BookingID]Booking
	payments  map[BookingID]Payment
	nextID    int64
	failWith  error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		users:    map[UserID]User{},
		services: map[ServiceID]Service{},
		bookings: map[BookingID]Booking{},
		payments: map[BookingID]Payment{},
	}
}

// WithTx serializes transactions and restores the previous state when fn
// fails. Like a database driver it refuses to begin on a cancelled context.
func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	store.txMutex.Lock()
	defer store.txMutex.Unlock()
	store.dataMutex.Lock()
	bookings := copyMap(store.bookings)
	payments := copyMap(store.payments)
	store.dataMutex.Unlock()
	if err := fn(ctx, store); err != nil {
		store.dataMutex.Lock()
		store.bookings = bookings
		store.payments = payments
		store.dataMutex.Unlock()
		return err
	}
	return nil
}

func (store *stubStore) GetUser(ctx context.Context, userID UserID) (User, error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	user, ok := store.users[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (store *stubStore) GetService(ctx context.Context, serviceID ServiceID) (Service, error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	service, ok := store.services[serviceID]
	if !ok {
		return Service{}, ErrServiceNotFound
	}
	return service, nil
}

func (store *stubStore) CreateBooking(ctx context.Context, booking Booking) (Booking, error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	if store.failWith != nil {
		return Booking{}, store.failWith
	}
	store.nextID++
	booking.ID = BookingID{value: store.nextID}
	store.bookings[booking.ID] = booking
	return booking, nil
}

func (store *stubStore) GetBooking(ctx context.Context, bookingID BookingID) (Booking, error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	booking, ok := store.bookings[bookingID]
	if !ok {
		return Booking{}, ErrBookingNotFound
	}
	return booking, nil
}

func (store *stubStore) LockBooking(ctx context.Context, bookingID BookingID) (Booking, error) {
	return store.GetBooking(ctx, bookingID)
}

func (store *stubStore) ListBookings(ctx context.Context, filter BookingFilter) ([]Booking, error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	var bookings []Booking
	for _, booking := range store.bookings {
		if !filter.ClientID.IsZero() && booking.ClientID != filter.ClientID {
			continue
		}
		if !filter.FreelancerID.IsZero() && booking.FreelancerID != filter.FreelancerID {
			continue
		}
		bookings = append(bookings, booking)
	}
	sort.Slice(bookings, func(left, right int) bool {
		return bookings[left].ID.Int64() > bookings[right].ID.Int64()
	})
	if filter.Limit > 0 && len(bookings) > filter.Limit {
		bookings = bookings[:filter.Limit]
	}
	return bookings, nil
}

func (store *stubStore) UpdateBookingStatus(ctx context.Context, update BookingStatusUpdate) error {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	booking, ok := store.bookings[update.BookingID]
	if !ok {
		return ErrBookingNotFound
	}
	if booking.Status != update.From {
		return ErrInvalidTransition
	}
	booking.Status = update.To
	booking.UpdatedAt = update.UpdatedAt
	if update.FreelancerNotes != nil {
		booking.FreelancerNotes = *update.FreelancerNotes
	}
	store.bookings[update.BookingID] = booking
	return nil
}

func (store *stubStore) GetPayment(ctx context.Context, bookingID BookingID) (Payment, error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	payment, ok := store.payments[bookingID]
	if !ok {
		return Payment{}, ErrPaymentNotFound
	}
	return payment, nil
}

func (store *stubStore) LockPayment(ctx context.Context, bookingID BookingID) (Payment, error) {
	return store.GetPayment(ctx, bookingID)
}

func (store *stubStore) FindPaymentByCorrelation(ctx context.Context, merchantRequestID string, checkoutRequestID string) (Payment, error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	for _, payment := range store.payments {
		if payment.MerchantRequestID == merchantRequestID && payment.CheckoutRequestID == checkoutRequestID {
			return payment, nil
		}
	}
	return Payment{}, ErrPaymentNotFound
}

func (store *stubStore) CreatePayment(ctx context.Context, payment Payment) (Payment, error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	if _, exists := store.payments[payment.BookingID]; exists {
		return Payment{}, ErrPaymentExists
	}
	store.nextID++
	payment.ID = store.nextID
	store.payments[payment.BookingID] = payment
	return payment, nil
}

func (store *stubStore) UpdatePayment(ctx context.Context, previous Payment, next Payment) error {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	stored, ok := store.payments[previous.BookingID]
	if !ok {
		return ErrPaymentNotFound
	}
	if stored.Status != previous.Status || stored.AttemptID != previous.AttemptID {
		return ErrPaymentConflict
	}
	store.payments[previous.BookingID] = next
	return nil
}

func (store *stubStore) ListPendingPayments(ctx context.Context, reservedBefore time.Time, limit int) ([]Payment, error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	var pending []Payment
	for _, payment := range store.payments {
		if payment.Status == PaymentStatusPending && payment.ReservedAt.Before(reservedBefore) {
			pending = append(pending, payment)
		}
	}
	sort.Slice(pending, func(left, right int) bool {
		return pending[left].ID < pending[right].ID
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (store *stubStore) addUser(test *testing.T, rawID string, role Role, rawPhone string) User {
	test.Helper()
	user := User{
		ID:       mustUserID(test, rawID),
		FullName: rawID,
		Role:     role,
		Active:   true,
	}
	if rawPhone != "" {
		user.Phone = mustPhone(test, rawPhone)
	}
	store.users[user.ID] = user
	return user
}

func (store *stubStore) addService(test *testing.T, rawID int64, freelancerID UserID, name string, priceCents AmountCents) Service {
	test.Helper()
	service := Service{
		ID:           mustServiceID(test, rawID),
		FreelancerID: freelancerID,
		Name:         name,
		PriceCents:   priceCents,
		Active:       true,
	}
	store.services[service.ID] = service
	return service
}

func (store *stubStore) addBooking(test *testing.T, client UserID, freelancer UserID, serviceID ServiceID, status BookingStatus) Booking {
	test.Helper()
	store.nextID++
	booking := Booking{
		ID:           mustBookingID(test, store.nextID),
		ClientID:     client,
		FreelancerID: freelancer,
		ServiceID:    serviceID,
		BookingTime:  fixedNow.Add(48 * time.Hour),
		Status:       status,
		Location:     "Westlands, Nairobi",
		CreatedAt:    fixedNow,
		UpdatedAt:    fixedNow,
	}
	store.bookings[booking.ID] = booking
	return booking
}

func (store *stubStore) mustPayment(test *testing.T, bookingID BookingID) Payment {
	test.Helper()
	payment, err := store.GetPayment(context.Background(), bookingID)
	if err != nil {
		test.Fatalf("payment for booking %s: %v", bookingID, err)
	}
	return payment
}

func (store *stubStore) mustBooking(test *testing.T, bookingID BookingID) Booking {
	test.Helper()
	booking, err := store.GetBooking(context.Background(), bookingID)
	if err != nil {
		test.Fatalf("booking %s: %v", bookingID, err)
	}
	return booking
}

func (store *stubStore) bookingCount() int {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	return len(store.bookings)
}

type stubGateway struct {
	mutex       sync.Mutex
	pushes      []PushRequest
	queries     []string
	result      PushResult
	err         error
	queryResult PushQueryResult
	queryErr    error
	release     chan struct{}
	beforeReply func()
	pushCtxErrs []error
}

func (gateway *stubGateway) InitiatePush(ctx context.Context, request PushRequest) (PushResult, error) {
	gateway.mutex.Lock()
	gateway.pushes = append(gateway.pushes, request)
	result, err, release, beforeReply := gateway.result, gateway.err, gateway.release, gateway.beforeReply
	gateway.mutex.Unlock()
	if release != nil {
		<-release
	}
	if beforeReply != nil {
		beforeReply()
	}
	gateway.mutex.Lock()
	gateway.pushCtxErrs = append(gateway.pushCtxErrs, ctx.Err())
	gateway.mutex.Unlock()
	return result, err
}

func (gateway *stubGateway) QueryPush(ctx context.Context, checkoutRequestID string) (PushQueryResult, error) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	gateway.queries = append(gateway.queries, checkoutRequestID)
	return gateway.queryResult, gateway.queryErr
}

func (gateway *stubGateway) pushCount() int {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	return len(gateway.pushes)
}

func (gateway *stubGateway) accept(merchantRequestID string, checkoutRequestID string) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	gateway.err = nil
	gateway.result = PushResult{
		MerchantRequestID:   merchantRequestID,
		CheckoutRequestID:   checkoutRequestID,
		ResponseCode:        "0",
		ResponseDescription: "Success. Request accepted for processing",
		CustomerMessage:     "Success. Request accepted for processing",
		RequestPayload:      `{"BusinessShortCode":"174379"}`,
		ResponsePayload:     `{"ResponseCode":"0"}`,
	}
}

type sentMessage struct {
	recipient Recipient
	message   string
}

type recordingSink struct {
	mutex    sync.Mutex
	messages []sentMessage
	err      error
}

func (sink *recordingSink) Notify(ctx context.Context, recipient Recipient, message string) error {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	sink.messages = append(sink.messages, sentMessage{recipient: recipient, message: message})
	return sink.err
}

func (sink *recordingSink) count() int {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	return len(sink.messages)
}

type recordingLogger struct {
	mutex   sync.Mutex
	entries []OperationLog
}

func (logger *recordingLogger) LogOperation(ctx context.Context, entry OperationLog) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recordingLogger) last(test *testing.T) OperationLog {
	test.Helper()
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	if len(logger.entries) == 0 {
		test.Fatalf("expected logged operations")
	}
	return logger.entries[len(logger.entries)-1]
}

func copyMap[K comparable, V any](source map[K]V) map[K]V {
	copied := make(map[K]V, len(source))
	for key, value := range source {
		copied[key] = value
	}
	return copied
}

func fixedClock() time.Time {
	return fixedNow
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustBookingID(test *testing.T, raw int64) BookingID {
	test.Helper()
	bookingID, err := NewBookingID(raw)
	if err != nil {
		test.Fatalf("booking id: %v", err)
	}
	return bookingID
}

func mustServiceID(test *testing.T, raw int64) ServiceID {
	test.Helper()
	serviceID, err := NewServiceID(raw)
	if err != nil {
		test.Fatalf("service id: %v", err)
	}
	return serviceID
}

func mustPhone(test *testing.T, raw string) CanonicalPhone {
	test.Helper()
	phone, err := NormalizePhone(raw)
	if err != nil {
		test.Fatalf("phone: %v", err)
	}
	return phone
}

func mustActor(test *testing.T, user User) Actor {
	test.Helper()
	actor, err := NewActor(user.ID, user.Role)
	if err != nil {
		test.Fatalf("actor: %v", err)
	}
	return actor
}

func mustNewLedger(test *testing.T, store Store, options ...LedgerOption) *BookingLedger {
	test.Helper()
	ledger, err := NewBookingLedger(store, fixedClock, options...)
	if err != nil {
		test.Fatalf("new ledger: %v", err)
	}
	return ledger
}

func mustNewReconciler(test *testing.T, store Store, gateway Gateway, options ...ReconcilerOption) *PaymentReconciler {
	test.Helper()
	reconciler, err := NewPaymentReconciler(store, gateway, fixedClock, ReconcilerConfig{
		CallbackURL:       "https://fundis.example/payments/mpesa_callback",
		DefaultPriceCents: 10000,
		StaleAfter:        time.Minute,
	}, options...)
	if err != nil {
		test.Fatalf("new reconciler: %v", err)
	}
	return reconciler
}

func expectErrorIs(test *testing.T, err error, target error) {
	test.Helper()
	if !errors.Is(err, target) {
		test.Fatalf("expected %v, got %v", target, err)
	}
}
