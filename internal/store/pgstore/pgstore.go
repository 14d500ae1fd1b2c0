package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/fundis/pkg/marketplace"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolationCode   = "23505"
	errorOperationStore     = "store"
	errorSubjectUser        = "user"
	errorSubjectService     = "service"
	errorSubjectBooking     = "booking"
	errorSubjectPayment     = "payment"
	errorSubjectTransaction = "transaction"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLock           = "lock"
	errorCodeUpdate         = "update"
	errorCodeUpdateStatus   = "update_status"

	sqlSelectUser = `
		select user_id, coalesce(phone_number,''), full_name, role, active, verified_freelancer
		from users
		where user_id = $1
	`

	sqlSelectService = `
		select service_id, freelancer_id, name, price_cents, active
		from services
		where service_id = $1
	`

	sqlInsertBooking = `
		insert into bookings(
			client_id, freelancer_id, service_id, custom_details, booking_time, status,
			location, client_notes, freelancer_notes, created_at, updated_at
		)
		values($1, $2, nullif($3,0), $4, $5, $6, $7, $8, $9, $10, $11)
		returning booking_id
	`

	sqlBookingColumns = `
		select booking_id, client_id, freelancer_id, coalesce(service_id,0), custom_details, booking_time,
			status, location, client_notes, freelancer_notes, created_at, updated_at
		from bookings
	`

	sqlSelectBooking = sqlBookingColumns + ` where booking_id = $1`

	sqlLockBooking = sqlSelectBooking + ` for update`

	sqlListBookings = sqlBookingColumns + `
		where ($1 = '' or client_id = $1) and ($2 = '' or freelancer_id = $2)
		order by booking_id desc
		limit nullif($3,0)
	`

	sqlUpdateBookingStatus = `
		update bookings
		set status = $3, updated_at = $4, freelancer_notes = coalesce($5, freelancer_notes)
		where booking_id = $1 and status = $2
	`

	sqlPaymentColumns = `
		select payment_id, booking_id, amount_cents, currency, status,
			coalesce(merchant_request_id,''), coalesce(checkout_request_id,''), coalesce(transaction_id,''),
			coalesce(initiation_payload::text,''), coalesce(confirmation_payload::text,''),
			attempt_id, attempts, reserved_at, created_at, updated_at
		from payments
	`

	sqlSelectPayment = sqlPaymentColumns + ` where booking_id = $1`

	sqlLockPayment = sqlSelectPayment + ` for update`

	sqlSelectPaymentByCorrelation = sqlPaymentColumns + ` where merchant_request_id = $1 and checkout_request_id = $2`

	sqlListPendingPayments = sqlPaymentColumns + `
		where status = 'pending' and reserved_at < $1
		order by payment_id asc
		limit nullif($2,0)
	`

	sqlInsertPayment = `
		insert into payments(
			booking_id, amount_cents, currency, status, merchant_request_id, checkout_request_id, transaction_id,
			initiation_payload, confirmation_payload, attempt_id, attempts, reserved_at, created_at, updated_at
		)
		values($1, $2, $3, $4, nullif($5,''), nullif($6,''), nullif($7,''),
			nullif($8,'')::jsonb, nullif($9,'')::jsonb, $10, $11, $12, $13, $14)
		returning payment_id
	`

	sqlUpdatePayment = `
		update payments
		set amount_cents = $4, currency = $5, status = $6,
			merchant_request_id = nullif($7,''), checkout_request_id = nullif($8,''), transaction_id = nullif($9,''),
			initiation_payload = nullif($10,'')::jsonb, confirmation_payload = nullif($11,'')::jsonb,
			attempt_id = $12, attempts = $13, reserved_at = $14, updated_at = $15
		where booking_id = $1 and status = $2 and attempt_id = $3
	`
)

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// queries holds the statements shared by the pool and transaction stores.
type queries struct {
	db querier
}

// Store implements marketplace.Store using a pgx connection pool (autocommit).
type Store struct {
	queries
	pool *pgxpool.Pool
}

// TxStore implements marketplace.Store for an active transaction.
type TxStore struct {
	queries
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{db: pool}, pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore marketplace.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{queries: queries{db: tx}}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore marketplace.Store) error) error {
	return fn(ctx, store)
}

func (store queries) GetUser(ctx context.Context, userID marketplace.UserID) (marketplace.User, error) {
	var (
		idValue, phoneValue, fullName, roleValue string
		active, verified                         bool
	)
	err := store.db.QueryRow(ctx, sqlSelectUser, userID.String()).Scan(&idValue, &phoneValue, &fullName, &roleValue, &active, &verified)
	if err != nil {
		return marketplace.User{}, wrapLookupError(errorSubjectUser, errorCodeGet, err, marketplace.ErrUserNotFound)
	}
	parsedID, err := marketplace.NewUserID(idValue)
	if err != nil {
		return marketplace.User{}, wrapStoreError(errorSubjectUser, errorCodeInvalid, err)
	}
	role, err := marketplace.ParseRole(roleValue)
	if err != nil {
		return marketplace.User{}, wrapStoreError(errorSubjectUser, errorCodeInvalid, err)
	}
	user := marketplace.User{ID: parsedID, FullName: fullName, Role: role, Active: active, VerifiedFreelancer: verified}
	if phoneValue != "" {
		user.Phone, err = marketplace.NormalizePhone(phoneValue)
		if err != nil {
			return marketplace.User{}, wrapStoreError(errorSubjectUser, errorCodeInvalid, err)
		}
	}
	return user, nil
}

func (store queries) GetService(ctx context.Context, serviceID marketplace.ServiceID) (marketplace.Service, error) {
	var (
		idValue, priceCents   int64
		freelancerValue, name string
		active                bool
	)
	err := store.db.QueryRow(ctx, sqlSelectService, serviceID.Int64()).Scan(&idValue, &freelancerValue, &name, &priceCents, &active)
	if err != nil {
		return marketplace.Service{}, wrapLookupError(errorSubjectService, errorCodeGet, err, marketplace.ErrServiceNotFound)
	}
	parsedID, err := marketplace.NewServiceID(idValue)
	if err != nil {
		return marketplace.Service{}, wrapStoreError(errorSubjectService, errorCodeInvalid, err)
	}
	freelancerID, err := marketplace.NewUserID(freelancerValue)
	if err != nil {
		return marketplace.Service{}, wrapStoreError(errorSubjectService, errorCodeInvalid, err)
	}
	return marketplace.Service{
		ID:           parsedID,
		FreelancerID: freelancerID,
		Name:         name,
		PriceCents:   marketplace.AmountCents(priceCents),
		Active:       active,
	}, nil
}

func (store queries) CreateBooking(ctx context.Context, booking marketplace.Booking) (marketplace.Booking, error) {
	var idValue int64
	err := store.db.QueryRow(ctx, sqlInsertBooking,
		booking.ClientID.String(),
		booking.FreelancerID.String(),
		booking.ServiceID.Int64(),
		booking.CustomDetails,
		booking.BookingTime.UTC(),
		string(booking.Status),
		booking.Location,
		booking.ClientNotes,
		booking.FreelancerNotes,
		booking.CreatedAt.UTC(),
		booking.UpdatedAt.UTC(),
	).Scan(&idValue)
	if err != nil {
		return marketplace.Booking{}, wrapStoreError(errorSubjectBooking, errorCodeCreate, err)
	}
	bookingID, err := marketplace.NewBookingID(idValue)
	if err != nil {
		return marketplace.Booking{}, wrapStoreError(errorSubjectBooking, errorCodeInvalid, err)
	}
	booking.ID = bookingID
	return booking, nil
}

func (store queries) GetBooking(ctx context.Context, bookingID marketplace.BookingID) (marketplace.Booking, error) {
	return store.selectBooking(ctx, sqlSelectBooking, bookingID, errorCodeGet)
}

func (store queries) LockBooking(ctx context.Context, bookingID marketplace.BookingID) (marketplace.Booking, error) {
	return store.selectBooking(ctx, sqlLockBooking, bookingID, errorCodeLock)
}

func (store queries) selectBooking(ctx context.Context, sql string, bookingID marketplace.BookingID, code string) (marketplace.Booking, error) {
	booking, err := scanBooking(store.db.QueryRow(ctx, sql, bookingID.Int64()))
	if err != nil {
		return marketplace.Booking{}, wrapLookupError(errorSubjectBooking, code, err, marketplace.ErrBookingNotFound)
	}
	return booking, nil
}

func (store queries) ListBookings(ctx context.Context, filter marketplace.BookingFilter) ([]marketplace.Booking, error) {
	rows, err := store.db.Query(ctx, sqlListBookings, filter.ClientID.String(), filter.FreelancerID.String(), filter.Limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectBooking, errorCodeList, err)
	}
	defer rows.Close()
	bookings := make([]marketplace.Booking, 0, 16)
	for rows.Next() {
		booking, err := scanBooking(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectBooking, errorCodeInvalid, err)
		}
		bookings = append(bookings, booking)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectBooking, errorCodeList, err)
	}
	return bookings, nil
}

func (store queries) UpdateBookingStatus(ctx context.Context, update marketplace.BookingStatusUpdate) error {
	tag, err := store.db.Exec(ctx, sqlUpdateBookingStatus,
		update.BookingID.Int64(),
		string(update.From),
		string(update.To),
		update.UpdatedAt.UTC(),
		update.FreelancerNotes,
	)
	if err != nil {
		return wrapStoreError(errorSubjectBooking, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := store.GetBooking(ctx, update.BookingID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectBooking, errorCodeUpdateStatus, marketplace.ErrInvalidTransition)
	}
	return nil
}

func (store queries) GetPayment(ctx context.Context, bookingID marketplace.BookingID) (marketplace.Payment, error) {
	return store.selectPayment(store.db.QueryRow(ctx, sqlSelectPayment, bookingID.Int64()), errorCodeGet)
}

func (store queries) LockPayment(ctx context.Context, bookingID marketplace.BookingID) (marketplace.Payment, error) {
	return store.selectPayment(store.db.QueryRow(ctx, sqlLockPayment, bookingID.Int64()), errorCodeLock)
}

func (store queries) FindPaymentByCorrelation(ctx context.Context, merchantRequestID string, checkoutRequestID string) (marketplace.Payment, error) {
	return store.selectPayment(store.db.QueryRow(ctx, sqlSelectPaymentByCorrelation, merchantRequestID, checkoutRequestID), errorCodeGet)
}

func (store queries) selectPayment(row pgx.Row, code string) (marketplace.Payment, error) {
	payment, err := scanPayment(row)
	if err != nil {
		return marketplace.Payment{}, wrapLookupError(errorSubjectPayment, code, err, marketplace.ErrPaymentNotFound)
	}
	return payment, nil
}

func (store queries) CreatePayment(ctx context.Context, payment marketplace.Payment) (marketplace.Payment, error) {
	var idValue int64
	err := store.db.QueryRow(ctx, sqlInsertPayment,
		payment.BookingID.Int64(),
		payment.AmountCents.Int64(),
		payment.Currency,
		string(payment.Status),
		payment.MerchantRequestID,
		payment.CheckoutRequestID,
		payment.TransactionID,
		payloadText(payment.InitiationPayload),
		payloadText(payment.ConfirmationPayload),
		payment.AttemptID,
		payment.Attempts,
		payment.ReservedAt.UTC(),
		payment.CreatedAt.UTC(),
		payment.UpdatedAt.UTC(),
	).Scan(&idValue)
	if isUniqueViolation(err) {
		return marketplace.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeDuplicate, marketplace.ErrPaymentExists)
	}
	if err != nil {
		return marketplace.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeCreate, err)
	}
	payment.ID = idValue
	return payment, nil
}

func (store queries) UpdatePayment(ctx context.Context, previous marketplace.Payment, next marketplace.Payment) error {
	tag, err := store.db.Exec(ctx, sqlUpdatePayment,
		previous.BookingID.Int64(),
		string(previous.Status),
		previous.AttemptID,
		next.AmountCents.Int64(),
		next.Currency,
		string(next.Status),
		next.MerchantRequestID,
		next.CheckoutRequestID,
		next.TransactionID,
		payloadText(next.InitiationPayload),
		payloadText(next.ConfirmationPayload),
		next.AttemptID,
		next.Attempts,
		next.ReservedAt.UTC(),
		next.UpdatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectPayment, errorCodeDuplicate, marketplace.ErrDuplicateTransactionID)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectPayment, errorCodeUpdate, marketplace.ErrPaymentConflict)
	}
	return nil
}

func (store queries) ListPendingPayments(ctx context.Context, reservedBefore time.Time, limit int) ([]marketplace.Payment, error) {
	rows, err := store.db.Query(ctx, sqlListPendingPayments, reservedBefore.UTC(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectPayment, errorCodeList, err)
	}
	defer rows.Close()
	payments := make([]marketplace.Payment, 0, 16)
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
		}
		payments = append(payments, payment)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectPayment, errorCodeList, err)
	}
	return payments, nil
}

func scanBooking(row pgx.Row) (marketplace.Booking, error) {
	var (
		idValue, serviceValue                                 int64
		clientValue, freelancerValue, statusValue             string
		customDetails, location, clientNotes, freelancerNotes string
		bookingTime, createdAt, updatedAt                     time.Time
	)
	if err := row.Scan(
		&idValue,
		&clientValue,
		&freelancerValue,
		&serviceValue,
		&customDetails,
		&bookingTime,
		&statusValue,
		&location,
		&clientNotes,
		&freelancerNotes,
		&createdAt,
		&updatedAt,
	); err != nil {
		return marketplace.Booking{}, err
	}
	bookingID, err := marketplace.NewBookingID(idValue)
	if err != nil {
		return marketplace.Booking{}, err
	}
	clientID, err := marketplace.NewUserID(clientValue)
	if err != nil {
		return marketplace.Booking{}, err
	}
	freelancerID, err := marketplace.NewUserID(freelancerValue)
	if err != nil {
		return marketplace.Booking{}, err
	}
	status, err := marketplace.ParseBookingStatus(statusValue)
	if err != nil {
		return marketplace.Booking{}, err
	}
	var serviceID marketplace.ServiceID
	if serviceValue != 0 {
		serviceID, err = marketplace.NewServiceID(serviceValue)
		if err != nil {
			return marketplace.Booking{}, err
		}
	}
	return marketplace.Booking{
		ID:              bookingID,
		ClientID:        clientID,
		FreelancerID:    freelancerID,
		ServiceID:       serviceID,
		CustomDetails:   customDetails,
		BookingTime:     bookingTime.UTC(),
		Status:          status,
		Location:        location,
		ClientNotes:     clientNotes,
		FreelancerNotes: freelancerNotes,
		CreatedAt:       createdAt.UTC(),
		UpdatedAt:       updatedAt.UTC(),
	}, nil
}

func scanPayment(row pgx.Row) (marketplace.Payment, error) {
	var (
		payment                          marketplace.Payment
		bookingValue, amountValue        int64
		statusValue                      string
		reservedAt, createdAt, updatedAt time.Time
	)
	if err := row.Scan(
		&payment.ID,
		&bookingValue,
		&amountValue,
		&payment.Currency,
		&statusValue,
		&payment.MerchantRequestID,
		&payment.CheckoutRequestID,
		&payment.TransactionID,
		&payment.InitiationPayload,
		&payment.ConfirmationPayload,
		&payment.AttemptID,
		&payment.Attempts,
		&reservedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return marketplace.Payment{}, err
	}
	bookingID, err := marketplace.NewBookingID(bookingValue)
	if err != nil {
		return marketplace.Payment{}, err
	}
	amount, err := marketplace.NewAmountCents(amountValue)
	if err != nil {
		return marketplace.Payment{}, err
	}
	status, err := marketplace.ParsePaymentStatus(statusValue)
	if err != nil {
		return marketplace.Payment{}, err
	}
	payment.BookingID = bookingID
	payment.AmountCents = amount
	payment.Status = status
	payment.ReservedAt = reservedAt.UTC()
	payment.CreatedAt = createdAt.UTC()
	payment.UpdatedAt = updatedAt.UTC()
	return payment, nil
}

// payloadText keeps non-JSON gateway bodies storable in a jsonb column.
func payloadText(raw string) string {
	if raw == "" || json.Valid([]byte(raw)) {
		return raw
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func wrapStoreError(subject string, code string, err error) error {
	return marketplace.WrapError(errorOperationStore, subject, code, err)
}

func wrapLookupError(subject string, code string, err error, notFound error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return wrapStoreError(subject, code, notFound)
	}
	return wrapStoreError(subject, code, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
