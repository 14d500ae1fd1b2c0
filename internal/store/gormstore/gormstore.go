package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/fundis/pkg/marketplace"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	pgUniqueViolationCode = "23505"
	lockStrengthUpdate    = "UPDATE"
	errorOperationStore   = "store"
	errorSubjectUser      = "user"
	errorSubjectService   = "service"
	errorSubjectBooking   = "booking"
	errorSubjectPayment   = "payment"
	errorCodeCreate       = "create"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeLock         = "lock"
	errorCodeUpdate       = "update"
	errorCodeUpdateStatus = "update_status"
	errorCodeUpsert       = "upsert"
)

// Extended SQLite result codes. The primary SQLITE_CONSTRAINT (19) also covers
// NOT NULL, CHECK and foreign key failures.
const (
	sqliteConstraintPrimaryKey = 1555
	sqliteConstraintUnique     = 2067
)

// Store implements marketplace.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore marketplace.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetUser(ctx context.Context, userID marketplace.UserID) (marketplace.User, error) {
	var model User
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&model).Error
	if err != nil {
		return marketplace.User{}, wrapLookupError(errorSubjectUser, errorCodeGet, err, marketplace.ErrUserNotFound)
	}
	user, err := mapUser(model)
	if err != nil {
		return marketplace.User{}, wrapStoreError(errorSubjectUser, errorCodeInvalid, err)
	}
	return user, nil
}

// UpsertUser inserts a user or refreshes an existing one by id.
func (store *Store) UpsertUser(ctx context.Context, user marketplace.User) error {
	model := User{
		UserID:             user.ID.String(),
		PhoneNumber:        nullableString(user.Phone.String()),
		FullName:           user.FullName,
		Role:               string(user.Role),
		Active:             user.Active,
		VerifiedFreelancer: user.VerifiedFreelancer,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"phone_number", "full_name", "role", "active", "verified_freelancer"}),
		}).
		Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectUser, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectUser, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) GetService(ctx context.Context, serviceID marketplace.ServiceID) (marketplace.Service, error) {
	var model Service
	err := store.db.WithContext(ctx).Where("service_id = ?", serviceID.Int64()).Take(&model).Error
	if err != nil {
		return marketplace.Service{}, wrapLookupError(errorSubjectService, errorCodeGet, err, marketplace.ErrServiceNotFound)
	}
	service, err := mapService(model)
	if err != nil {
		return marketplace.Service{}, wrapStoreError(errorSubjectService, errorCodeInvalid, err)
	}
	return service, nil
}

// CreateService adds a catalog entry and returns it with its assigned id.
func (store *Store) CreateService(ctx context.Context, service marketplace.Service) (marketplace.Service, error) {
	model := Service{
		FreelancerID: service.FreelancerID.String(),
		Name:         service.Name,
		PriceCents:   service.PriceCents.Int64(),
		Active:       service.Active,
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return marketplace.Service{}, wrapStoreError(errorSubjectService, errorCodeCreate, err)
	}
	created, err := mapService(model)
	if err != nil {
		return marketplace.Service{}, wrapStoreError(errorSubjectService, errorCodeInvalid, err)
	}
	return created, nil
}

func (store *Store) CreateBooking(ctx context.Context, booking marketplace.Booking) (marketplace.Booking, error) {
	model := Booking{
		ClientID:        booking.ClientID.String(),
		FreelancerID:    booking.FreelancerID.String(),
		CustomDetails:   booking.CustomDetails,
		BookingTime:     booking.BookingTime.UTC(),
		Status:          string(booking.Status),
		Location:        booking.Location,
		ClientNotes:     booking.ClientNotes,
		FreelancerNotes: booking.FreelancerNotes,
		CreatedAt:       booking.CreatedAt.UTC(),
		UpdatedAt:       booking.UpdatedAt.UTC(),
	}
	if !booking.ServiceID.IsZero() {
		serviceID := booking.ServiceID.Int64()
		model.ServiceID = &serviceID
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return marketplace.Booking{}, wrapStoreError(errorSubjectBooking, errorCodeCreate, err)
	}
	created, err := mapBooking(model)
	if err != nil {
		return marketplace.Booking{}, wrapStoreError(errorSubjectBooking, errorCodeInvalid, err)
	}
	return created, nil
}

func (store *Store) GetBooking(ctx context.Context, bookingID marketplace.BookingID) (marketplace.Booking, error) {
	return store.findBooking(store.db.WithContext(ctx), bookingID, errorCodeGet)
}

func (store *Store) LockBooking(ctx context.Context, bookingID marketplace.BookingID) (marketplace.Booking, error) {
	return store.findBooking(store.db.WithContext(ctx).Clauses(clause.Locking{Strength: lockStrengthUpdate}), bookingID, errorCodeLock)
}

func (store *Store) findBooking(query *gorm.DB, bookingID marketplace.BookingID, code string) (marketplace.Booking, error) {
	var model Booking
	if err := query.Where("booking_id = ?", bookingID.Int64()).Take(&model).Error; err != nil {
		return marketplace.Booking{}, wrapLookupError(errorSubjectBooking, code, err, marketplace.ErrBookingNotFound)
	}
	booking, err := mapBooking(model)
	if err != nil {
		return marketplace.Booking{}, wrapStoreError(errorSubjectBooking, errorCodeInvalid, err)
	}
	return booking, nil
}

func (store *Store) ListBookings(ctx context.Context, filter marketplace.BookingFilter) ([]marketplace.Booking, error) {
	query := store.db.WithContext(ctx).Model(&Booking{})
	if !filter.ClientID.IsZero() {
		query = query.Where("client_id = ?", filter.ClientID.String())
	}
	if !filter.FreelancerID.IsZero() {
		query = query.Where("freelancer_id = ?", filter.FreelancerID.String())
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var rows []Booking
	if err := query.Order("booking_id DESC").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectBooking, errorCodeList, err)
	}
	bookings := make([]marketplace.Booking, 0, len(rows))
	for _, row := range rows {
		booking, err := mapBooking(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectBooking, errorCodeInvalid, err)
		}
		bookings = append(bookings, booking)
	}
	return bookings, nil
}

func (store *Store) UpdateBookingStatus(ctx context.Context, update marketplace.BookingStatusUpdate) error {
	assignments := map[string]interface{}{
		"status":     string(update.To),
		"updated_at": update.UpdatedAt.UTC(),
	}
	if update.FreelancerNotes != nil {
		assignments["freelancer_notes"] = *update.FreelancerNotes
	}
	result := store.db.WithContext(ctx).
		Model(&Booking{}).
		Where("booking_id = ? AND status = ?", update.BookingID.Int64(), string(update.From)).
		Updates(assignments)
	if result.Error != nil {
		return wrapStoreError(errorSubjectBooking, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := store.GetBooking(ctx, update.BookingID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectBooking, errorCodeUpdateStatus, marketplace.ErrInvalidTransition)
	}
	return nil
}

func (store *Store) GetPayment(ctx context.Context, bookingID marketplace.BookingID) (marketplace.Payment, error) {
	return store.findPayment(store.db.WithContext(ctx).Where("booking_id = ?", bookingID.Int64()), errorCodeGet)
}

func (store *Store) LockPayment(ctx context.Context, bookingID marketplace.BookingID) (marketplace.Payment, error) {
	query := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: lockStrengthUpdate}).
		Where("booking_id = ?", bookingID.Int64())
	return store.findPayment(query, errorCodeLock)
}

func (store *Store) FindPaymentByCorrelation(ctx context.Context, merchantRequestID string, checkoutRequestID string) (marketplace.Payment, error) {
	query := store.db.WithContext(ctx).
		Where("merchant_request_id = ? AND checkout_request_id = ?", merchantRequestID, checkoutRequestID)
	return store.findPayment(query, errorCodeGet)
}

func (store *Store) findPayment(query *gorm.DB, code string) (marketplace.Payment, error) {
	var model Payment
	if err := query.Take(&model).Error; err != nil {
		return marketplace.Payment{}, wrapLookupError(errorSubjectPayment, code, err, marketplace.ErrPaymentNotFound)
	}
	payment, err := mapPayment(model)
	if err != nil {
		return marketplace.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
	}
	return payment, nil
}

func (store *Store) CreatePayment(ctx context.Context, payment marketplace.Payment) (marketplace.Payment, error) {
	model := paymentModel(payment)
	model.PaymentID = 0
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return marketplace.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeDuplicate, marketplace.ErrPaymentExists)
	}
	if err != nil {
		return marketplace.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeCreate, err)
	}
	created, err := mapPayment(model)
	if err != nil {
		return marketplace.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
	}
	return created, nil
}

func (store *Store) UpdatePayment(ctx context.Context, previous marketplace.Payment, next marketplace.Payment) error {
	model := paymentModel(next)
	result := store.db.WithContext(ctx).
		Model(&Payment{}).
		Where("booking_id = ? AND status = ? AND attempt_id = ?", previous.BookingID.Int64(), string(previous.Status), previous.AttemptID).
		Updates(map[string]interface{}{
			"amount_cents":         model.AmountCents,
			"currency":             model.Currency,
			"status":               model.Status,
			"merchant_request_id":  model.MerchantRequestID,
			"checkout_request_id":  model.CheckoutRequestID,
			"transaction_id":       model.TransactionID,
			"initiation_payload":   model.InitiationPayload,
			"confirmation_payload": model.ConfirmationPayload,
			"attempt_id":           model.AttemptID,
			"attempts":             model.Attempts,
			"reserved_at":          model.ReservedAt,
			"updated_at":           model.UpdatedAt,
		})
	if isUniqueViolation(result.Error) {
		return wrapStoreError(errorSubjectPayment, errorCodeDuplicate, marketplace.ErrDuplicateTransactionID)
	}
	if result.Error != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPayment, errorCodeUpdate, marketplace.ErrPaymentConflict)
	}
	return nil
}

func (store *Store) ListPendingPayments(ctx context.Context, reservedBefore time.Time, limit int) ([]marketplace.Payment, error) {
	query := store.db.WithContext(ctx).
		Where("status = ? AND reserved_at < ?", string(marketplace.PaymentStatusPending), reservedBefore.UTC()).
		Order("payment_id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []Payment
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectPayment, errorCodeList, err)
	}
	payments := make([]marketplace.Payment, 0, len(rows))
	for _, row := range rows {
		payment, err := mapPayment(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
		}
		payments = append(payments, payment)
	}
	return payments, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return marketplace.WrapError(errorOperationStore, subject, code, err)
}

func wrapLookupError(subject string, code string, err error, notFound error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return wrapStoreError(subject, code, notFound)
	}
	return wrapStoreError(subject, code, err)
}

func mapUser(row User) (marketplace.User, error) {
	userID, err := marketplace.NewUserID(row.UserID)
	if err != nil {
		return marketplace.User{}, err
	}
	role, err := marketplace.ParseRole(row.Role)
	if err != nil {
		return marketplace.User{}, err
	}
	user := marketplace.User{
		ID:                 userID,
		FullName:           row.FullName,
		Role:               role,
		Active:             row.Active,
		VerifiedFreelancer: row.VerifiedFreelancer,
	}
	if row.PhoneNumber != nil && *row.PhoneNumber != "" {
		phone, err := marketplace.NormalizePhone(*row.PhoneNumber)
		if err != nil {
			return marketplace.User{}, err
		}
		user.Phone = phone
	}
	return user, nil
}

func mapService(row Service) (marketplace.Service, error) {
	serviceID, err := marketplace.NewServiceID(row.ServiceID)
	if err != nil {
		return marketplace.Service{}, err
	}
	freelancerID, err := marketplace.NewUserID(row.FreelancerID)
	if err != nil {
		return marketplace.Service{}, err
	}
	return marketplace.Service{
		ID:           serviceID,
		FreelancerID: freelancerID,
		Name:         row.Name,
		PriceCents:   marketplace.AmountCents(row.PriceCents),
		Active:       row.Active,
	}, nil
}

func mapBooking(row Booking) (marketplace.Booking, error) {
	bookingID, err := marketplace.NewBookingID(row.BookingID)
	if err != nil {
		return marketplace.Booking{}, err
	}
	clientID, err := marketplace.NewUserID(row.ClientID)
	if err != nil {
		return marketplace.Booking{}, err
	}
	freelancerID, err := marketplace.NewUserID(row.FreelancerID)
	if err != nil {
		return marketplace.Booking{}, err
	}
	status, err := marketplace.ParseBookingStatus(row.Status)
	if err != nil {
		return marketplace.Booking{}, err
	}
	var serviceID marketplace.ServiceID
	if row.ServiceID != nil {
		serviceID, err = marketplace.NewServiceID(*row.ServiceID)
		if err != nil {
			return marketplace.Booking{}, err
		}
	}
	return marketplace.Booking{
		ID:              bookingID,
		ClientID:        clientID,
		FreelancerID:    freelancerID,
		ServiceID:       serviceID,
		CustomDetails:   row.CustomDetails,
		BookingTime:     row.BookingTime.UTC(),
		Status:          status,
		Location:        row.Location,
		ClientNotes:     row.ClientNotes,
		FreelancerNotes: row.FreelancerNotes,
		CreatedAt:       row.CreatedAt.UTC(),
		UpdatedAt:       row.UpdatedAt.UTC(),
	}, nil
}

func paymentModel(payment marketplace.Payment) Payment {
	return Payment{
		PaymentID:           payment.ID,
		BookingID:           payment.BookingID.Int64(),
		AmountCents:         payment.AmountCents.Int64(),
		Currency:            payment.Currency,
		Status:              string(payment.Status),
		MerchantRequestID:   nullableString(payment.MerchantRequestID),
		CheckoutRequestID:   nullableString(payment.CheckoutRequestID),
		TransactionID:       nullableString(payment.TransactionID),
		InitiationPayload:   payloadJSON(payment.InitiationPayload),
		ConfirmationPayload: payloadJSON(payment.ConfirmationPayload),
		AttemptID:           payment.AttemptID,
		Attempts:            payment.Attempts,
		ReservedAt:          payment.ReservedAt.UTC(),
		CreatedAt:           payment.CreatedAt.UTC(),
		UpdatedAt:           payment.UpdatedAt.UTC(),
	}
}

func mapPayment(row Payment) (marketplace.Payment, error) {
	bookingID, err := marketplace.NewBookingID(row.BookingID)
	if err != nil {
		return marketplace.Payment{}, err
	}
	status, err := marketplace.ParsePaymentStatus(row.Status)
	if err != nil {
		return marketplace.Payment{}, err
	}
	amount, err := marketplace.NewAmountCents(row.AmountCents)
	if err != nil {
		return marketplace.Payment{}, err
	}
	return marketplace.Payment{
		ID:                  row.PaymentID,
		BookingID:           bookingID,
		AmountCents:         amount,
		Currency:            row.Currency,
		Status:              status,
		MerchantRequestID:   stringOrEmpty(row.MerchantRequestID),
		CheckoutRequestID:   stringOrEmpty(row.CheckoutRequestID),
		TransactionID:       stringOrEmpty(row.TransactionID),
		InitiationPayload:   string(row.InitiationPayload),
		ConfirmationPayload: string(row.ConfirmationPayload),
		AttemptID:           row.AttemptID,
		Attempts:            row.Attempts,
		ReservedAt:          row.ReservedAt.UTC(),
		CreatedAt:           row.CreatedAt.UTC(),
		UpdatedAt:           row.UpdatedAt.UTC(),
	}, nil
}

// payloadJSON stores gateway bodies verbatim. Bodies that are not JSON are
// kept as a JSON string so the column type holds.
func payloadJSON(raw string) datatypes.JSON {
	if raw == "" {
		return nil
	}
	if json.Valid([]byte(raw)) {
		return datatypes.JSON([]byte(raw))
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	return datatypes.JSON(encoded)
}

func nullableString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func isSQLiteUniqueCode(code int) bool {
	return code == sqliteConstraintUnique || code == sqliteConstraintPrimaryKey
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return isSQLiteUniqueCode(sqliteErr.Code())
	}
	return false
}
