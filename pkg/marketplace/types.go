package marketplace

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// AmountCents is an integer currency amount in cents.
type AmountCents int64

// UserID identifies a marketplace user.
type UserID struct {
	value string
}

// BookingID identifies a booking.
type BookingID struct {
	value int64
}

// ServiceID identifies a freelancer's catalog entry. The zero value means no service.
type ServiceID struct {
	value int64
}

// Role is the closed set of user roles.
type Role string

const (
	RoleClient     Role = "client"
	RoleFreelancer Role = "freelancer"
	RoleAdmin      Role = "admin"
)

// BookingStatus defines the booking lifecycle.
type BookingStatus string

const (
	BookingStatusPending             BookingStatus = "pending"
	BookingStatusConfirmed           BookingStatus = "confirmed"
	BookingStatusPaymentPending      BookingStatus = "payment_pending"
	BookingStatusPaymentFailed       BookingStatus = "payment_failed"
	BookingStatusCompleted           BookingStatus = "completed"
	BookingStatusCancelledClient     BookingStatus = "cancelled_client"
	BookingStatusCancelledFreelancer BookingStatus = "cancelled_freelancer"
	BookingStatusDisputed            BookingStatus = "disputed"
)

// PaymentStatus defines the payment lifecycle.
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusSuccessful PaymentStatus = "successful"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusRefunded   PaymentStatus = "refunded"
)

// Actor is the authenticated caller of a ledger or reconciler operation.
type Actor struct {
	UserID UserID
	Role   Role
}

// User is a directory entry. Registration happens outside this package.
type User struct {
	ID                 UserID
	Phone              CanonicalPhone
	FullName           string
	Role               Role
	Active             bool
	VerifiedFreelancer bool
}

// Service is a freelancer's catalog entry. PriceCents is zero when unpriced.
type Service struct {
	ID           ServiceID
	FreelancerID UserID
	Name         string
	PriceCents   AmountCents
	Active       bool
}

// Booking is a stored booking record.
type Booking struct {
	ID              BookingID
	ClientID        UserID
	FreelancerID    UserID
	ServiceID       ServiceID
	CustomDetails   string
	BookingTime     time.Time
	Status          BookingStatus
	Location        string
	ClientNotes     string
	FreelancerNotes string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Payment is the single payment record attached to a booking.
type Payment struct {
	ID                  int64
	BookingID           BookingID
	AmountCents         AmountCents
	Currency            string
	Status              PaymentStatus
	MerchantRequestID   string
	CheckoutRequestID   string
	TransactionID       string
	InitiationPayload   string
	ConfirmationPayload string
	AttemptID           string
	Attempts            int
	ReservedAt          time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// HasCorrelation reports whether the gateway accepted the current attempt.
func (payment Payment) HasCorrelation() bool {
	return payment.MerchantRequestID != "" && payment.CheckoutRequestID != ""
}

// BookingFilter narrows ListBookings. Empty ids match everything.
type BookingFilter struct {
	ClientID     UserID
	FreelancerID UserID
	Limit        int
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// NewBookingID validates a booking id.
func NewBookingID(raw int64) (BookingID, error) {
	if raw <= 0 {
		return BookingID{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidBookingID)
	}
	return BookingID{value: raw}, nil
}

// ParseBookingID parses a decimal booking id, e.g. from a URL path.
func ParseBookingID(raw string) (BookingID, error) {
	parsed, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return BookingID{}, fmt.Errorf("%w: %q", ErrInvalidBookingID, raw)
	}
	return NewBookingID(parsed)
}

// Int64 exposes the raw id.
func (id BookingID) Int64() int64 {
	return id.value
}

// String returns the decimal id.
func (id BookingID) String() string {
	return strconv.FormatInt(id.value, 10)
}

// NewServiceID validates a service id.
func NewServiceID(raw int64) (ServiceID, error) {
	if raw <= 0 {
		return ServiceID{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidServiceID)
	}
	return ServiceID{value: raw}, nil
}

// Int64 exposes the raw id.
func (id ServiceID) Int64() int64 {
	return id.value
}

// IsZero reports whether no service is referenced.
func (id ServiceID) IsZero() bool {
	return id.value == 0
}

// ParseRole validates a stored or submitted role.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	switch role {
	case RoleClient, RoleFreelancer, RoleAdmin:
		return role, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, raw)
	}
}

// ParseBookingStatus validates a stored booking status.
func ParseBookingStatus(raw string) (BookingStatus, error) {
	status := BookingStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case BookingStatusPending,
		BookingStatusConfirmed,
		BookingStatusPaymentPending,
		BookingStatusPaymentFailed,
		BookingStatusCompleted,
		BookingStatusCancelledClient,
		BookingStatusCancelledFreelancer,
		BookingStatusDisputed:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidBookingStatus, raw)
	}
}

// IsTerminal reports whether no further lifecycle transition is possible.
func (status BookingStatus) IsTerminal() bool {
	switch status {
	case BookingStatusCompleted, BookingStatusCancelledClient, BookingStatusCancelledFreelancer:
		return true
	default:
		return false
	}
}

// IsPayable reports whether a payment may be requested. The payment phase
// states are only reachable when a coupling policy is configured.
func (status BookingStatus) IsPayable() bool {
	switch status {
	case BookingStatusConfirmed, BookingStatusPaymentPending, BookingStatusPaymentFailed:
		return true
	default:
		return false
	}
}

// ParsePaymentStatus validates a stored payment status.
func ParsePaymentStatus(raw string) (PaymentStatus, error) {
	status := PaymentStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case PaymentStatusPending, PaymentStatusSuccessful, PaymentStatusFailed, PaymentStatusRefunded:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPaymentStatus, raw)
	}
}

// NewAmountCents validates an amount and ensures it is strictly positive.
func NewAmountCents(raw int64) (AmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return AmountCents(raw), nil
}

// Int64 exposes the raw cents value.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// WholeUnits truncates to whole currency units, the granularity the gateway accepts.
func (amount AmountCents) WholeUnits() int64 {
	return int64(amount) / centsPerUnit
}

// NewActor validates an actor.
func NewActor(userID UserID, role Role) (Actor, error) {
	if userID.IsZero() {
		return Actor{}, fmt.Errorf("%w: actor without user id", ErrInvalidUserID)
	}
	if _, err := ParseRole(string(role)); err != nil {
		return Actor{}, err
	}
	return Actor{UserID: userID, Role: role}, nil
}
