package marketplace

import (
	"context"
	"time"
)

// BookingStatusUpdate is a conditional status change: it applies only while
// the stored status still equals From.
type BookingStatusUpdate struct {
	BookingID       BookingID
	From            BookingStatus
	To              BookingStatus
	FreelancerNotes *string
	UpdatedAt       time.Time
}

// Store is the persistence contract used by BookingLedger and PaymentReconciler.
//
// Lock* methods take a row lock that is held until the surrounding WithTx
// returns. Implementations without row locks must still honor the conditional
// writes (UpdateBookingStatus, UpdatePayment) so concurrent writers are detected.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	GetUser(ctx context.Context, userID UserID) (User, error)
	GetService(ctx context.Context, serviceID ServiceID) (Service, error)

	CreateBooking(ctx context.Context, booking Booking) (Booking, error)
	GetBooking(ctx context.Context, bookingID BookingID) (Booking, error)
	LockBooking(ctx context.Context, bookingID BookingID) (Booking, error)
	ListBookings(ctx context.Context, filter BookingFilter) ([]Booking, error)
	UpdateBookingStatus(ctx context.Context, update BookingStatusUpdate) error

	GetPayment(ctx context.Context, bookingID BookingID) (Payment, error)
	LockPayment(ctx context.Context, bookingID BookingID) (Payment, error)
	FindPaymentByCorrelation(ctx context.Context, merchantRequestID string, checkoutRequestID string) (Payment, error)
	CreatePayment(ctx context.Context, payment Payment) (Payment, error)
	// UpdatePayment writes next only while the stored row still carries
	// previous.Status and previous.AttemptID; otherwise it returns ErrPaymentConflict.
	UpdatePayment(ctx context.Context, previous Payment, next Payment) error
	ListPendingPayments(ctx context.Context, reservedBefore time.Time, limit int) ([]Payment, error)
}
