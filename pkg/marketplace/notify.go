package marketplace

import "context"

// Recipient addresses an outbound user message.
type Recipient struct {
	UserID UserID
	Phone  CanonicalPhone
}

// NotificationSink delivers user-facing messages. Delivery is best-effort:
// returned errors are logged and never affect payment or booking state.
type NotificationSink interface {
	Notify(ctx context.Context, recipient Recipient, message string) error
}

// BookingPaymentPolicy decides whether a payment result moves the booking.
// Only moves among confirmed, payment_pending and payment_failed are honored.
type BookingPaymentPolicy interface {
	NextBookingStatus(booking Booking, payment Payment) (BookingStatus, bool)
}

// IndependentLifecycles keeps booking status untouched by payments.
type IndependentLifecycles struct{}

// NextBookingStatus never requests a change.
func (IndependentLifecycles) NextBookingStatus(Booking, Payment) (BookingStatus, bool) {
	return "", false
}

// MirrorPaymentStatus tracks the payment phase on the booking: an accepted
// push marks it payment_pending, a failure payment_failed, and a success
// returns it to confirmed so it can be completed.
type MirrorPaymentStatus struct{}

// NextBookingStatus maps the payment status onto the booking.
func (MirrorPaymentStatus) NextBookingStatus(booking Booking, payment Payment) (BookingStatus, bool) {
	switch payment.Status {
	case PaymentStatusPending:
		if !payment.HasCorrelation() {
			return "", false
		}
		return BookingStatusPaymentPending, true
	case PaymentStatusFailed:
		return BookingStatusPaymentFailed, true
	case PaymentStatusSuccessful:
		return BookingStatusConfirmed, true
	default:
		return "", false
	}
}

func couplingAllowed(from BookingStatus, to BookingStatus) bool {
	if from == to {
		return false
	}
	return isPaymentPhase(from) && isPaymentPhase(to)
}

func isPaymentPhase(status BookingStatus) bool {
	switch status {
	case BookingStatusConfirmed, BookingStatusPaymentPending, BookingStatusPaymentFailed:
		return true
	default:
		return false
	}
}
