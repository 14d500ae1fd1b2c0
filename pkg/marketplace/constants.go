package marketplace

import "time"

const (
	operationRequestBooking  = "request_booking"
	operationConfirmBooking  = "confirm_booking"
	operationRejectBooking   = "reject_booking"
	operationCancelBooking   = "cancel_booking"
	operationCompleteBooking = "complete_booking"
	operationRequestPayment  = "request_payment"
	operationApplyCallback   = "apply_callback"
	operationReconcileStale  = "reconcile_stale"
	operationPolicyTransfer  = "payment_policy"
	operationNotify          = "notify"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	centsPerUnit = 100

	// CurrencyKES is the only settlement currency.
	CurrencyKES = "KES"

	// BookingTimeLayout is the accepted wall-clock form, interpreted as UTC.
	BookingTimeLayout = "2006-01-02 15:04"

	// ResultCodeSuccess is the gateway's success result code.
	ResultCodeSuccess = "0"

	// ReceiptItemName names the callback metadata item carrying the receipt.
	ReceiptItemName = "MpesaReceiptNumber"

	accountReferencePrefix = "BOOK"
	customServiceName      = "Custom"

	noteConfirmedByFreelancer = "Booking confirmed by freelancer."
	noteRejectedByFreelancer  = "Booking rejected by freelancer."

	defaultStaleAfter       = 60 * time.Second
	defaultConflictAttempts = 3
	finalizeTimeout         = 10 * time.Second
)
