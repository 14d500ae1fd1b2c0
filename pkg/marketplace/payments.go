package marketplace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PaymentOutcome reports how RequestPayment ended.
type PaymentOutcome string

const (
	OutcomePushSent         PaymentOutcome = "push_sent"
	OutcomeAlreadyPaid      PaymentOutcome = "already_paid"
	OutcomeAlreadyInFlight  PaymentOutcome = "already_in_flight"
	OutcomeInitiationFailed PaymentOutcome = "initiation_failed"
)

// CallbackOutcome reports how a gateway result was applied.
type CallbackOutcome string

const (
	OutcomeApplied   CallbackOutcome = "applied"
	OutcomeDuplicate CallbackOutcome = "duplicate"
)

// PaymentResult is returned by RequestPayment.
type PaymentResult struct {
	Outcome        PaymentOutcome
	Payment        Payment
	GatewayMessage string
}

// CallbackResult is returned by ApplyCallback.
type CallbackResult struct {
	Outcome        CallbackOutcome
	Payment        Payment
	ReceiptMissing bool
}

// StaleReport summarizes one ReconcileStale pass.
type StaleReport struct {
	Checked      int
	Applied      int
	StillPending int
	Stuck        int
	Failed       int
}

// ReconcilerConfig holds the payment protocol settings.
type ReconcilerConfig struct {
	// CallbackURL is the absolute URL the gateway posts results to.
	CallbackURL string
	// DefaultPriceCents prices bookings without a priced service.
	DefaultPriceCents AmountCents
	// StaleAfter is how long a reservation without correlation ids blocks
	// new attempts. It must exceed the gateway's token plus push timeouts.
	StaleAfter time.Duration
	// QueryAfter is the age after which ReconcileStale asks the gateway
	// about a pending push.
	QueryAfter time.Duration
}

// ReconcilerOption configures a PaymentReconciler.
type ReconcilerOption func(*PaymentReconciler)

// WithReconcilerLogger wires a logger that receives every payment operation.
func WithReconcilerLogger(logger OperationLogger) ReconcilerOption {
	return func(reconciler *PaymentReconciler) {
		reconciler.logger = logger
	}
}

// WithNotificationSink wires the sink used for payment result messages.
func WithNotificationSink(sink NotificationSink) ReconcilerOption {
	return func(reconciler *PaymentReconciler) {
		reconciler.sink = sink
	}
}

// WithBookingPaymentPolicy replaces the default IndependentLifecycles policy.
func WithBookingPaymentPolicy(policy BookingPaymentPolicy) ReconcilerOption {
	return func(reconciler *PaymentReconciler) {
		if policy != nil {
			reconciler.policy = policy
		}
	}
}

// WithAttemptIDGenerator overrides the uuid attempt id source.
func WithAttemptIDGenerator(generate func() string) ReconcilerOption {
	return func(reconciler *PaymentReconciler) {
		if generate != nil {
			reconciler.newAttemptID = generate
		}
	}
}

// PaymentReconciler owns Payment rows: it initiates pushes and applies results.
type PaymentReconciler struct {
	store        Store
	gateway      Gateway
	nowFn        func() time.Time
	config       ReconcilerConfig
	logger       OperationLogger
	sink         NotificationSink
	policy       BookingPaymentPolicy
	newAttemptID func() string
}

type paymentReservation struct {
	outcome  PaymentOutcome
	previous PaymentStatus
	payment  Payment
	request  PushRequest
}

type appliedResult struct {
	result   CallbackResult
	previous PaymentStatus
}

// NewPaymentReconciler wires a PaymentReconciler.
func NewPaymentReconciler(store Store, gateway Gateway, now func() time.Time, config ReconcilerConfig, options ...ReconcilerOption) (*PaymentReconciler, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if gateway == nil {
		return nil, fmt.Errorf("%w: gateway dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if strings.TrimSpace(config.CallbackURL) == "" {
		return nil, fmt.Errorf("%w: callback url is required", ErrInvalidServiceConfig)
	}
	if config.DefaultPriceCents <= 0 {
		return nil, fmt.Errorf("%w: default price must be positive", ErrInvalidServiceConfig)
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = defaultStaleAfter
	}
	if config.QueryAfter <= 0 {
		config.QueryAfter = config.StaleAfter
	}
	reconciler := &PaymentReconciler{
		store:        store,
		gateway:      gateway,
		nowFn:        now,
		config:       config,
		policy:       IndependentLifecycles{},
		newAttemptID: uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(reconciler)
		}
	}
	return reconciler, nil
}

// GetPayment returns the booking's payment to either party or an admin.
func (reconciler *PaymentReconciler) GetPayment(ctx context.Context, actor Actor, bookingID BookingID) (Payment, error) {
	booking, err := reconciler.store.GetBooking(ctx, bookingID)
	if err != nil {
		return Payment{}, err
	}
	if err := authorizeView(actor, booking); err != nil {
		return Payment{}, err
	}
	return reconciler.store.GetPayment(ctx, bookingID)
}

// RequestPayment reserves a payment attempt, pushes it to the gateway outside
// any transaction, and records the correlation ids in a second transaction.
// At most one push per booking is outstanding at a time. Cancelling ctx after
// the reservation commits does not abandon the push.
func (reconciler *PaymentReconciler) RequestPayment(ctx context.Context, actor Actor, bookingID BookingID) (PaymentResult, error) {
	var reservation paymentReservation
	reserveErr := reconciler.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		reserved, err := reconciler.reserve(ctx, transactionStore, actor, bookingID)
		if err != nil {
			return err
		}
		reservation = reserved
		return nil
	})
	if reserveErr != nil || reservation.outcome != "" {
		reconciler.logRequest(ctx, actor, bookingID, reservation.previous, reservation.payment, reservation.outcome, reserveErr)
		if reserveErr != nil {
			return PaymentResult{}, reserveErr
		}
		return PaymentResult{Outcome: reservation.outcome, Payment: reservation.payment}, nil
	}

	// Once reserved, the push and the write of its ids outlive the caller. The
	// gateway bounds its own calls; the second transaction gets finalizeTimeout.
	detached := context.WithoutCancel(ctx)
	pushResult, pushErr := reconciler.gateway.InitiatePush(detached, reservation.request)
	if errors.Is(pushErr, ErrGatewayUnavailable) {
		reconciler.logRequest(ctx, actor, bookingID, reservation.previous, reservation.payment, "", pushErr)
		return PaymentResult{}, WrapError(operationRequestPayment, "gateway", "unavailable", pushErr)
	}

	finalizeCtx, cancel := context.WithTimeout(detached, finalizeTimeout)
	defer cancel()
	result, finalizeErr := reconciler.finalize(finalizeCtx, reservation, pushResult, pushErr)
	reconciler.logRequest(ctx, actor, bookingID, reservation.previous, result.Payment, result.Outcome, finalizeErr)
	if finalizeErr != nil {
		return PaymentResult{}, finalizeErr
	}
	return result, nil
}

// ApplyCallback applies an STK callback body. Duplicates are acknowledged
// without side effects; an unknown correlation returns ErrUnknownCorrelation
// so the caller can ask the gateway to retry.
func (reconciler *PaymentReconciler) ApplyCallback(ctx context.Context, raw []byte) (CallbackResult, error) {
	callback, err := ParseCallback(raw)
	if err != nil {
		emitOperation(ctx, reconciler.logger, OperationLog{Operation: operationApplyCallback, Error: err})
		return CallbackResult{}, err
	}
	return reconciler.applyResult(ctx, operationApplyCallback, callback)
}

// ReconcileStale asks the gateway about pushes that have been pending longer
// than QueryAfter and applies any final result. Reservations that never got
// correlation ids are counted as stuck; RequestPayment retries them.
func (reconciler *PaymentReconciler) ReconcileStale(ctx context.Context, limit int) (StaleReport, error) {
	cutoff := reconciler.nowFn().Add(-reconciler.config.QueryAfter)
	pending, err := reconciler.store.ListPendingPayments(ctx, cutoff, limit)
	if err != nil {
		return StaleReport{}, err
	}
	report := StaleReport{Checked: len(pending)}
	for _, payment := range pending {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if !payment.HasCorrelation() {
			report.Stuck++
			emitOperation(ctx, reconciler.logger, OperationLog{
				Operation:      operationReconcileStale,
				BookingID:      payment.BookingID,
				PaymentID:      payment.ID,
				PreviousStatus: string(payment.Status),
				Outcome:        "stuck_reservation",
				Status:         operationStatusWarning,
			})
			continue
		}
		queryResult, err := reconciler.gateway.QueryPush(ctx, payment.CheckoutRequestID)
		if err != nil {
			report.Failed++
			emitOperation(ctx, reconciler.logger, OperationLog{
				Operation:         operationReconcileStale,
				BookingID:         payment.BookingID,
				PaymentID:         payment.ID,
				MerchantRequestID: payment.MerchantRequestID,
				CheckoutRequestID: payment.CheckoutRequestID,
				Error:             err,
			})
			continue
		}
		if !queryResult.Final {
			report.StillPending++
			continue
		}
		_, err = reconciler.applyResult(ctx, operationReconcileStale, Callback{
			MerchantRequestID: payment.MerchantRequestID,
			CheckoutRequestID: payment.CheckoutRequestID,
			ResultCode:        queryResult.ResultCode,
			ResultDesc:        queryResult.ResultDesc,
			Raw:               queryResult.Payload,
		})
		if err != nil {
			report.Failed++
			continue
		}
		report.Applied++
	}
	return report, nil
}

func (reconciler *PaymentReconciler) reserve(ctx context.Context, transactionStore Store, actor Actor, bookingID BookingID) (paymentReservation, error) {
	booking, err := transactionStore.LockBooking(ctx, bookingID)
	if err != nil {
		return paymentReservation{}, err
	}
	if err := authorizeParty(actor, booking, RoleClient); err != nil {
		return paymentReservation{}, err
	}
	if !booking.Status.IsPayable() {
		return paymentReservation{}, fmt.Errorf("%w: booking %s is %s", ErrNotConfirmed, booking.ID, booking.Status)
	}
	existing, err := transactionStore.LockPayment(ctx, bookingID)
	found := err == nil
	if err != nil && !errors.Is(err, ErrPaymentNotFound) {
		return paymentReservation{}, err
	}
	now := reconciler.nowFn().UTC()
	if found {
		switch existing.Status {
		case PaymentStatusSuccessful:
			return paymentReservation{outcome: OutcomeAlreadyPaid, previous: existing.Status, payment: existing}, nil
		case PaymentStatusRefunded:
			return paymentReservation{}, fmt.Errorf("%w: booking %s was refunded", ErrPaymentClosed, booking.ID)
		case PaymentStatusPending:
			if existing.HasCorrelation() || now.Sub(existing.ReservedAt) < reconciler.config.StaleAfter {
				return paymentReservation{outcome: OutcomeAlreadyInFlight, previous: existing.Status, payment: existing}, nil
			}
		}
	}

	client, err := transactionStore.GetUser(ctx, booking.ClientID)
	if err != nil {
		return paymentReservation{}, err
	}
	if client.Phone.IsZero() {
		return paymentReservation{}, fmt.Errorf("%w: client %s has no phone on file", ErrInvalidPhone, client.ID)
	}
	amount, serviceName, err := reconciler.resolveAmount(ctx, transactionStore, booking)
	if err != nil {
		return paymentReservation{}, err
	}

	next := Payment{
		BookingID:   bookingID,
		AmountCents: amount,
		Currency:    CurrencyKES,
		Status:      PaymentStatusPending,
		AttemptID:   reconciler.newAttemptID(),
		Attempts:    existing.Attempts + 1,
		ReservedAt:  now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if found {
		next.ID = existing.ID
		next.CreatedAt = existing.CreatedAt
		if err := transactionStore.UpdatePayment(ctx, existing, next); err != nil {
			return paymentReservation{}, err
		}
	} else {
		created, err := transactionStore.CreatePayment(ctx, next)
		if err != nil {
			return paymentReservation{}, err
		}
		next = created
	}
	return paymentReservation{
		previous: existing.Status,
		payment:  next,
		request: PushRequest{
			AmountUnits:      amount.WholeUnits(),
			Phone:            client.Phone,
			AccountReference: accountReferencePrefix + booking.ID.String(),
			Description:      fmt.Sprintf("Payment for Booking #%s Service: %s", booking.ID, serviceName),
			CallbackURL:      reconciler.config.CallbackURL,
		},
	}, nil
}

// resolveAmount prices the booking in whole currency units, at least one.
func (reconciler *PaymentReconciler) resolveAmount(ctx context.Context, transactionStore Store, booking Booking) (AmountCents, string, error) {
	price := reconciler.config.DefaultPriceCents
	serviceName := customServiceName
	if !booking.ServiceID.IsZero() {
		service, err := transactionStore.GetService(ctx, booking.ServiceID)
		switch {
		case err == nil:
			if strings.TrimSpace(service.Name) != "" {
				serviceName = service.Name
			}
			if service.PriceCents > 0 {
				price = service.PriceCents
			}
		case errors.Is(err, ErrServiceNotFound):
		default:
			return 0, "", err
		}
	}
	units := price.WholeUnits()
	if units < 1 {
		units = 1
	}
	amount, err := NewAmountCents(units * centsPerUnit)
	if err != nil {
		return 0, "", err
	}
	return amount, serviceName, nil
}

func (reconciler *PaymentReconciler) finalize(ctx context.Context, reservation paymentReservation, pushResult PushResult, pushErr error) (PaymentResult, error) {
	result := PaymentResult{Payment: reservation.payment}
	finalizeErr := reconciler.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		booking, err := transactionStore.LockBooking(ctx, reservation.payment.BookingID)
		if err != nil {
			return err
		}
		current, err := transactionStore.LockPayment(ctx, reservation.payment.BookingID)
		if err != nil {
			return err
		}
		if current.AttemptID != reservation.payment.AttemptID || current.Status != PaymentStatusPending {
			result.Outcome = OutcomeAlreadyInFlight
			result.Payment = current
			return nil
		}
		next := current
		next.UpdatedAt = reconciler.nowFn().UTC()
		next.InitiationPayload = pushResult.RequestPayload
		if pushErr == nil {
			next.MerchantRequestID = pushResult.MerchantRequestID
			next.CheckoutRequestID = pushResult.CheckoutRequestID
			result.Outcome = OutcomePushSent
			result.GatewayMessage = firstNonEmpty(pushResult.CustomerMessage, pushResult.ResponseDescription)
		} else {
			next.Status = PaymentStatusFailed
			next.MerchantRequestID = ""
			next.CheckoutRequestID = ""
			next.ConfirmationPayload = pushResult.ResponsePayload
			result.Outcome = OutcomeInitiationFailed
			result.GatewayMessage = firstNonEmpty(pushResult.ResponseDescription, pushErr.Error())
		}
		if err := transactionStore.UpdatePayment(ctx, current, next); err != nil {
			return err
		}
		result.Payment = next
		return reconciler.applyPolicy(ctx, transactionStore, booking, next)
	})
	if finalizeErr != nil {
		return PaymentResult{Payment: reservation.payment}, finalizeErr
	}
	return result, nil
}

func (reconciler *PaymentReconciler) applyResult(ctx context.Context, operation string, callback Callback) (CallbackResult, error) {
	var (
		applied appliedResult
		err     error
	)
	for attempt := 0; attempt < defaultConflictAttempts; attempt++ {
		applied, err = reconciler.applyOnce(ctx, callback)
		if !errors.Is(err, ErrPaymentConflict) {
			break
		}
	}
	entry := OperationLog{
		Operation:         operation,
		BookingID:         applied.result.Payment.BookingID,
		PaymentID:         applied.result.Payment.ID,
		PreviousStatus:    string(applied.previous),
		NextStatus:        string(applied.result.Payment.Status),
		MerchantRequestID: callback.MerchantRequestID,
		CheckoutRequestID: callback.CheckoutRequestID,
		Outcome:           string(applied.result.Outcome),
		Error:             err,
	}
	if err == nil && applied.result.ReceiptMissing {
		entry.Status = operationStatusWarning
		entry.Error = ErrMissingReceiptNumber
	}
	emitOperation(ctx, reconciler.logger, entry)
	if err != nil {
		return CallbackResult{}, err
	}
	if applied.result.Outcome == OutcomeApplied {
		reconciler.notifyResult(ctx, applied.result.Payment, callback)
	}
	return applied.result, nil
}

func (reconciler *PaymentReconciler) applyOnce(ctx context.Context, callback Callback) (appliedResult, error) {
	var applied appliedResult
	err := reconciler.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		located, err := transactionStore.FindPaymentByCorrelation(ctx, callback.MerchantRequestID, callback.CheckoutRequestID)
		if errors.Is(err, ErrPaymentNotFound) {
			return fmt.Errorf("%w: %s/%s", ErrUnknownCorrelation, callback.MerchantRequestID, callback.CheckoutRequestID)
		}
		if err != nil {
			return err
		}
		booking, err := transactionStore.LockBooking(ctx, located.BookingID)
		if err != nil {
			return err
		}
		current, err := transactionStore.LockPayment(ctx, located.BookingID)
		if err != nil {
			return err
		}
		if current.MerchantRequestID != callback.MerchantRequestID || current.CheckoutRequestID != callback.CheckoutRequestID {
			return fmt.Errorf("%w: %s/%s was superseded", ErrUnknownCorrelation, callback.MerchantRequestID, callback.CheckoutRequestID)
		}
		applied.previous = current.Status
		applied.result = CallbackResult{Outcome: OutcomeDuplicate, Payment: current}

		switch current.Status {
		case PaymentStatusSuccessful:
			if !callback.Succeeded() || current.TransactionID != "" || callback.ReceiptNumber == "" {
				return nil
			}
			next := current
			next.TransactionID = callback.ReceiptNumber
			next.UpdatedAt = reconciler.nowFn().UTC()
			if err := transactionStore.UpdatePayment(ctx, current, next); err != nil {
				return err
			}
			applied.result.Payment = next
			return nil
		case PaymentStatusRefunded:
			return nil
		case PaymentStatusFailed:
			if !callback.Succeeded() {
				return nil
			}
		}

		next := current
		next.ConfirmationPayload = callback.Raw
		next.UpdatedAt = reconciler.nowFn().UTC()
		if callback.Succeeded() {
			next.Status = PaymentStatusSuccessful
			next.TransactionID = callback.ReceiptNumber
			applied.result.ReceiptMissing = callback.ReceiptNumber == ""
		} else {
			next.Status = PaymentStatusFailed
			next.TransactionID = ""
		}
		if err := transactionStore.UpdatePayment(ctx, current, next); err != nil {
			return err
		}
		applied.result.Outcome = OutcomeApplied
		applied.result.Payment = next
		return reconciler.applyPolicy(ctx, transactionStore, booking, next)
	})
	return applied, err
}

func (reconciler *PaymentReconciler) applyPolicy(ctx context.Context, transactionStore Store, booking Booking, payment Payment) error {
	target, change := reconciler.policy.NextBookingStatus(booking, payment)
	if !change || !couplingAllowed(booking.Status, target) {
		return nil
	}
	if err := transactionStore.UpdateBookingStatus(ctx, BookingStatusUpdate{
		BookingID: booking.ID,
		From:      booking.Status,
		To:        target,
		UpdatedAt: reconciler.nowFn().UTC(),
	}); err != nil {
		return err
	}
	emitOperation(ctx, reconciler.logger, OperationLog{
		Operation:      operationPolicyTransfer,
		BookingID:      booking.ID,
		PaymentID:      payment.ID,
		PreviousStatus: string(booking.Status),
		NextStatus:     string(target),
	})
	return nil
}

// notifyResult runs after commit; failures are logged and otherwise ignored.
func (reconciler *PaymentReconciler) notifyResult(ctx context.Context, payment Payment, callback Callback) {
	if reconciler.sink == nil {
		return
	}
	booking, err := reconciler.store.GetBooking(ctx, payment.BookingID)
	if err != nil {
		reconciler.logNotifyFailure(ctx, payment, err)
		return
	}
	units := payment.AmountCents.WholeUnits()
	if payment.Status == PaymentStatusSuccessful {
		receipt := firstNonEmpty(payment.TransactionID, "pending")
		reconciler.deliver(ctx, payment, booking.ClientID, fmt.Sprintf("Payment of %s %d for booking #%s received. M-Pesa receipt: %s.", payment.Currency, units, booking.ID, receipt))
		reconciler.deliver(ctx, payment, booking.FreelancerID, fmt.Sprintf("Booking #%s has been paid (%s %d).", booking.ID, payment.Currency, units))
		return
	}
	reason := firstNonEmpty(callback.ResultDesc, "declined")
	reconciler.deliver(ctx, payment, booking.ClientID, fmt.Sprintf("Payment for booking #%s failed: %s. You can retry the payment from your bookings.", booking.ID, reason))
}

func (reconciler *PaymentReconciler) deliver(ctx context.Context, payment Payment, userID UserID, message string) {
	user, err := reconciler.store.GetUser(ctx, userID)
	if err != nil {
		reconciler.logNotifyFailure(ctx, payment, err)
		return
	}
	if err := reconciler.sink.Notify(ctx, Recipient{UserID: user.ID, Phone: user.Phone}, message); err != nil {
		reconciler.logNotifyFailure(ctx, payment, err)
	}
}

func (reconciler *PaymentReconciler) logNotifyFailure(ctx context.Context, payment Payment, err error) {
	emitOperation(ctx, reconciler.logger, OperationLog{
		Operation: operationNotify,
		BookingID: payment.BookingID,
		PaymentID: payment.ID,
		Status:    operationStatusWarning,
		Error:     err,
	})
}

func (reconciler *PaymentReconciler) logRequest(ctx context.Context, actor Actor, bookingID BookingID, previous PaymentStatus, payment Payment, outcome PaymentOutcome, err error) {
	emitOperation(ctx, reconciler.logger, OperationLog{
		Operation:         operationRequestPayment,
		Actor:             actor,
		BookingID:         bookingID,
		PaymentID:         payment.ID,
		PreviousStatus:    string(previous),
		NextStatus:        string(payment.Status),
		MerchantRequestID: payment.MerchantRequestID,
		CheckoutRequestID: payment.CheckoutRequestID,
		Outcome:           string(outcome),
		Error:             err,
	})
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
