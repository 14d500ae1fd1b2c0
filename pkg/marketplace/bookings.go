package marketplace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// LedgerOption configures a BookingLedger.
type LedgerOption func(*BookingLedger)

// WithLedgerLogger wires a logger that receives every booking operation.
func WithLedgerLogger(logger OperationLogger) LedgerOption {
	return func(ledger *BookingLedger) {
		ledger.logger = logger
	}
}

// BookingLedger owns booking status transitions.
type BookingLedger struct {
	store  Store
	nowFn  func() time.Time
	logger OperationLogger
}

// BookingRequest carries a client's booking submission.
type BookingRequest struct {
	FreelancerID  UserID
	ServiceID     ServiceID
	CustomDetails string
	BookingTime   time.Time
	Location      string
	ClientNotes   string
}

type bookingTransition struct {
	operation string
	party     Role
	from      []BookingStatus
	to        BookingStatus
	note      string
}

func (transition bookingTransition) allows(status BookingStatus) bool {
	for _, candidate := range transition.from {
		if candidate == status {
			return true
		}
	}
	return false
}

var (
	confirmTransition = bookingTransition{
		operation: operationConfirmBooking,
		party:     RoleFreelancer,
		from:      []BookingStatus{BookingStatusPending},
		to:        BookingStatusConfirmed,
		note:      noteConfirmedByFreelancer,
	}
	rejectTransition = bookingTransition{
		operation: operationRejectBooking,
		party:     RoleFreelancer,
		from:      []BookingStatus{BookingStatusPending},
		to:        BookingStatusCancelledFreelancer,
		note:      noteRejectedByFreelancer,
	}
	cancelTransition = bookingTransition{
		operation: operationCancelBooking,
		party:     RoleClient,
		from:      []BookingStatus{BookingStatusPending, BookingStatusConfirmed},
		to:        BookingStatusCancelledClient,
	}
	completeTransition = bookingTransition{
		operation: operationCompleteBooking,
		party:     RoleFreelancer,
		from:      []BookingStatus{BookingStatusConfirmed},
		to:        BookingStatusCompleted,
	}
)

// NewBookingLedger wires a BookingLedger.
func NewBookingLedger(store Store, now func() time.Time, options ...LedgerOption) (*BookingLedger, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	ledger := &BookingLedger{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(ledger)
		}
	}
	return ledger, nil
}

// ParseBookingTime reads "YYYY-MM-DD HH:MM" as a UTC instant.
func ParseBookingTime(raw string) (time.Time, error) {
	parsed, err := time.ParseInLocation(BookingTimeLayout, strings.TrimSpace(raw), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: expected %s", ErrInvalidBookingTime, BookingTimeLayout)
	}
	return parsed, nil
}

// ResolveActor loads the directory entry behind an authenticated user id.
func (ledger *BookingLedger) ResolveActor(ctx context.Context, userID UserID) (Actor, error) {
	user, err := ledger.store.GetUser(ctx, userID)
	if err != nil {
		return Actor{}, err
	}
	if !user.Active {
		return Actor{}, ErrInactiveUser
	}
	return NewActor(user.ID, user.Role)
}

// RequestBooking creates a pending booking on behalf of a client.
func (ledger *BookingLedger) RequestBooking(ctx context.Context, actor Actor, request BookingRequest) (Booking, error) {
	var created Booking
	operationError := ledger.validateRequest(actor, request)
	if operationError == nil {
		operationError = ledger.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			if err := checkFreelancer(ctx, transactionStore, request.FreelancerID); err != nil {
				return err
			}
			if !request.ServiceID.IsZero() {
				if err := checkService(ctx, transactionStore, request.ServiceID, request.FreelancerID); err != nil {
					return err
				}
			}
			now := ledger.nowFn().UTC()
			booking, err := transactionStore.CreateBooking(ctx, Booking{
				ClientID:      actor.UserID,
				FreelancerID:  request.FreelancerID,
				ServiceID:     request.ServiceID,
				CustomDetails: strings.TrimSpace(request.CustomDetails),
				BookingTime:   request.BookingTime.UTC(),
				Status:        BookingStatusPending,
				Location:      strings.TrimSpace(request.Location),
				ClientNotes:   strings.TrimSpace(request.ClientNotes),
				CreatedAt:     now,
				UpdatedAt:     now,
			})
			if err != nil {
				return err
			}
			created = booking
			return nil
		})
	}
	emitOperation(ctx, ledger.logger, OperationLog{
		Operation:  operationRequestBooking,
		Actor:      actor,
		BookingID:  created.ID,
		NextStatus: string(created.Status),
		Error:      operationError,
	})
	return created, operationError
}

// ConfirmBooking moves a pending booking to confirmed. Only its freelancer may do so.
func (ledger *BookingLedger) ConfirmBooking(ctx context.Context, actor Actor, bookingID BookingID) (Booking, error) {
	return ledger.transition(ctx, actor, bookingID, confirmTransition, "")
}

// RejectBooking cancels a pending booking on the freelancer's side. An empty
// reason records the default note.
func (ledger *BookingLedger) RejectBooking(ctx context.Context, actor Actor, bookingID BookingID, reason string) (Booking, error) {
	return ledger.transition(ctx, actor, bookingID, rejectTransition, reason)
}

// CancelBooking cancels a pending or confirmed booking on the client's side.
func (ledger *BookingLedger) CancelBooking(ctx context.Context, actor Actor, bookingID BookingID) (Booking, error) {
	return ledger.transition(ctx, actor, bookingID, cancelTransition, "")
}

// CompleteBooking marks a confirmed booking as delivered.
func (ledger *BookingLedger) CompleteBooking(ctx context.Context, actor Actor, bookingID BookingID) (Booking, error) {
	return ledger.transition(ctx, actor, bookingID, completeTransition, "")
}

// GetBooking returns a booking visible to the actor.
func (ledger *BookingLedger) GetBooking(ctx context.Context, actor Actor, bookingID BookingID) (Booking, error) {
	booking, err := ledger.store.GetBooking(ctx, bookingID)
	if err != nil {
		return Booking{}, err
	}
	if err := authorizeView(actor, booking); err != nil {
		return Booking{}, err
	}
	return booking, nil
}

// ListBookings returns the actor's bookings, newest first. Admins see all.
func (ledger *BookingLedger) ListBookings(ctx context.Context, actor Actor, limit int) ([]Booking, error) {
	filter := BookingFilter{Limit: limit}
	switch actor.Role {
	case RoleClient:
		filter.ClientID = actor.UserID
	case RoleFreelancer:
		filter.FreelancerID = actor.UserID
	case RoleAdmin:
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrForbidden, actor.Role)
	}
	return ledger.store.ListBookings(ctx, filter)
}

func (ledger *BookingLedger) transition(ctx context.Context, actor Actor, bookingID BookingID, rule bookingTransition, reason string) (Booking, error) {
	var (
		updated  Booking
		previous BookingStatus
	)
	operationError := ledger.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		booking, err := transactionStore.LockBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		previous = booking.Status
		if err := authorizeParty(actor, booking, rule.party); err != nil {
			return err
		}
		if !rule.allows(booking.Status) {
			return fmt.Errorf("%w: cannot %s a %s booking", ErrInvalidTransition, rule.operation, booking.Status)
		}
		update := BookingStatusUpdate{
			BookingID: bookingID,
			From:      booking.Status,
			To:        rule.to,
			UpdatedAt: ledger.nowFn().UTC(),
		}
		note := strings.TrimSpace(reason)
		if note == "" {
			note = rule.note
		}
		if note != "" {
			update.FreelancerNotes = &note
			booking.FreelancerNotes = note
		}
		if err := transactionStore.UpdateBookingStatus(ctx, update); err != nil {
			return err
		}
		booking.Status = rule.to
		booking.UpdatedAt = update.UpdatedAt
		updated = booking
		return nil
	})
	emitOperation(ctx, ledger.logger, OperationLog{
		Operation:      rule.operation,
		Actor:          actor,
		BookingID:      bookingID,
		PreviousStatus: string(previous),
		NextStatus:     string(updated.Status),
		Error:          operationError,
	})
	return updated, operationError
}

func (ledger *BookingLedger) validateRequest(actor Actor, request BookingRequest) error {
	if actor.Role != RoleClient {
		return fmt.Errorf("%w: only clients can request bookings", ErrForbidden)
	}
	if request.FreelancerID.IsZero() {
		return ErrUnknownFreelancer
	}
	if request.FreelancerID == actor.UserID {
		return fmt.Errorf("%w: cannot book yourself", ErrUnknownFreelancer)
	}
	if request.BookingTime.IsZero() {
		return ErrInvalidBookingTime
	}
	if !request.BookingTime.After(ledger.nowFn()) {
		return ErrBookingTimeNotFuture
	}
	if strings.TrimSpace(request.Location) == "" {
		return ErrMissingLocation
	}
	if request.ServiceID.IsZero() && strings.TrimSpace(request.CustomDetails) == "" {
		return ErrMissingServiceDetails
	}
	return nil
}

func checkFreelancer(ctx context.Context, store Store, freelancerID UserID) error {
	freelancer, err := store.GetUser(ctx, freelancerID)
	if errors.Is(err, ErrUserNotFound) {
		return ErrUnknownFreelancer
	}
	if err != nil {
		return err
	}
	if freelancer.Role != RoleFreelancer || !freelancer.Active {
		return ErrUnknownFreelancer
	}
	return nil
}

func checkService(ctx context.Context, store Store, serviceID ServiceID, freelancerID UserID) error {
	service, err := store.GetService(ctx, serviceID)
	if errors.Is(err, ErrServiceNotFound) {
		return ErrUnknownService
	}
	if err != nil {
		return err
	}
	if service.FreelancerID != freelancerID || !service.Active {
		return ErrUnknownService
	}
	return nil
}
