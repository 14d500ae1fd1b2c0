package marketplace

import (
	"errors"
	"fmt"
)

// Error categories. Every specific error below wraps exactly one of them so
// callers can branch with errors.Is on the category alone.
var (
	ErrValidation         = errors.New("validation failed")
	ErrStateConflict      = errors.New("state conflict")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrGatewayRejected    = errors.New("payment gateway rejected request")
	ErrMalformedCallback  = errors.New("malformed callback")
	ErrUnknownCorrelation = errors.New("unknown callback correlation")
)

// Domain-level error values returned by the ledger and the reconciler.
var (
	ErrInvalidPhone              = fmt.Errorf("%w: invalid phone number", ErrValidation)
	ErrInvalidUserID             = fmt.Errorf("%w: invalid user id", ErrValidation)
	ErrInvalidBookingID          = fmt.Errorf("%w: invalid booking id", ErrValidation)
	ErrInvalidServiceID          = fmt.Errorf("%w: invalid service id", ErrValidation)
	ErrInvalidRole               = fmt.Errorf("%w: invalid role", ErrValidation)
	ErrInvalidBookingStatus      = fmt.Errorf("%w: invalid booking status", ErrValidation)
	ErrInvalidPaymentStatus      = fmt.Errorf("%w: invalid payment status", ErrValidation)
	ErrInvalidAmount             = fmt.Errorf("%w: invalid amount", ErrValidation)
	ErrInvalidBookingTime        = fmt.Errorf("%w: invalid booking time", ErrValidation)
	ErrBookingTimeNotFuture      = fmt.Errorf("%w: booking time must be in the future", ErrValidation)
	ErrMissingLocation           = fmt.Errorf("%w: location is required", ErrValidation)
	ErrMissingServiceDetails     = fmt.Errorf("%w: a service or a description is required", ErrValidation)
	ErrUnknownFreelancer         = fmt.Errorf("%w: unknown freelancer", ErrValidation)
	ErrUnknownService            = fmt.Errorf("%w: unknown service", ErrValidation)
	ErrInvalidServiceConfig      = errors.New("invalid service config")
	ErrMisconfiguredCredentials  = errors.New("payment gateway credentials are not configured")
	ErrInvalidTransition         = fmt.Errorf("%w: invalid booking transition", ErrStateConflict)
	ErrNotConfirmed              = fmt.Errorf("%w: booking is not confirmed", ErrStateConflict)
	ErrPaymentClosed             = fmt.Errorf("%w: payment is closed", ErrStateConflict)
	ErrPaymentConflict           = fmt.Errorf("%w: payment changed concurrently", ErrStateConflict)
	ErrPaymentExists             = fmt.Errorf("%w: payment already exists for booking", ErrStateConflict)
	ErrDuplicateTransactionID    = fmt.Errorf("%w: transaction id already recorded", ErrStateConflict)
	ErrInactiveUser              = fmt.Errorf("%w: user is inactive", ErrForbidden)
	ErrBookingNotFound           = fmt.Errorf("%w: booking", ErrNotFound)
	ErrPaymentNotFound           = fmt.Errorf("%w: payment", ErrNotFound)
	ErrUserNotFound              = fmt.Errorf("%w: user", ErrNotFound)
	ErrServiceNotFound           = fmt.Errorf("%w: service", ErrNotFound)
	ErrMissingReceiptNumber      = errors.New("successful callback without receipt number")
	ErrGatewayResponseIncomplete = fmt.Errorf("%w: response missing correlation ids", ErrGatewayUnavailable)
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
