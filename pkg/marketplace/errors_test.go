package marketplace

import (
	"errors"
	"testing"
)

const (
	operationName    = "gormstore"
	subjectName      = "payment"
	codeName         = "update_failed"
	baseErrorMessage = "base error"
)

func TestOperationErrorFormatting(test *testing.T) {
	test.Parallel()
	baseError := errors.New(baseErrorMessage)
	wrappedError := WrapError(operationName, subjectName, codeName, baseError)
	if wrappedError == nil {
		test.Fatalf("expected wrapped error")
	}
	expected := operationName + "." + subjectName + "." + codeName + ": " + baseErrorMessage
	if wrappedError.Error() != expected {
		test.Fatalf("expected %q, got %q", expected, wrappedError.Error())
	}
	var operationError OperationError
	if !errors.As(wrappedError, &operationError) {
		test.Fatalf("expected OperationError")
	}
	if operationError.Code() != codeName || operationError.Subject() != subjectName || operationError.Operation() != operationName {
		test.Fatalf("unexpected segments %q.%q.%q", operationError.Operation(), operationError.Subject(), operationError.Code())
	}
}

func TestWrapErrorNil(test *testing.T) {
	test.Parallel()
	if WrapError(operationName, subjectName, codeName, nil) != nil {
		test.Fatalf("expected nil wrapped error")
	}
}

func TestSpecificErrorsMatchTheirCategory(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		err      error
		category error
	}{
		{name: "phone", err: ErrInvalidPhone, category: ErrValidation},
		{name: "past booking", err: ErrBookingTimeNotFuture, category: ErrValidation},
		{name: "transition", err: ErrInvalidTransition, category: ErrStateConflict},
		{name: "not confirmed", err: ErrNotConfirmed, category: ErrStateConflict},
		{name: "inactive user", err: ErrInactiveUser, category: ErrForbidden},
		{name: "missing booking", err: ErrBookingNotFound, category: ErrNotFound},
		{name: "incomplete response", err: ErrGatewayResponseIncomplete, category: ErrGatewayUnavailable},
		{name: "wrapped store error", err: WrapError("gormstore", "payment", "conflict", ErrPaymentConflict), category: ErrStateConflict},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if !errors.Is(testCase.err, testCase.category) {
				test.Fatalf("expected %v to match %v", testCase.err, testCase.category)
			}
		})
	}
}
