package marketplace

import "context"

// OperationLogger records domain-level events emitted by ledger and reconciler operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a booking or payment operation.
type OperationLog struct {
	Operation         string
	Actor             Actor
	BookingID         BookingID
	PaymentID         int64
	PreviousStatus    string
	NextStatus        string
	MerchantRequestID string
	CheckoutRequestID string
	Outcome           string
	Status            string
	Error             error
}

const operationStatusWarning = "warning"

func emitOperation(ctx context.Context, logger OperationLogger, entry OperationLog) {
	if logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	logger.LogOperation(ctx, entry)
}
