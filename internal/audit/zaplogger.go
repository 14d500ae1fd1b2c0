package audit

import (
	"context"

	"github.com/MarkoPoloResearchLab/fundis/pkg/marketplace"
	"go.uber.org/zap"
)

// ZapOperationLogger writes marketplace operation logs as structured zap entries.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wraps a zap logger. A nil logger discards entries.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger.Named("operations")}
}

// LogOperation emits one entry at a level matching its status.
func (operationLogger *ZapOperationLogger) LogOperation(ctx context.Context, entry marketplace.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if !entry.Actor.UserID.IsZero() {
		fields = append(fields, zap.String("actor_id", entry.Actor.UserID.String()), zap.String("actor_role", string(entry.Actor.Role)))
	}
	if entry.BookingID.Int64() != 0 {
		fields = append(fields, zap.Int64("booking_id", entry.BookingID.Int64()))
	}
	if entry.PaymentID != 0 {
		fields = append(fields, zap.Int64("payment_id", entry.PaymentID))
	}
	if entry.PreviousStatus != "" {
		fields = append(fields, zap.String("previous_status", entry.PreviousStatus))
	}
	if entry.NextStatus != "" {
		fields = append(fields, zap.String("next_status", entry.NextStatus))
	}
	if entry.MerchantRequestID != "" {
		fields = append(fields, zap.String("merchant_request_id", entry.MerchantRequestID))
	}
	if entry.CheckoutRequestID != "" {
		fields = append(fields, zap.String("checkout_request_id", entry.CheckoutRequestID))
	}
	if entry.Outcome != "" {
		fields = append(fields, zap.String("outcome", entry.Outcome))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
	}
	switch entry.Status {
	case "error":
		operationLogger.logger.Error("marketplace operation failed", fields...)
	case "warning":
		operationLogger.logger.Warn("marketplace operation needs attention", fields...)
	default:
		operationLogger.logger.Info("marketplace operation", fields...)
	}
}
