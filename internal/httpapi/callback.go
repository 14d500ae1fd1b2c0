package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/MarkoPoloResearchLab/fundis/pkg/marketplace"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	maxCallbackBytes = 64 << 10

	ackAccepted = 0
	ackRejected = 1
)

// callbackAck is the acknowledgment body the gateway expects.
type callbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// handleCallback always answers 200 except when the correlation is unknown,
// which is the one case where a gateway retry is wanted, or when the result
// could not be persisted.
func (handler *Handler) handleCallback(ctx *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxCallbackBytes))
	if err != nil {
		handler.logger.Warn("callback body unreadable", zap.Error(err))
		ctx.JSON(http.StatusOK, callbackAck{ResultCode: ackRejected, ResultDesc: "Rejected"})
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	result, err := handler.payments.ApplyCallback(requestCtx, raw)
	switch {
	case err == nil:
		fields := []zap.Field{
			zap.String("outcome", string(result.Outcome)),
			zap.Int64("booking_id", result.Payment.BookingID.Int64()),
			zap.String("status", string(result.Payment.Status)),
		}
		if result.ReceiptMissing {
			handler.logger.Warn("successful callback without receipt", fields...)
		} else {
			handler.logger.Info("callback processed", fields...)
		}
		ctx.JSON(http.StatusOK, callbackAck{ResultCode: ackAccepted, ResultDesc: "Accepted"})
	case errors.Is(err, marketplace.ErrMalformedCallback):
		handler.logger.Warn("malformed callback", zap.Error(err), zap.Int("bytes", len(raw)))
		ctx.JSON(http.StatusOK, callbackAck{ResultCode: ackRejected, ResultDesc: "Rejected"})
	case errors.Is(err, marketplace.ErrUnknownCorrelation):
		handler.logger.Warn("callback for unknown request", zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, callbackAck{ResultCode: ackRejected, ResultDesc: "Unknown request, retry later"})
	default:
		handler.logger.Error("callback processing failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, callbackAck{ResultCode: ackRejected, ResultDesc: "Temporary failure, retry later"})
	}
}
