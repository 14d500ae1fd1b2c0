package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/fundis/pkg/marketplace"
	"github.com/gin-gonic/gin"
)

type paymentPayload struct {
	ID                int64     `json:"id"`
	BookingID         int64     `json:"booking_id"`
	AmountCents       int64     `json:"amount_cents"`
	Amount            int64     `json:"amount"`
	Currency          string    `json:"currency"`
	Status            string    `json:"status"`
	MerchantRequestID string    `json:"merchant_request_id,omitempty"`
	CheckoutRequestID string    `json:"checkout_request_id,omitempty"`
	TransactionID     string    `json:"transaction_id,omitempty"`
	Attempts          int       `json:"attempts"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (handler *Handler) handleRequestPayment(ctx *gin.Context) {
	bookingID, err := marketplace.ParseBookingID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, "request payment", err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	result, err := handler.payments.RequestPayment(requestCtx, mustActor(ctx), bookingID)
	if err != nil {
		handler.respondError(ctx, "request payment", err)
		return
	}
	ctx.JSON(statusForOutcome(result.Outcome), gin.H{
		"outcome": string(result.Outcome),
		"message": outcomeMessage(result),
		"payment": newPaymentPayload(result.Payment),
	})
}

func (handler *Handler) handleGetPayment(ctx *gin.Context) {
	bookingID, err := marketplace.ParseBookingID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, "get payment", err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	payment, err := handler.payments.GetPayment(requestCtx, mustActor(ctx), bookingID)
	if err != nil {
		handler.respondError(ctx, "get payment", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"payment": newPaymentPayload(payment)})
}

func statusForOutcome(outcome marketplace.PaymentOutcome) int {
	switch outcome {
	case marketplace.OutcomePushSent:
		return http.StatusAccepted
	case marketplace.OutcomeInitiationFailed:
		return http.StatusBadGateway
	default:
		return http.StatusOK
	}
}

func outcomeMessage(result marketplace.PaymentResult) string {
	switch result.Outcome {
	case marketplace.OutcomePushSent:
		return "Check your phone to complete the payment."
	case marketplace.OutcomeAlreadyPaid:
		return "This booking has already been paid."
	case marketplace.OutcomeAlreadyInFlight:
		return "A payment request is already in progress for this booking."
	default:
		if result.GatewayMessage != "" {
			return "Payment could not be started: " + result.GatewayMessage
		}
		return "Payment could not be started."
	}
}

func newPaymentPayload(payment marketplace.Payment) paymentPayload {
	return paymentPayload{
		ID:                payment.ID,
		BookingID:         payment.BookingID.Int64(),
		AmountCents:       payment.AmountCents.Int64(),
		Amount:            payment.AmountCents.WholeUnits(),
		Currency:          payment.Currency,
		Status:            string(payment.Status),
		MerchantRequestID: payment.MerchantRequestID,
		CheckoutRequestID: payment.CheckoutRequestID,
		TransactionID:     payment.TransactionID,
		Attempts:          payment.Attempts,
		UpdatedAt:         payment.UpdatedAt.UTC(),
	}
}
