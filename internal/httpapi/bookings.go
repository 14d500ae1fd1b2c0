package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/fundis/pkg/marketplace"
	"github.com/gin-gonic/gin"
)

type createBookingRequest struct {
	FreelancerID  string `json:"freelancer_id" binding:"required"`
	ServiceID     int64  `json:"service_id" binding:"omitempty,min=1"`
	CustomDetails string `json:"custom_details" binding:"max=2000"`
	BookingTime   string `json:"booking_time" binding:"required"`
	Location      string `json:"location" binding:"required,max=255"`
	ClientNotes   string `json:"client_notes" binding:"max=2000"`
}

type rejectBookingRequest struct {
	Reason string `json:"reason" binding:"max=1000"`
}

type bookingPayload struct {
	ID              int64     `json:"id"`
	ClientID        string    `json:"client_id"`
	FreelancerID    string    `json:"freelancer_id"`
	ServiceID       *int64    `json:"service_id,omitempty"`
	CustomDetails   string    `json:"custom_details,omitempty"`
	BookingTime     time.Time `json:"booking_time"`
	Status          string    `json:"status"`
	Location        string    `json:"location"`
	ClientNotes     string    `json:"client_notes,omitempty"`
	FreelancerNotes string    `json:"freelancer_notes,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type bookingActionFunc func(ctx context.Context, actor marketplace.Actor, bookingID marketplace.BookingID) (marketplace.Booking, error)

func (handler *Handler) handleCreateBooking(ctx *gin.Context) {
	var request createBookingRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	bookingRequest, err := request.toDomain()
	if err != nil {
		handler.respondError(ctx, "request booking", err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	booking, err := handler.bookings.RequestBooking(requestCtx, mustActor(ctx), bookingRequest)
	if err != nil {
		handler.respondError(ctx, "request booking", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"booking": newBookingPayload(booking)})
}

func (handler *Handler) handleListBookings(ctx *gin.Context) {
	limit := handler.cfg.ListLimit
	if raw := ctx.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxListLimit {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", "limit must be between 1 and "+strconv.Itoa(maxListLimit)))
			return
		}
		limit = parsed
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	bookings, err := handler.bookings.ListBookings(requestCtx, mustActor(ctx), limit)
	if err != nil {
		handler.respondError(ctx, "list bookings", err)
		return
	}
	payloads := make([]bookingPayload, 0, len(bookings))
	for _, booking := range bookings {
		payloads = append(payloads, newBookingPayload(booking))
	}
	ctx.JSON(http.StatusOK, gin.H{"bookings": payloads})
}

func (handler *Handler) handleGetBooking(ctx *gin.Context) {
	handler.respondWithBooking(ctx, "get booking", handler.bookings.GetBooking)
}

func (handler *Handler) handleConfirmBooking(ctx *gin.Context) {
	handler.respondWithBooking(ctx, "confirm booking", handler.bookings.ConfirmBooking)
}

func (handler *Handler) handleCancelBooking(ctx *gin.Context) {
	handler.respondWithBooking(ctx, "cancel booking", handler.bookings.CancelBooking)
}

func (handler *Handler) handleCompleteBooking(ctx *gin.Context) {
	handler.respondWithBooking(ctx, "complete booking", handler.bookings.CompleteBooking)
}

func (handler *Handler) handleRejectBooking(ctx *gin.Context) {
	var request rejectBookingRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	handler.respondWithBooking(ctx, "reject booking", func(requestCtx context.Context, actor marketplace.Actor, bookingID marketplace.BookingID) (marketplace.Booking, error) {
		return handler.bookings.RejectBooking(requestCtx, actor, bookingID, request.Reason)
	})
}

func (handler *Handler) respondWithBooking(ctx *gin.Context, operation string, apply bookingActionFunc) {
	bookingID, err := marketplace.ParseBookingID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, operation, err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	booking, err := apply(requestCtx, mustActor(ctx), bookingID)
	if err != nil {
		handler.respondError(ctx, operation, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"booking": newBookingPayload(booking)})
}

func (request createBookingRequest) toDomain() (marketplace.BookingRequest, error) {
	freelancerID, err := marketplace.NewUserID(request.FreelancerID)
	if err != nil {
		return marketplace.BookingRequest{}, err
	}
	bookingTime, err := marketplace.ParseBookingTime(request.BookingTime)
	if err != nil {
		return marketplace.BookingRequest{}, err
	}
	bookingRequest := marketplace.BookingRequest{
		FreelancerID:  freelancerID,
		CustomDetails: request.CustomDetails,
		BookingTime:   bookingTime,
		Location:      request.Location,
		ClientNotes:   request.ClientNotes,
	}
	if request.ServiceID != 0 {
		bookingRequest.ServiceID, err = marketplace.NewServiceID(request.ServiceID)
		if err != nil {
			return marketplace.BookingRequest{}, err
		}
	}
	return bookingRequest, nil
}

func newBookingPayload(booking marketplace.Booking) bookingPayload {
	payload := bookingPayload{
		ID:              booking.ID.Int64(),
		ClientID:        booking.ClientID.String(),
		FreelancerID:    booking.FreelancerID.String(),
		CustomDetails:   booking.CustomDetails,
		BookingTime:     booking.BookingTime.UTC(),
		Status:          string(booking.Status),
		Location:        booking.Location,
		ClientNotes:     booking.ClientNotes,
		FreelancerNotes: booking.FreelancerNotes,
		CreatedAt:       booking.CreatedAt.UTC(),
		UpdatedAt:       booking.UpdatedAt.UTC(),
	}
	if !booking.ServiceID.IsZero() {
		serviceID := booking.ServiceID.Int64()
		payload.ServiceID = &serviceID
	}
	return payload
}
