// Package httpapi exposes the booking ledger and payment reconciler over HTTP
// and receives M-Pesa STK callbacks.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/fundis/pkg/marketplace"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	apiPrefix       = "/api"
	claimsKey       = "auth_claims"
	actorKey        = "marketplace_actor"
	shutdownTimeout = 5 * time.Second
)

// Bookings is the booking ledger surface served under /api.
type Bookings interface {
	ResolveActor(ctx context.Context, userID marketplace.UserID) (marketplace.Actor, error)
	RequestBooking(ctx context.Context, actor marketplace.Actor, request marketplace.BookingRequest) (marketplace.Booking, error)
	ConfirmBooking(ctx context.Context, actor marketplace.Actor, bookingID marketplace.BookingID) (marketplace.Booking, error)
	RejectBooking(ctx context.Context, actor marketplace.Actor, bookingID marketplace.BookingID, reason string) (marketplace.Booking, error)
	CancelBooking(ctx context.Context, actor marketplace.Actor, bookingID marketplace.BookingID) (marketplace.Booking, error)
	CompleteBooking(ctx context.Context, actor marketplace.Actor, bookingID marketplace.BookingID) (marketplace.Booking, error)
	GetBooking(ctx context.Context, actor marketplace.Actor, bookingID marketplace.BookingID) (marketplace.Booking, error)
	ListBookings(ctx context.Context, actor marketplace.Actor, limit int) ([]marketplace.Booking, error)
}

// Payments is the payment reconciler surface served under /api and on the callback path.
type Payments interface {
	GetPayment(ctx context.Context, actor marketplace.Actor, bookingID marketplace.BookingID) (marketplace.Payment, error)
	RequestPayment(ctx context.Context, actor marketplace.Actor, bookingID marketplace.BookingID) (marketplace.PaymentResult, error)
	ApplyCallback(ctx context.Context, raw []byte) (marketplace.CallbackResult, error)
}

// Handler serves the marketplace HTTP routes.
type Handler struct {
	logger   *zap.Logger
	bookings Bookings
	payments Payments
	cfg      Config
}

// NewHandler wires the route handlers. cfg must already be validated.
func NewHandler(cfg Config, bookings Bookings, payments Payments, logger *zap.Logger) (*Handler, error) {
	if bookings == nil || payments == nil {
		return nil, errors.New("httpapi: bookings and payments are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{logger: logger.Named("http"), bookings: bookings, payments: payments, cfg: cfg}, nil
}

// Serve runs the HTTP server until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, cfg Config, handler *Handler) error {
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           NewRouter(cfg, handler, sessionValidator),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		handler.logger.Info("fundis api listening", zap.String("addr", cfg.ListenAddr), zap.String("callback_path", cfg.CallbackPath))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			handler.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter builds the gin engine. The callback path is unauthenticated; every
// /api route requires a session cookie that resolves to an active directory user.
func NewRouter(cfg Config, handler *Handler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST(cfg.CallbackPath, handler.handleCallback)

	api := router.Group(apiPrefix)
	api.Use(validator.GinMiddleware(claimsKey))
	api.Use(handler.requireActor)

	api.GET("/me", handler.handleMe)
	api.GET("/bookings", handler.handleListBookings)
	api.POST("/bookings", handler.handleCreateBooking)
	api.GET("/bookings/:id", handler.handleGetBooking)
	api.POST("/bookings/:id/confirm", handler.handleConfirmBooking)
	api.POST("/bookings/:id/reject", handler.handleRejectBooking)
	api.POST("/bookings/:id/cancel", handler.handleCancelBooking)
	api.POST("/bookings/:id/complete", handler.handleCompleteBooking)
	api.POST("/bookings/:id/payments", handler.handleRequestPayment)
	api.GET("/bookings/:id/payment", handler.handleGetPayment)

	return router
}

// requireActor maps the session subject onto a directory actor.
func (handler *Handler) requireActor(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	userID, err := marketplace.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no subject"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	actor, err := handler.bookings.ResolveActor(requestCtx, userID)
	switch {
	case err == nil:
		ctx.Set(actorKey, actor)
		ctx.Next()
	case errors.Is(err, marketplace.ErrNotFound), errors.Is(err, marketplace.ErrForbidden):
		ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "account is not enabled for the marketplace"))
	default:
		handler.logger.Error("resolve actor failed", zap.String("user_id", userID.String()), zap.Error(err))
		ctx.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse("internal_error", "could not load account"))
	}
}

func (handler *Handler) handleMe(ctx *gin.Context) {
	actor := mustActor(ctx)
	claims := getClaims(ctx)
	ctx.JSON(http.StatusOK, gin.H{
		"user_id": actor.UserID.String(),
		"role":    string(actor.Role),
		"email":   claims.GetUserEmail(),
		"display": claims.GetUserDisplayName(),
		"expires": claims.GetExpiresAt().Unix(),
	})
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func mustActor(ctx *gin.Context) marketplace.Actor {
	return ctx.MustGet(actorKey).(marketplace.Actor)
}

// respondError maps a domain error category onto an HTTP status.
func (handler *Handler) respondError(ctx *gin.Context, operation string, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error(operation+" failed", zap.Error(err))
	}
	ctx.JSON(status, errorResponse(code, publicMessage(status, err)))
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, marketplace.ErrValidation):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, marketplace.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, marketplace.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, marketplace.ErrStateConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, marketplace.ErrGatewayUnavailable), errors.Is(err, marketplace.ErrMisconfiguredCredentials):
		return http.StatusServiceUnavailable, "gateway_unavailable"
	case errors.Is(err, marketplace.ErrGatewayRejected):
		return http.StatusBadGateway, "gateway_rejected"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func publicMessage(status int, err error) string {
	switch status {
	case http.StatusInternalServerError:
		return "internal error"
	case http.StatusServiceUnavailable:
		return "payment service is temporarily unavailable, try again shortly"
	default:
		return err.Error()
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
