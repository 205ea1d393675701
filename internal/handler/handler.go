// Package handler exposes checkout, payment callbacks and coupon lookup over
// HTTP.
package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/aromaticus/internal/domain/checkout"
	"github.com/xenking/aromaticus/internal/domain/coupon"
)

// CheckoutService opens hosted payment sessions.
type CheckoutService interface {
	BuildSession(ctx context.Context, req checkout.Request) (*checkout.Session, error)
}

// CallbackHandler processes signed payment provider callbacks.
type CallbackHandler interface {
	HandleCallback(ctx context.Context, payload []byte, signature string) error
}

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// MaxCallbackBytes bounds the accepted webhook body. Defaults to 64KiB.
	MaxCallbackBytes int64
}

// Handler serves the public checkout API.
type Handler struct {
	checkout  CheckoutService
	callbacks CallbackHandler
	coupons   coupon.Validator

	maxCallbackBytes int64
}

// New constructs a Handler with the required domain dependencies.
func New(
	cfg Config,
	checkout CheckoutService,
	callbacks CallbackHandler,
	coupons coupon.Validator,
) *Handler {
	if cfg.MaxCallbackBytes <= 0 {
		cfg.MaxCallbackBytes = 64 << 10
	}
	return &Handler{
		checkout:         checkout,
		callbacks:        callbacks,
		coupons:          coupons,
		maxCallbackBytes: cfg.MaxCallbackBytes,
	}
}

// Register mounts the API routes on r.
func (h *Handler) Register(r gin.IRouter) {
	api := r.Group("/api")

	co := api.Group("/checkout")
	co.POST("/calculate-shipping", h.CalculateShipping)
	co.POST("/create-session", h.CreateSession)
	co.POST("/webhook", h.Webhook)

	api.POST("/coupons/validate", h.ValidateCoupon)
}

// Error is the body of every non-2xx response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, Error{Code: status, Message: msg})
}

func logError(c *gin.Context, err error) {
	zctx.From(c.Request.Context()).Error("Request failed",
		zap.String("path", c.FullPath()),
		zap.Error(err),
	)
}

// internalError logs err and hides it from the client.
func internalError(c *gin.Context, err error) {
	logError(c, err)
	abort(c, http.StatusInternalServerError, "internal error")
}
