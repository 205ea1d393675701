package handler

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-faster/errors"

	"github.com/xenking/aromaticus/internal/domain/payment"
)

// SignatureHeader carries the provider's callback signature.
const SignatureHeader = "Stripe-Signature"

type webhookResponse struct {
	Received bool `json:"received"`
}

// Webhook hands the raw callback body to fulfillment. The body must not be
// re-encoded before verification.
func (h *Handler) Webhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxCallbackBytes))
	if err != nil {
		abort(c, http.StatusBadRequest, "unreadable body")
		return
	}

	if err := h.callbacks.HandleCallback(c.Request.Context(), payload, c.GetHeader(SignatureHeader)); err != nil {
		if errors.Is(err, payment.ErrInvalidSignature) {
			abort(c, http.StatusBadRequest, "invalid signature")
			return
		}
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, webhookResponse{Received: true})
}
