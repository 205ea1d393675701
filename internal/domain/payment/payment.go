// Package payment describes the hosted payment provider the checkout talks to.
package payment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// ErrInvalidSignature is returned by Provider.ParseEvent when the callback
// body is not authentically signed by the provider.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Event types the fulfillment flow reacts to.
const (
	EventSessionCompleted = "checkout.session.completed"
	EventSessionExpired   = "checkout.session.expired"
)

// LineItem is one priced row on the hosted payment page.
type LineItem struct {
	Name        string
	Description string
	Image       string
	// UnitAmount is in minor currency units (pence).
	UnitAmount int64
	Quantity   int64
}

// SessionRequest asks the provider for a hosted checkout page.
type SessionRequest struct {
	LineItems     []LineItem
	CustomerEmail string
	SuccessURL    string
	CancelURL     string
	ExpiresAt     time.Time
	// Metadata is opaque to the provider. Keys and values are strings.
	Metadata map[string]string
}

// Session is a created hosted checkout page.
type Session struct {
	ID  string
	URL string
}

// Event is a verified provider callback.
type Event struct {
	ID              string
	Type            string
	SessionID       string
	PaymentIntentID string
	// AmountTotal is the amount actually charged, in minor units.
	AmountTotal int64
	Metadata    map[string]string
}

// Provider is the external hosted payment service.
type Provider interface {
	CreateSession(ctx context.Context, req SessionRequest) (*Session, error)
	// ParseEvent verifies signature over the raw payload and decodes it.
	ParseEvent(payload []byte, signature string) (*Event, error)
}
