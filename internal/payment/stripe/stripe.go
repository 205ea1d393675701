// Package stripe implements payment.Provider with Stripe Checkout.
package stripe

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/xenking/aromaticus/internal/domain/payment"
)

// Stripe accepts a Checkout expiry between 30 minutes and 24 hours ahead.
const (
	minSessionLifetime = 30 * time.Minute
	maxSessionLifetime = 24 * time.Hour
)

// Config holds Stripe credentials.
type Config struct {
	SecretKey     string
	WebhookSecret string
	Currency      string
}

type sessionCreator interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

var _ payment.Provider = (*Provider)(nil)

// Provider talks to the Stripe API.
type Provider struct {
	sessions      sessionCreator
	webhookSecret string
	currency      string
	now           func() time.Time
}

// New creates a Provider using the given credentials.
func New(cfg Config) *Provider {
	sc := client.New(cfg.SecretKey, nil)
	return newProvider(sc.CheckoutSessions, cfg)
}

func newProvider(sessions sessionCreator, cfg Config) *Provider {
	currency := strings.ToLower(cfg.Currency)
	if currency == "" {
		currency = "gbp"
	}
	return &Provider{
		sessions:      sessions,
		webhookSecret: cfg.WebhookSecret,
		currency:      currency,
		now:           time.Now,
	}
}

// CreateSession opens a Stripe Checkout session in payment mode.
func (p *Provider) CreateSession(ctx context.Context, req payment.SessionRequest) (*payment.Session, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}
	params.Context = ctx
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	if !req.ExpiresAt.IsZero() {
		lifetime := req.ExpiresAt.Sub(p.now())
		if lifetime >= minSessionLifetime && lifetime <= maxSessionLifetime {
			params.ExpiresAt = stripe.Int64(req.ExpiresAt.Unix())
		}
	}

	for _, li := range req.LineItems {
		product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripe.String(li.Name),
		}
		if li.Description != "" {
			product.Description = stripe.String(li.Description)
		}
		if li.Image != "" {
			product.Images = stripe.StringSlice([]string{li.Image})
		}
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(p.currency),
				UnitAmount:  stripe.Int64(li.UnitAmount),
				ProductData: product,
			},
			Quantity: stripe.Int64(li.Quantity),
		})
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	s, err := p.sessions.New(params)
	if err != nil {
		return nil, errors.Wrap(err, "create checkout session")
	}
	return &payment.Session{ID: s.ID, URL: s.URL}, nil
}

// ParseEvent verifies the Stripe-Signature header and decodes checkout
// session events. Events for other objects are returned with only ID and
// Type set.
func (p *Provider) ParseEvent(payload []byte, signature string) (*payment.Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true},
	)
	if err != nil {
		return nil, errors.Wrapf(payment.ErrInvalidSignature, "construct event: %v", err)
	}

	out := &payment.Event{ID: ev.ID, Type: string(ev.Type)}
	if !strings.HasPrefix(out.Type, "checkout.session.") || ev.Data == nil {
		return out, nil
	}

	var s stripe.CheckoutSession
	if err := json.Unmarshal(ev.Data.Raw, &s); err != nil {
		return nil, errors.Wrap(err, "decode checkout session")
	}
	out.SessionID = s.ID
	out.AmountTotal = s.AmountTotal
	out.Metadata = s.Metadata
	if s.PaymentIntent != nil {
		out.PaymentIntentID = s.PaymentIntent.ID
	}
	return out, nil
}
