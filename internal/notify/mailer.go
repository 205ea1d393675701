// Package notify delivers order confirmation emails.
package notify

import (
	"bytes"
	"context"
	"embed"
	"html/template"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/aromaticus/internal/domain/fulfillment"
	"github.com/xenking/aromaticus/internal/domain/order"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.New("").Funcs(template.FuncMap{
	"money": func(d decimal.Decimal) string { return d.StringFixed(2) },
}).ParseFS(templateFS, "templates/*.html"))

// DefaultFrom is the sender of customer emails.
const DefaultFrom = `"AROMATICUS" <no-reply@aromaticus.com>`

// Message is a rendered email.
type Message struct {
	To      []string
	Subject string
	HTML    string
}

// Sender delivers rendered emails.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// RenderOrderConfirmation builds the confirmation email for o.
func RenderOrderConfirmation(o *order.Order) (Message, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, "order_confirmation.html", o); err != nil {
		return Message{}, errors.Wrap(err, "render order confirmation")
	}
	return Message{
		To:      []string{o.Shipping.Email},
		Subject: "Order #" + o.Number() + " confirmed",
		HTML:    buf.String(),
	}, nil
}

var _ fulfillment.Notifier = (*Mailer)(nil)

// Mailer renders and sends confirmation emails inline.
type Mailer struct {
	sender Sender
}

// NewMailer creates a Mailer delivering through sender.
func NewMailer(sender Sender) *Mailer {
	return &Mailer{sender: sender}
}

func (m *Mailer) OrderConfirmed(ctx context.Context, o *order.Order) error {
	if o.Shipping.Email == "" {
		return errors.New("order has no email address")
	}
	msg, err := RenderOrderConfirmation(o)
	if err != nil {
		return err
	}
	if err := m.sender.Send(ctx, msg); err != nil {
		return errors.Wrapf(err, "send confirmation for order %s", o.ID)
	}
	return nil
}
