package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrDuplicatePayment is returned by Repository.Create when an order for the
// same payment intent already exists.
var ErrDuplicatePayment = errors.New("order for payment already exists")

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPaid       Status = "paid"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
)

// DefaultCountry is used when the shipping address omits a country.
const DefaultCountry = "United Kingdom"

// Order is a paid purchase. Items and Shipping are frozen copies taken when
// the payment completed and do not follow later catalog changes.
type Order struct {
	ID              string
	UserID          string
	Shipping        ShippingInfo
	Items           []Item
	PaymentIntentID string
	SessionID       string
	CouponCode      string
	ShippingPrice   decimal.Decimal
	TotalPrice      decimal.Decimal
	Status          Status
	CreatedAt       time.Time
}

// Item is a single purchased line.
type Item struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Size      int             `json:"size"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Image     string          `json:"image"`
}

// ShippingInfo is the delivery address captured at checkout.
type ShippingInfo struct {
	FullName     string `json:"full_name"`
	Email        string `json:"email"`
	AddressLine1 string `json:"address_line1"`
	AddressLine2 string `json:"address_line2,omitempty"`
	City         string `json:"city"`
	Postcode     string `json:"postcode"`
	Country      string `json:"country"`
}

// Number returns the short customer-facing order number.
func (o *Order) Number() string {
	if len(o.ID) <= 6 {
		return o.ID
	}
	return o.ID[len(o.ID)-6:]
}

// Repository defines persistence operations for orders.
type Repository interface {
	// Create inserts the order unless one already exists for its
	// PaymentIntentID, in which case ErrDuplicatePayment is returned.
	Create(ctx context.Context, order *Order) error
	GetByPaymentIntent(ctx context.Context, paymentIntentID string) (*Order, error)
}
