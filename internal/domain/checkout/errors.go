package checkout

import (
	"fmt"

	"github.com/go-faster/errors"
)

// ErrEmptyCart is returned when a checkout has no items.
var ErrEmptyCart = errors.New("cart is empty")

// ValidationError describes a malformed checkout request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ProductNotFoundError indicates a cart item references an unknown product.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

// VariantNotFoundError indicates the product has no variant of that size.
type VariantNotFoundError struct {
	ProductID string
	Size      int
}

func (e *VariantNotFoundError) Error() string {
	return fmt.Sprintf("product %s has no %dml variant", e.ProductID, e.Size)
}

// InsufficientStockError indicates the product pool cannot cover a line.
type InsufficientStockError struct {
	ProductID string
	Name      string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	name := e.Name
	if name == "" {
		name = e.ProductID
	}
	return fmt.Sprintf("insufficient stock for %s: %dml requested, %dml available", name, e.Requested, e.Available)
}

// PaymentProviderError wraps a failure of the hosted payment provider.
type PaymentProviderError struct {
	Err error
}

func (e *PaymentProviderError) Error() string {
	return fmt.Sprintf("payment provider: %v", e.Err)
}

func (e *PaymentProviderError) Unwrap() error {
	return e.Err
}
