package coupon

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

var (
	// ErrNotFound is returned when no coupon matches the code.
	ErrNotFound = errors.New("coupon not found")
	// ErrInactive is returned when the coupon was deactivated by an administrator.
	ErrInactive = errors.New("coupon is inactive")
	// ErrExpired is returned when the coupon's expiry has passed.
	ErrExpired = errors.New("coupon expired")
)

// Coupon is a reusable percentage discount. Checkout never mutates it.
type Coupon struct {
	Code            string
	DiscountPercent int
	Active          bool
	ExpiresAt       time.Time
	CreatedAt       time.Time
}

// Repository provides lookup of coupons by their canonical code.
type Repository interface {
	FindByCode(ctx context.Context, code string) (*Coupon, error)
}

// Canonical returns the stored form of a coupon code.
func Canonical(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
