// Package fulfillment turns completed payments into orders.
package fulfillment

import (
	"context"
	"time"

	"github.com/xenking/aromaticus/internal/domain/order"
)

// Claims marks provider sessions as being processed so that concurrent or
// repeated deliveries of the same callback do no duplicate work.
type Claims interface {
	// Claim reports whether the caller now owns key. The claim lapses
	// after ttl.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release drops a claim so a later delivery can retry.
	Release(ctx context.Context, key string) error
}

// Notifier tells the customer about their order.
type Notifier interface {
	OrderConfirmed(ctx context.Context, o *order.Order) error
}

// NopClaims grants every claim. Deduplication then rests on the order
// store's unique payment intent.
type NopClaims struct{}

func (NopClaims) Claim(context.Context, string, time.Duration) (bool, error) { return true, nil }

func (NopClaims) Release(context.Context, string) error { return nil }

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) OrderConfirmed(context.Context, *order.Order) error { return nil }
