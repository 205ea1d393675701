package notify

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/aromaticus/internal/domain/fulfillment"
	"github.com/xenking/aromaticus/internal/domain/order"
)

var _ fulfillment.Notifier = (*Async)(nil)

// Async runs a Notifier in the background, detached from the caller's
// cancellation. It is the fallback when no message broker is configured;
// a failed delivery is logged and not retried.
type Async struct {
	next    fulfillment.Notifier
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewAsync wraps next. Each delivery is bounded by timeout.
func NewAsync(next fulfillment.Notifier, timeout time.Duration) *Async {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Async{next: next, timeout: timeout}
}

// OrderConfirmed schedules the notification and returns immediately.
func (a *Async) OrderConfirmed(ctx context.Context, o *order.Order) error {
	ctx = context.WithoutCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()

		if err := a.next.OrderConfirmed(ctx, o); err != nil {
			zctx.From(ctx).Error("Order confirmation failed",
				zap.String("order_id", o.ID),
				zap.Error(err),
			)
		}
	}()
	return nil
}

// Wait blocks until in-flight notifications finish.
func (a *Async) Wait() {
	a.wg.Wait()
}
