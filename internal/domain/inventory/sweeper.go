package inventory

import (
	"context"
	"time"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Sweeper periodically releases expired reservations.
type Sweeper struct {
	store    Store
	interval time.Duration
	now      func() time.Time
}

// NewSweeper creates a Sweeper that runs every interval.
func NewSweeper(store Store, interval time.Duration) *Sweeper {
	return &Sweeper{store: store, interval: interval, now: time.Now}
}

// Sweep releases holds that have expired by now.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	return s.store.ReleaseExpired(ctx, s.now())
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	lg := zctx.From(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				lg.Error("Release expired reservations", zap.Error(err))
				continue
			}
			if n > 0 {
				lg.Info("Released expired reservations", zap.Int("lines", n))
			}
		}
	}
}
