package redis

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xenking/aromaticus/pkg/httpmiddleware"
)

var _ httpmiddleware.Limiter = (*FixedWindow)(nil)

// FixedWindow is a Limiter shared by every API replica. Each key counts
// requests in a window that starts with its first request.
type FixedWindow struct {
	client goredis.Cmdable
	prefix string
	limit  int
	period time.Duration
}

// NewFixedWindow allows limit requests per period per key.
func NewFixedWindow(client goredis.Cmdable, prefix string, limit int, period time.Duration) *FixedWindow {
	return &FixedWindow{client: client, prefix: prefix, limit: limit, period: period}
}

// Allow increments the key's counter and reports whether it is within the
// limit.
func (f *FixedWindow) Allow(ctx context.Context, key string, now time.Time) (httpmiddleware.Decision, error) {
	k := f.prefix + key

	var (
		incr *goredis.IntCmd
		ttl  *goredis.DurationCmd
	)
	_, err := f.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.ExpireNX(ctx, k, f.period)
		ttl = pipe.PTTL(ctx, k)
		return nil
	})
	if err != nil {
		return httpmiddleware.Decision{}, errors.Wrapf(err, "count %q", key)
	}

	count := int(incr.Val())
	reset := ttl.Val()
	if reset <= 0 {
		reset = f.period
	}
	return httpmiddleware.Decision{
		Allowed:   count <= f.limit,
		Limit:     f.limit,
		Remaining: max(f.limit-count, 0),
		ResetAt:   now.Add(reset),
	}, nil
}
