// Package redis keeps short-lived coordination state in Redis.
package redis

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xenking/aromaticus/internal/domain/fulfillment"
)

// NewClient parses url, connects and pings the server.
func NewClient(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return client, nil
}

var _ fulfillment.Claims = (*Claims)(nil)

// Claims implements fulfillment.Claims with SET NX.
type Claims struct {
	client goredis.Cmdable
	prefix string
}

// NewClaims returns Claims storing keys under prefix.
func NewClaims(client goredis.Cmdable, prefix string) *Claims {
	return &Claims{client: client, prefix: prefix}
}

// Claim sets key only if it is absent.
func (c *Claims) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.prefix+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "claim %q", key)
	}
	return ok, nil
}

// Release deletes key. Releasing an absent key is not an error.
func (c *Claims) Release(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return errors.Wrapf(err, "release %q", key)
	}
	return nil
}
