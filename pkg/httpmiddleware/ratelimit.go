package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Decision is the outcome of one rate limit lookup.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter counts requests per key.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (Decision, error)
}

// KeyFunc names the bucket a request counts against. An empty key exempts
// the request.
type KeyFunc func(r *http.Request) string

// RateLimit rejects requests over the limiter's budget with 429. If the
// limiter itself fails the request is let through.
func RateLimit(l Limiter, key KeyFunc) Middleware {
	if key == nil {
		key = ClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k == "" {
				next.ServeHTTP(w, r)
				return
			}
			now := time.Now()
			d, err := l.Allow(r.Context(), k, now)
			if err != nil {
				zctx.From(r.Context()).Warn("Rate limiter unavailable", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
			if !d.Allowed {
				wait := max(d.ResetAt.Sub(now), 0)
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP keys requests by the first X-Forwarded-For hop, X-Real-IP or
// the remote address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// APIClientIP is ClientIP for /api/ paths and exempts everything else.
func APIClientIP(r *http.Request) string {
	if !strings.HasPrefix(r.URL.Path, "/api/") {
		return ""
	}
	return ClientIP(r)
}

type window struct {
	prev, curr float64
	start      time.Time
}

var _ Limiter = (*SlidingWindow)(nil)

// SlidingWindow is an in-process Limiter that weights the previous window
// by how much of it still overlaps the current one.
type SlidingWindow struct {
	max    int
	period time.Duration

	mu      sync.Mutex
	windows map[string]*window
}

// NewSlidingWindow allows up to limit requests per period per key.
func NewSlidingWindow(limit int, period time.Duration) *SlidingWindow {
	return &SlidingWindow{max: limit, period: period, windows: make(map[string]*window)}
}

// Allow never fails.
func (s *SlidingWindow) Allow(_ context.Context, key string, now time.Time) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok {
		w = &window{start: now.Truncate(s.period)}
		s.windows[key] = w
	}
	if elapsed := now.Sub(w.start); elapsed >= s.period {
		if elapsed >= 2*s.period {
			w.prev = 0
		} else {
			w.prev = w.curr
		}
		w.curr = 0
		w.start = now.Truncate(s.period)
	}

	overlap := 1 - now.Sub(w.start).Seconds()/s.period.Seconds()
	count := w.prev*max(overlap, 0) + w.curr
	d := Decision{Limit: s.max, ResetAt: w.start.Add(s.period)}
	if count >= float64(s.max) {
		return d, nil
	}
	w.curr++
	d.Allowed = true
	d.Remaining = max(int(float64(s.max)-count-1), 0)
	return d, nil
}

// Prune drops keys idle for two full periods.
func (s *SlidingWindow) Prune(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, w := range s.windows {
		if now.Sub(w.start) >= 2*s.period {
			delete(s.windows, k)
		}
	}
}

// Run prunes idle keys every two periods until ctx is done.
func (s *SlidingWindow) Run(ctx context.Context) {
	ticker := time.NewTicker(2 * s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Prune(now)
		}
	}
}
