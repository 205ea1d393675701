// Package inventory holds stock for checkouts that are waiting on payment.
//
// A checkout reserves the millilitres it needs under a reference. The hold
// is committed into a real stock decrement when payment completes, or
// released when the checkout is abandoned or the hold expires.
package inventory

import (
	"context"
	"fmt"
	"time"
)

// State of a reservation line.
type State string

const (
	StateHeld      State = "held"
	StateCommitted State = "committed"
	StateReleased  State = "released"
)

// Line is the stock one cart line needs from a product's pool.
type Line struct {
	ProductID string
	Ml        int
}

// InsufficientStockError is returned by Reserve when a product's free stock
// cannot cover the requested millilitres.
type InsufficientStockError struct {
	ProductID string
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: %dml requested", e.ProductID, e.Requested)
}

// Store manages reservations against product stock.
type Store interface {
	// Reserve holds every line under ref or none of them.
	Reserve(ctx context.Context, ref string, lines []Line, expiresAt time.Time) error
	// Commit turns the hold for ref into a stock decrement, clamped at zero.
	// When no hold remains (it expired or was released) the given lines are
	// deducted directly with the same clamp.
	Commit(ctx context.Context, ref string, lines []Line) error
	// Release returns held stock for ref to the pool. Releasing an unknown
	// or already settled ref is a no-op.
	Release(ctx context.Context, ref string) error
	// ReleaseExpired releases every hold that expired before now and reports
	// how many reservation lines were released.
	ReleaseExpired(ctx context.Context, now time.Time) (int, error)
}

// Merge sums lines that draw from the same product, preserving the order of
// first appearance.
func Merge(lines []Line) []Line {
	idx := make(map[string]int, len(lines))
	out := make([]Line, 0, len(lines))
	for _, l := range lines {
		if i, ok := idx[l.ProductID]; ok {
			out[i].Ml += l.Ml
			continue
		}
		idx[l.ProductID] = len(out)
		out = append(out, l)
	}
	return out
}
