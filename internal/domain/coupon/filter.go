package coupon

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

const filterFPR = 0.001

// CodeLister lists every stored coupon code in canonical form.
type CodeLister interface {
	ListCodes(ctx context.Context) ([]string, error)
	CodeStamp(ctx context.Context) (CodeStamp, error)
}

// CodeStamp changes whenever a code is added to the store.
type CodeStamp struct {
	Count  int64
	Latest time.Time
}

// ListingRepository is a Repository that can also enumerate its codes.
type ListingRepository interface {
	Repository
	CodeLister
}

var _ Repository = (*Filter)(nil)

// Filter guards a Repository with a bloom filter of known codes so that
// guessed codes are rejected without loading a row. A miss is trusted only
// while no code newer than the last Refresh exists; until the first
// successful Refresh every lookup passes through.
type Filter struct {
	repo   ListingRepository
	filter atomic.Pointer[filterSnapshot]
}

type filterSnapshot struct {
	bf    *bloom.BloomFilter
	stamp CodeStamp
}

// NewFilter wraps repo. Call Refresh or Run to activate filtering.
func NewFilter(repo ListingRepository) *Filter {
	return &Filter{repo: repo}
}

// FindByCode returns ErrNotFound for codes that are definitely absent.
func (f *Filter) FindByCode(ctx context.Context, code string) (*Coupon, error) {
	if snap := f.filter.Load(); snap != nil && !snap.bf.TestString(Canonical(code)) && f.current(ctx, snap) {
		return nil, ErrNotFound
	}
	return f.repo.FindByCode(ctx, code)
}

// current reports whether no code was added after snap was built.
func (f *Filter) current(ctx context.Context, snap *filterSnapshot) bool {
	stamp, err := f.repo.CodeStamp(ctx)
	if err != nil {
		zctx.From(ctx).Warn("Coupon filter staleness check failed", zap.Error(err))
		return false
	}
	return stamp.Count <= snap.stamp.Count && !stamp.Latest.After(snap.stamp.Latest)
}

// Refresh rebuilds the filter from the repository.
func (f *Filter) Refresh(ctx context.Context) error {
	// Stamp before listing: a code inserted in between makes the stamp stale.
	stamp, err := f.repo.CodeStamp(ctx)
	if err != nil {
		return errors.Wrap(err, "coupon stamp")
	}
	codes, err := f.repo.ListCodes(ctx)
	if err != nil {
		return errors.Wrap(err, "list coupon codes")
	}

	n := uint(len(codes))
	if n < 1024 {
		n = 1024
	}
	bf := bloom.NewWithEstimates(n, filterFPR)
	for _, code := range codes {
		bf.AddString(Canonical(code))
	}
	f.filter.Store(&filterSnapshot{bf: bf, stamp: stamp})
	return nil
}

// Run refreshes the filter immediately and then every interval until ctx
// is cancelled. A failed refresh keeps the previous filter.
func (f *Filter) Run(ctx context.Context, interval time.Duration) {
	lg := zctx.From(ctx)
	if err := f.Refresh(ctx); err != nil {
		lg.Warn("Coupon filter refresh failed", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.Refresh(ctx); err != nil {
				lg.Warn("Coupon filter refresh failed", zap.Error(err))
			}
		}
	}
}
