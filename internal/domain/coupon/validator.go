package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Validator checks coupon codes.
type Validator interface {
	// Validate returns the coupon or one of ErrNotFound, ErrInactive, ErrExpired.
	Validate(ctx context.Context, code string) (*Coupon, error)
	// DiscountPercent returns the discount for code, or 0 when the code
	// cannot be applied for any reason.
	DiscountPercent(ctx context.Context, code string) int
}

var _ Validator = (*RepoValidator)(nil)

// RepoValidator implements Validator on top of a Repository.
type RepoValidator struct {
	repo Repository
	now  func() time.Time
}

// NewRepoValidator creates a RepoValidator backed by the given Repository.
func NewRepoValidator(repo Repository) *RepoValidator {
	return &RepoValidator{repo: repo, now: time.Now}
}

// Validate canonicalizes code, looks it up and checks the active flag and
// expiry. A coupon is still valid at the exact instant of its expiry.
func (v *RepoValidator) Validate(ctx context.Context, code string) (*Coupon, error) {
	code = Canonical(code)
	if code == "" {
		return nil, ErrNotFound
	}

	c, err := v.repo.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "lookup coupon")
	}

	if !c.Active {
		return nil, ErrInactive
	}
	if v.now().After(c.ExpiresAt) {
		return nil, ErrExpired
	}
	return c, nil
}

// DiscountPercent is the checkout flavour of Validate: an unusable coupon
// does not block the purchase, it just does not discount it.
func (v *RepoValidator) DiscountPercent(ctx context.Context, code string) int {
	if Canonical(code) == "" {
		return 0
	}
	c, err := v.Validate(ctx, code)
	if err != nil {
		zctx.From(ctx).Info("Coupon not applied",
			zap.String("code", Canonical(code)),
			zap.Error(err),
		)
		return 0
	}
	return c.DiscountPercent
}
