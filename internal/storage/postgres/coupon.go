package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/aromaticus/internal/domain/coupon"
)

const (
	getCouponByCodeSQL = `SELECT code, discount_percent, active, expires_at, created_at
		FROM coupons WHERE code = UPPER($1)`

	listCouponCodesSQL = `SELECT code FROM coupons`

	couponStampSQL = `SELECT count(*), COALESCE(max(created_at), 'epoch'::timestamptz) FROM coupons`

	upsertCouponSQL = `INSERT INTO coupons (code, discount_percent, active, expires_at)
	VALUES (UPPER($1), $2, $3, $4)
	ON CONFLICT (code) DO UPDATE SET
		discount_percent = EXCLUDED.discount_percent,
		active = EXCLUDED.active,
		expires_at = EXCLUDED.expires_at`
)

var _ coupon.ListingRepository = (*CouponRepository)(nil)

// CouponRepository implements coupon.Repository backed by PostgreSQL.
type CouponRepository struct {
	pool *pgxpool.Pool
}

// NewCouponRepository returns a CouponRepository that uses the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// FindByCode looks up a coupon by code regardless of its active flag or
// expiry; those are checked by the validator.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	rows, err := r.pool.Query(ctx, getCouponByCodeSQL, code)
	if err != nil {
		return nil, errors.Wrapf(err, "find coupon %q", code)
	}

	c, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByPos[coupon.Coupon])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotFound
		}
		return nil, errors.Wrapf(err, "find coupon %q", code)
	}
	return &c, nil
}

// ListCodes returns every stored code.
func (r *CouponRepository) ListCodes(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, listCouponCodesSQL)
	if err != nil {
		return nil, errors.Wrap(err, "list coupon codes")
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// CodeStamp returns the coupon count and newest creation time.
func (r *CouponRepository) CodeStamp(ctx context.Context) (coupon.CodeStamp, error) {
	var s coupon.CodeStamp
	if err := r.pool.QueryRow(ctx, couponStampSQL).Scan(&s.Count, &s.Latest); err != nil {
		return s, errors.Wrap(err, "coupon stamp")
	}
	return s, nil
}

// Upsert creates or replaces a coupon.
func (r *CouponRepository) Upsert(ctx context.Context, c *coupon.Coupon) error {
	_, err := r.pool.Exec(ctx, upsertCouponSQL, c.Code, c.DiscountPercent, c.Active, c.ExpiresAt)
	if err != nil {
		return errors.Wrapf(err, "upsert coupon %q", c.Code)
	}
	return nil
}

// UpsertBatch upserts coupons in one round-trip.
func (r *CouponRepository) UpsertBatch(ctx context.Context, coupons []coupon.Coupon) error {
	batch := &pgx.Batch{}
	for _, c := range coupons {
		batch.Queue(upsertCouponSQL, c.Code, c.DiscountPercent, c.Active, c.ExpiresAt)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return errors.Wrapf(err, "upsert %d coupons", len(coupons))
	}
	return nil
}
