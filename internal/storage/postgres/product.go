package postgres

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/aromaticus/internal/domain/product"
)

const (
	productColumns = `id, name, description, category, gender, bg_color,
		total_stock_ml, reserved_ml, variants, hidden, rating, review_count`

	getProductByIDSQL = `SELECT ` + productColumns + ` FROM products WHERE id = $1`

	getProductsByIDsSQL = `SELECT ` + productColumns + ` FROM products WHERE id = ANY($1)`

	upsertProductSQL = `INSERT INTO products (id, name, description, category, gender, bg_color,
		total_stock_ml, variants, hidden, rating, review_count)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (id) DO UPDATE SET
		name = EXCLUDED.name,
		description = EXCLUDED.description,
		category = EXCLUDED.category,
		gender = EXCLUDED.gender,
		bg_color = EXCLUDED.bg_color,
		total_stock_ml = EXCLUDED.total_stock_ml,
		variants = EXCLUDED.variants,
		hidden = EXCLUDED.hidden`
)

var _ product.Repository = (*ProductRepository)(nil)

// ProductRepository implements product.Repository backed by PostgreSQL.
type ProductRepository struct {
	pool *pgxpool.Pool
}

// NewProductRepository returns a ProductRepository that uses the given pool.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

// GetByID returns a single product by its identifier.
func (r *ProductRepository) GetByID(ctx context.Context, id string) (*product.Product, error) {
	rows, err := r.pool.Query(ctx, getProductByIDSQL, id)
	if err != nil {
		return nil, errors.Wrapf(err, "get product %q", id)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, product.ErrNotFound
		}
		return nil, errors.Wrapf(err, "get product %q", id)
	}
	return &p, nil
}

// GetByIDs returns products matching any of the given IDs. Unknown IDs are
// skipped.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []string) ([]product.Product, error) {
	rows, err := r.pool.Query(ctx, getProductsByIDsSQL, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products by ids")
	}
	return pgx.CollectRows(rows, scanProduct)
}

// Upsert inserts or replaces a product's catalog fields. Reserved stock,
// rating and reviews of an existing product are left alone.
func (r *ProductRepository) Upsert(ctx context.Context, p *product.Product) error {
	variants, err := json.Marshal(p.Variants)
	if err != nil {
		return errors.Wrap(err, "marshal variants")
	}
	_, err = r.pool.Exec(ctx, upsertProductSQL,
		p.ID, p.Name, p.Description, p.Category, p.Gender, p.BgColor,
		p.TotalStockMl, variants, p.Hidden, p.Rating, p.ReviewCount,
	)
	if err != nil {
		return errors.Wrapf(err, "upsert product %q", p.ID)
	}
	return nil
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var (
		p        product.Product
		variants []byte
	)
	if err := row.Scan(
		&p.ID, &p.Name, &p.Description, &p.Category, &p.Gender, &p.BgColor,
		&p.TotalStockMl, &p.ReservedMl, &variants, &p.Hidden, &p.Rating, &p.ReviewCount,
	); err != nil {
		return p, err
	}
	if err := json.Unmarshal(variants, &p.Variants); err != nil {
		return p, errors.Wrapf(err, "decode variants of %q", p.ID)
	}
	return p, nil
}
