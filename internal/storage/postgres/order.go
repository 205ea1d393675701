package postgres

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/aromaticus/internal/domain/order"
)

const (
	createOrderSQL = `INSERT INTO orders (id, user_id, shipping_info, items, payment_intent_id,
		session_id, coupon_code, shipping_price, total_price, status, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (payment_intent_id) DO NOTHING`

	getOrderByPaymentIntentSQL = `SELECT id, COALESCE(user_id, ''), shipping_info, items, payment_intent_id,
		session_id, coupon_code, shipping_price, total_price, status, created_at
	FROM orders WHERE payment_intent_id = $1`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists a new order. The insert is conditional on the payment
// intent so redelivered callbacks yield order.ErrDuplicatePayment.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	shippingJSON, err := json.Marshal(o.Shipping)
	if err != nil {
		return errors.Wrap(err, "marshal shipping info")
	}
	itemsJSON, err := json.Marshal(o.Items)
	if err != nil {
		return errors.Wrap(err, "marshal order items")
	}

	var userID *string
	if o.UserID != "" {
		userID = &o.UserID
	}

	tag, err := r.pool.Exec(ctx, createOrderSQL,
		o.ID, userID, shippingJSON, itemsJSON, o.PaymentIntentID,
		o.SessionID, o.CouponCode, o.ShippingPrice, o.TotalPrice, string(o.Status), o.CreatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "create order %q", o.ID)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrDuplicatePayment
	}
	return nil
}

// GetByPaymentIntent returns the order created for a payment intent.
func (r *OrderRepository) GetByPaymentIntent(ctx context.Context, paymentIntentID string) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, getOrderByPaymentIntentSQL, paymentIntentID)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		return nil, errors.Wrapf(err, "get order for %q", paymentIntentID)
	}
	return &o, nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o                   order.Order
		status              string
		shippingJSON, items []byte
	)
	if err := row.Scan(
		&o.ID, &o.UserID, &shippingJSON, &items, &o.PaymentIntentID,
		&o.SessionID, &o.CouponCode, &o.ShippingPrice, &o.TotalPrice, &status, &o.CreatedAt,
	); err != nil {
		return o, err
	}
	o.Status = order.Status(status)
	if err := json.Unmarshal(shippingJSON, &o.Shipping); err != nil {
		return o, errors.Wrap(err, "decode shipping info")
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return o, errors.Wrap(err, "decode items")
	}
	return o, nil
}
