package postgres

import (
	"context"
	"sort"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/aromaticus/internal/domain/inventory"
)

const (
	holdStockSQL = `UPDATE products SET reserved_ml = reserved_ml + $2
	WHERE id = $1 AND total_stock_ml - reserved_ml >= $2`

	insertReservationSQL = `INSERT INTO stock_reservations (ref, product_id, ml, expires_at)
	VALUES ($1, $2, $3, $4)`

	settleHeldSQL = `UPDATE stock_reservations SET state = $2
	WHERE ref = $1 AND state = 'held'
	RETURNING product_id, ml`

	releaseExpiredSQL = `UPDATE stock_reservations SET state = 'released'
	WHERE state = 'held' AND expires_at < $1
	RETURNING product_id, ml`

	isCommittedSQL = `SELECT EXISTS (
		SELECT 1 FROM stock_reservations WHERE ref = $1 AND state = 'committed'
	)`

	recordCommitSQL = `INSERT INTO stock_reservations (ref, product_id, ml, state, expires_at)
	VALUES ($1, $2, $3, 'committed', now())
	ON CONFLICT (ref, product_id) DO UPDATE SET state = 'committed', ml = EXCLUDED.ml`

	// Stock never drops below zero even if more was sold than held.
	deductHeldSQL = `UPDATE products SET
		total_stock_ml = GREATEST(total_stock_ml - $2, 0),
		reserved_ml = GREATEST(reserved_ml - $2, 0)
	WHERE id = $1`

	deductSQL = `UPDATE products SET total_stock_ml = GREATEST(total_stock_ml - $2, 0) WHERE id = $1`

	unholdSQL = `UPDATE products SET reserved_ml = GREATEST(reserved_ml - $2, 0) WHERE id = $1`
)

var _ inventory.Store = (*InventoryStore)(nil)

// InventoryStore implements inventory.Store with conditional updates on the
// products table and a reservation ledger.
type InventoryStore struct {
	pool *pgxpool.Pool
}

// NewInventoryStore returns an InventoryStore that uses the given pool.
func NewInventoryStore(pool *pgxpool.Pool) *InventoryStore {
	return &InventoryStore{pool: pool}
}

// Reserve holds stock for every line in one transaction. Lines are locked
// in product order to keep concurrent reservations from deadlocking.
func (s *InventoryStore) Reserve(ctx context.Context, ref string, lines []inventory.Line, expiresAt time.Time) error {
	lines = sortedLines(lines)
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, l := range lines {
			tag, err := tx.Exec(ctx, holdStockSQL, l.ProductID, l.Ml)
			if err != nil {
				return errors.Wrapf(err, "hold %q", l.ProductID)
			}
			if tag.RowsAffected() == 0 {
				return &inventory.InsufficientStockError{ProductID: l.ProductID, Requested: l.Ml}
			}
			if _, err := tx.Exec(ctx, insertReservationSQL, ref, l.ProductID, l.Ml, expiresAt); err != nil {
				return errors.Wrapf(err, "record hold %q", l.ProductID)
			}
		}
		return nil
	})
}

// Commit settles the hold for ref. If the hold is gone, lines are deducted
// directly; a ref that was already committed is left alone.
func (s *InventoryStore) Commit(ctx context.Context, ref string, lines []inventory.Line) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		held, err := settle(ctx, tx, ref, inventory.StateCommitted)
		if err != nil {
			return err
		}
		if len(held) > 0 {
			return apply(ctx, tx, deductHeldSQL, held)
		}

		var committed bool
		if err := tx.QueryRow(ctx, isCommittedSQL, ref).Scan(&committed); err != nil {
			return errors.Wrap(err, "check commit")
		}
		if committed {
			return nil
		}

		lines = sortedLines(lines)
		for _, l := range lines {
			if _, err := tx.Exec(ctx, recordCommitSQL, ref, l.ProductID, l.Ml); err != nil {
				return errors.Wrapf(err, "record commit %q", l.ProductID)
			}
		}
		return apply(ctx, tx, deductSQL, lines)
	})
}

// Release returns held stock for ref to the pool.
func (s *InventoryStore) Release(ctx context.Context, ref string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		held, err := settle(ctx, tx, ref, inventory.StateReleased)
		if err != nil {
			return err
		}
		return apply(ctx, tx, unholdSQL, held)
	})
}

// ReleaseExpired releases every hold that expired before now.
func (s *InventoryStore) ReleaseExpired(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, releaseExpiredSQL, now)
		if err != nil {
			return errors.Wrap(err, "release expired")
		}
		expired, err := pgx.CollectRows(rows, pgx.RowToStructByPos[inventory.Line])
		if err != nil {
			return errors.Wrap(err, "collect expired")
		}
		n = len(expired)
		return apply(ctx, tx, unholdSQL, sortedLines(expired))
	})
	return n, err
}

func settle(ctx context.Context, tx pgx.Tx, ref string, to inventory.State) ([]inventory.Line, error) {
	rows, err := tx.Query(ctx, settleHeldSQL, ref, string(to))
	if err != nil {
		return nil, errors.Wrapf(err, "settle %q", ref)
	}
	held, err := pgx.CollectRows(rows, pgx.RowToStructByPos[inventory.Line])
	if err != nil {
		return nil, errors.Wrapf(err, "collect %q", ref)
	}
	return sortedLines(held), nil
}

func apply(ctx context.Context, tx pgx.Tx, sql string, lines []inventory.Line) error {
	for _, l := range lines {
		if _, err := tx.Exec(ctx, sql, l.ProductID, l.Ml); err != nil {
			return errors.Wrapf(err, "update stock of %q", l.ProductID)
		}
	}
	return nil
}

func sortedLines(lines []inventory.Line) []inventory.Line {
	out := inventory.Merge(lines)
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}
