package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/exfm/bob/internal/domain/model"
	"github.com/exfm/bob/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.OrderStore = (*OrderRepo)(nil)

// OrderRepo is the SQLite implementation of the OrderStore port interface.
type OrderRepo struct {
	db  *DB
	now func() time.Time
}

// NewOrderRepo creates a new OrderRepo backed by the given DB.
func NewOrderRepo(db *DB) *OrderRepo {
	return &OrderRepo{db: db, now: time.Now}
}

// Set inserts or replaces the caller's order. Orders never expire.
func (r *OrderRepo) Set(ctx context.Context, caller, item string) error {
	const query = `
		INSERT INTO orders (caller, item, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(caller) DO UPDATE SET
			item = excluded.item,
			updated_at = excluded.updated_at
	`

	if _, err := r.db.Writer.ExecContext(ctx, query, caller, item, formatTime(r.now())); err != nil {
		return fmt.Errorf("set order for %s: %w", caller, err)
	}
	return nil
}

// List returns all orders ordered by caller.
func (r *OrderRepo) List(ctx context.Context) ([]model.Order, error) {
	const query = `SELECT caller, item, updated_at FROM orders ORDER BY caller`

	rows, err := r.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := []model.Order{}
	for rows.Next() {
		var (
			o         model.Order
			updatedAt string
		)
		if err := rows.Scan(&o.Caller, &o.Item, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		if o.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parse updated_at for %s: %w", o.Caller, err)
		}
		orders = append(orders, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}

	return orders, nil
}
