package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/exfm/bob/internal/domain/model"
	"github.com/exfm/bob/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.DeliveryStore = (*DeliveryRepo)(nil)

// DeliveryRepo is the SQLite implementation of the DeliveryStore port interface.
type DeliveryRepo struct {
	db *DB
}

// NewDeliveryRepo creates a new DeliveryRepo backed by the given DB.
func NewDeliveryRepo(db *DB) *DeliveryRepo {
	return &DeliveryRepo{db: db}
}

// Record inserts the delivery. A second delivery with the same id returns
// driven.ErrDuplicateDelivery.
func (r *DeliveryRepo) Record(ctx context.Context, event model.Event) error {
	const query = `INSERT INTO deliveries (delivery_id, repo, kind, received_at) VALUES (?, ?, ?, ?)`

	receivedAt := event.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	_, err := r.db.Writer.ExecContext(ctx, query, event.DeliveryID, event.Repo, string(event.Kind), formatTime(receivedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("record delivery %s: %w", event.DeliveryID, driven.ErrDuplicateDelivery)
		}
		return fmt.Errorf("record delivery %s: %w", event.DeliveryID, err)
	}

	return nil
}

// Forget deletes the delivery with the given id. Forgetting an unknown id is
// not an error.
func (r *DeliveryRepo) Forget(ctx context.Context, deliveryID string) error {
	const query = `DELETE FROM deliveries WHERE delivery_id = ?`

	if _, err := r.db.Writer.ExecContext(ctx, query, deliveryID); err != nil {
		return fmt.Errorf("forget delivery %s: %w", deliveryID, err)
	}

	return nil
}

// Prune deletes deliveries received before the cutoff.
func (r *DeliveryRepo) Prune(ctx context.Context, before time.Time) (int64, error) {
	const query = `DELETE FROM deliveries WHERE received_at < ?`

	result, err := r.db.Writer.ExecContext(ctx, query, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("prune deliveries: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}

	return rows, nil
}
