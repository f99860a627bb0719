package driven

import (
	"context"
	"errors"
	"time"

	"github.com/exfm/bob/internal/domain/model"
)

// ErrDuplicateDelivery indicates the delivery id was already recorded.
var ErrDuplicateDelivery = errors.New("duplicate delivery")

// DeliveryStore records webhook deliveries for replay protection.
type DeliveryStore interface {
	// Record stores the delivery. Returns ErrDuplicateDelivery if the event's
	// DeliveryID was recorded before.
	Record(ctx context.Context, event model.Event) error
	// Forget removes a recorded delivery so a redelivery of it is processed.
	Forget(ctx context.Context, deliveryID string) error
	// Prune removes deliveries received before the cutoff and returns how many
	// were deleted.
	Prune(ctx context.Context, before time.Time) (int64, error)
}
