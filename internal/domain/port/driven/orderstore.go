package driven

import (
	"context"

	"github.com/exfm/bob/internal/domain/model"
)

// OrderStore defines the driven port for per-caller pending orders.
type OrderStore interface {
	// Set stores item as caller's order, replacing any previous one.
	Set(ctx context.Context, caller, item string) error
	// List returns every order ordered by caller.
	List(ctx context.Context) ([]model.Order, error)
}
