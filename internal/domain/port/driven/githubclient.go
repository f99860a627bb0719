package driven

import (
	"context"

	"github.com/exfm/bob/internal/domain/model"
)

// HookClient defines the driven port for managing repository hooks on the
// hosting API.
type HookClient interface {
	// ListHooks returns every hook registered on the repository.
	ListHooks(ctx context.Context, repoFullName string) ([]model.Hook, error)

	// CreateHook registers hook on the repository and returns the created hook
	// as reported by the API.
	CreateHook(ctx context.Context, repoFullName string, hook model.Hook) (model.Hook, error)
}
