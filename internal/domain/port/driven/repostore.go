package driven

import (
	"context"
	"errors"
)

// ErrRepoAlreadyWatched indicates the repository is already in the watch list.
var ErrRepoAlreadyWatched = errors.New("repository already watched")

// RepoListStore defines the driven port for the persisted list of watched
// repositories.
type RepoListStore interface {
	// Repos returns a copy of the current watch list.
	Repos() []string

	// AddRepo appends fullName to the watch list, persists it and returns the
	// updated list. Returns ErrRepoAlreadyWatched if fullName is present.
	AddRepo(ctx context.Context, fullName string) ([]string, error)
}
