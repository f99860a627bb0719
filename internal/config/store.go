package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/natefinch/atomic"

	"github.com/exfm/bob/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.RepoListStore = (*Store)(nil)

// Store is the runtime-mutable watch list. Changes are written back to the
// config file so they survive a restart.
type Store struct {
	mu    sync.Mutex
	path  string
	repos []string
}

// NewStore returns a Store seeded with the resolved repository list. Updates
// are persisted to path.
func NewStore(path string, repos []string) *Store {
	return &Store{path: path, repos: slices.Clone(repos)}
}

// Repos returns a copy of the current watch list.
func (s *Store) Repos() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.repos)
}

// AddRepo appends fullName, records it in the config file and returns the
// updated list. The in-memory list only changes once the file write
// succeeded. Repositories that came from flags or the environment stay out
// of the file.
func (s *Store) AddRepo(_ context.Context, fullName string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slices.Contains(s.repos, fullName) {
		return nil, fmt.Errorf("%s: %w", fullName, driven.ErrRepoAlreadyWatched)
	}

	if err := s.persist(fullName); err != nil {
		return nil, fmt.Errorf("persisting repos to %s: %w", s.path, err)
	}
	s.repos = append(s.repos, fullName)

	return slices.Clone(s.repos), nil
}

// persist re-reads the file so keys written by other tools are kept, appends
// fullName to the file's own repos entry and swaps the file in atomically.
func (s *Store) persist(fullName string) error {
	if s.path == "" {
		return fmt.Errorf("no config file configured")
	}

	doc, err := readDocument(s.path)
	if err != nil {
		return err
	}
	repos, err := documentRepos(doc)
	if err != nil {
		return err
	}
	if !slices.Contains(repos, fullName) {
		repos = append(repos, fullName)
	}
	doc[KeyRepos] = repos

	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	data = append(data, '\n')

	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// documentRepos returns the repos entry of a config document. The file may
// hold it as a list or as a comma separated string.
func documentRepos(doc map[string]any) ([]string, error) {
	switch v := doc[KeyRepos].(type) {
	case nil:
		return []string{}, nil
	case string:
		return splitList(v), nil
	case []any:
		repos := make([]string, 0, len(v)+1)
		for _, item := range v {
			name, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s must be a list of strings", KeyRepos)
			}
			repos = append(repos, name)
		}
		return repos, nil
	default:
		return nil, fmt.Errorf("unsupported value for %s", KeyRepos)
	}
}
