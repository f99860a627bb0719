package model

import (
	"fmt"
	"strings"
)

// Repository represents a GitHub repository watched by bob together with the
// hooks currently registered on it.
type Repository struct {
	FullName string
	Owner    string
	Name     string
	Hooks    []Hook
}

// NewRepository builds a Repository from an "owner/name" string.
func NewRepository(fullName string, hooks []Hook) (Repository, error) {
	owner, name, err := SplitFullName(fullName)
	if err != nil {
		return Repository{}, err
	}
	return Repository{
		FullName: fullName,
		Owner:    owner,
		Name:     name,
		Hooks:    hooks,
	}, nil
}

// HasHook reports whether any registered hook delivers to url. The comparison
// is exact; trailing slashes and scheme differences count as different URLs.
func (r Repository) HasHook(url string) bool {
	for _, h := range r.Hooks {
		if h.URL == url {
			return true
		}
	}
	return false
}

// SplitFullName splits an "owner/name" string into its two components.
func SplitFullName(fullName string) (string, string, error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" || strings.Contains(parts[1], "/") {
		return "", "", fmt.Errorf("invalid repo name %q: expected owner/repo", fullName)
	}
	return parts[0], parts[1], nil
}
