// Package application contains use-case orchestration services.
package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"golang.org/x/sync/errgroup"

	"github.com/exfm/bob/internal/domain/model"
	"github.com/exfm/bob/internal/domain/port/driven"
)

// ReconcilerConfig tunes retries and fan-out. Zero values mean one attempt and
// unbounded concurrency.
type ReconcilerConfig struct {
	Attempts    int
	Backoff     time.Duration
	Concurrency int
}

// ReconcileResult is the outcome of reconciling one repository.
type ReconcileResult struct {
	Name string
	Repo model.Repository
	Err  error
}

// HookReconciler makes sure each watched repository has a hook delivering
// to bob's callback URL.
type HookReconciler struct {
	client      driven.HookClient
	attempts    int
	backoff     time.Duration
	concurrency int
}

// NewHookReconciler creates a HookReconciler backed by client.
func NewHookReconciler(client driven.HookClient, cfg ReconcilerConfig) *HookReconciler {
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}
	b := cfg.Backoff
	if b <= 0 {
		b = 2 * time.Second
	}
	return &HookReconciler{
		client:      client,
		attempts:    attempts,
		backoff:     b,
		concurrency: cfg.Concurrency,
	}
}

// Load fetches the repository's current hook list.
func (r *HookReconciler) Load(ctx context.Context, name string) (model.Repository, error) {
	hooks, err := r.client.ListHooks(ctx, name)
	if err != nil {
		return model.Repository{}, err
	}
	return model.NewRepository(name, hooks)
}

// EnsureHook returns repo unchanged when one of its hooks already delivers to
// callbackURL. Otherwise it creates the hook and returns the repository as
// re-fetched from the API.
func (r *HookReconciler) EnsureHook(ctx context.Context, repo model.Repository, callbackURL string) (model.Repository, error) {
	if repo.HasHook(callbackURL) {
		slog.Debug("hook already registered", "repo", repo.FullName, "url", callbackURL)
		return repo, nil
	}

	created, err := r.client.CreateHook(ctx, repo.FullName, model.NewWebHook(callbackURL))
	if err != nil {
		return model.Repository{}, err
	}
	slog.Info("hook created", "repo", repo.FullName, "hook_id", created.ID, "url", callbackURL)

	refreshed, err := r.Load(ctx, repo.FullName)
	if err != nil {
		return model.Repository{}, fmt.Errorf("re-fetching %s after hook creation: %w", repo.FullName, err)
	}
	return refreshed, nil
}

// Reconcile loads the repository and ensures its hook. Failed attempts start
// over from Load, so a hook created by an attempt whose re-fetch failed is
// seen by the next attempt and never created twice.
func (r *HookReconciler) Reconcile(ctx context.Context, name, callbackURL string) (model.Repository, error) {
	var repo model.Repository

	tries := 0
	err := retry.Retry(
		func(uint) error {
			tries++
			loaded, err := r.Load(ctx, name)
			if err == nil {
				loaded, err = r.EnsureHook(ctx, loaded, callbackURL)
			}
			if err != nil {
				if tries < r.attempts {
					slog.Warn("reconcile attempt failed", "repo", name, "attempt", tries, "error", err)
				}
				return err
			}
			repo = loaded
			return nil
		},
		r.pace(ctx, &tries),
	)
	if err != nil {
		return model.Repository{}, fmt.Errorf("reconciling %s: %w", name, err)
	}
	return repo, nil
}

// pace allows another attempt while fewer than the configured number have
// run, sleeping a linearly growing backoff between attempts. It gives up early
// when ctx is done.
func (r *HookReconciler) pace(ctx context.Context, tries *int) strategy.Strategy {
	delay := backoff.Linear(r.backoff)
	return func(uint) bool {
		switch {
		case *tries == 0:
			return true
		case *tries >= r.attempts, ctx.Err() != nil:
			return false
		}
		t := time.NewTimer(delay(uint(*tries)))
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		}
	}
}

// ReconcileAll reconciles every repository concurrently and returns once all
// of them have settled. A failure is recorded in that repository's result and
// never cancels the others. Results keep the order of names.
func (r *HookReconciler) ReconcileAll(ctx context.Context, names []string, callbackURL string) []ReconcileResult {
	results := make([]ReconcileResult, len(names))

	var g errgroup.Group
	if r.concurrency > 0 {
		g.SetLimit(r.concurrency)
	}

	for i, name := range names {
		g.Go(func() error {
			repo, err := r.Reconcile(ctx, name, callbackURL)
			results[i] = ReconcileResult{Name: name, Repo: repo, Err: err}
			if err != nil {
				slog.Error("reconcile failed", "repo", name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return results
}
