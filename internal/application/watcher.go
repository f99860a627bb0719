package application

import (
	"context"
	"log/slog"
)

// Watcher ties hook reconciliation to event ingestion: a repository is
// subscribed once its hook is known to exist.
type Watcher struct {
	reconciler  *HookReconciler
	ingestor    *EventIngestor
	callbackURL string
}

// NewWatcher creates a Watcher registering hooks that deliver to callbackURL.
func NewWatcher(reconciler *HookReconciler, ingestor *EventIngestor, callbackURL string) *Watcher {
	return &Watcher{
		reconciler:  reconciler,
		ingestor:    ingestor,
		callbackURL: callbackURL,
	}
}

// Start reconciles every repository, waits for all of them and watches the
// ones that succeeded. A failed repository does not keep the others from
// being watched.
func (w *Watcher) Start(ctx context.Context, names []string) []ReconcileResult {
	results := w.reconciler.ReconcileAll(ctx, names, w.callbackURL)

	watched := 0
	for _, res := range results {
		if res.Err != nil {
			continue
		}
		if err := w.ingestor.Watch(res.Name); err != nil {
			slog.Error("watch failed", "repo", res.Name, "error", err)
			continue
		}
		watched++
	}

	slog.Info("reconciliation complete", "repos", len(names), "watched", watched, "failed", len(names)-watched)
	return results
}

// WatchRepo reconciles a single repository and watches it.
func (w *Watcher) WatchRepo(ctx context.Context, fullName string) error {
	if _, err := w.reconciler.Reconcile(ctx, fullName, w.callbackURL); err != nil {
		return err
	}
	return w.ingestor.Watch(fullName)
}
