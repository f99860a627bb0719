package driven

import "context"

// Notifier posts a text message to the team chat. Delivery is best-effort:
// implementations do not retry or queue.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}
