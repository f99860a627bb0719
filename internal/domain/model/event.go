package model

import (
	"fmt"
	"time"
)

// EventKind is the hosting provider's event name, e.g. "push" or "pull_request".
type EventKind string

const (
	EventKindPing        EventKind = "ping"
	EventKindPush        EventKind = "push"
	EventKindPullRequest EventKind = "pull_request"
	EventKindIssues      EventKind = "issues"
)

// Event is a delivered repository event. The payload is kept opaque beyond the
// repository, kind and sender.
type Event struct {
	DeliveryID string
	Repo       string
	Kind       EventKind
	Action     string
	Sender     string
	Payload    []byte
	ReceivedAt time.Time
}

// Summary renders a one-line human readable description of the event.
func (e Event) Summary() string {
	kind := string(e.Kind)
	if e.Action != "" {
		kind += " " + e.Action
	}
	if e.Sender == "" {
		return fmt.Sprintf("[%s] %s", e.Repo, kind)
	}
	return fmt.Sprintf("[%s] %s by %s", e.Repo, kind, e.Sender)
}
