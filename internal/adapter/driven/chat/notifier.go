// Package chat implements the Notifier port by posting form-encoded messages
// to the team chat endpoint.
package chat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/exfm/bob/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.Notifier = (*Notifier)(nil)

// defaultHTTPClient enforces a timeout as a safety net alongside context
// cancellation.
var defaultHTTPClient = &http.Client{Timeout: 15 * time.Second}

// Notifier posts messages to a chat endpoint as the form field "msg".
type Notifier struct {
	postURL string
	client  *http.Client
}

// NewNotifier creates a Notifier posting to postURL. A nil client uses a
// client with a 15 second timeout.
func NewNotifier(postURL string, client *http.Client) *Notifier {
	if client == nil {
		client = defaultHTTPClient
	}
	return &Notifier{postURL: postURL, client: client}
}

// Notify posts text. It succeeds only when the endpoint answers with a 2xx
// status. There is no retry.
func (n *Notifier) Notify(ctx context.Context, text string) error {
	if n.postURL == "" {
		slog.Debug("chat: no post_url configured, dropping message", "text", text)
		return fmt.Errorf("chat: post_url not configured")
	}

	form := url.Values{"msg": {text}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.postURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("chat: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("chat: posting message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("chat: endpoint returned %d", resp.StatusCode)
	}

	slog.Debug("chat: message posted", "bytes", len(text))
	return nil
}
