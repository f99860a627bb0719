// Command healthcheck exits 0 when bob answers its health endpoint through
// the front door. It is meant for container HEALTHCHECK lines, so it reads
// the same BOB_* environment as bob itself.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"
)

const (
	defaultListenAddr = "127.0.0.1:11000"
	healthPath        = "/api/v1/health"
	timeout           = 2 * time.Second
)

func main() {
	if err := check(context.Background(), healthURL(os.Getenv)); err != nil {
		fmt.Fprintln(os.Stderr, "bob unhealthy:", err)
		os.Exit(1)
	}
}

// healthURL resolves the endpoint to poll. BOB_HEALTH_URL wins; otherwise the
// front door address from BOB_LISTEN_ADDR is dialed over loopback.
func healthURL(getenv func(string) string) string {
	if raw := getenv("BOB_HEALTH_URL"); raw != "" {
		return raw
	}
	u := url.URL{Scheme: "http", Host: loopback(getenv("BOB_LISTEN_ADDR")), Path: healthPath}
	return u.String()
}

// loopback maps a listen address to one the check can dial from inside the
// same container. Bind-all hosts become 127.0.0.1.
func loopback(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return defaultListenAddr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

// check requires a 200 whose JSON body reports status "ok".
func check(ctx context.Context, target string) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s answered %s", target, resp.Status)
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding health response: %w", err)
	}
	if body.Status != "ok" {
		return fmt.Errorf("status %q", body.Status)
	}
	return nil
}
