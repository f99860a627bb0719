// Package github implements the HookClient port using the go-github library.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/gofri/go-github-ratelimit/v2/github_ratelimit"
	gh "github.com/google/go-github/v82/github"
	"github.com/gregjones/httpcache"
	"golang.org/x/oauth2"

	"github.com/exfm/bob/internal/domain/model"
	"github.com/exfm/bob/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.HookClient = (*Client)(nil)

// Client implements the driven.HookClient port using the go-github library.
type Client struct {
	gh *gh.Client

	// cache is nil when the client was built without httpcache.
	cache httpcache.Cache

	// listKeys remembers the cached hook list pages per repository so
	// CreateHook can evict them.
	mu       sync.Mutex
	listKeys map[string][]string
}

// NewClient creates a new GitHub API client with the following transport stack:
//  1. go-github-ratelimit (secondary rate limit middleware, sleeps on 429)
//  2. httpcache (ETag-based conditional request caching)
//  3. oauth2 (bearer token from a static token source)
func NewClient(token string) *Client {
	return newCachedClient(gh.NewClient(nil).BaseURL, token)
}

// NewClientWithBaseURL creates a Client with the same transport stack as
// NewClient talking to baseURL, e.g. a GitHub Enterprise API root.
func NewClientWithBaseURL(baseURL, token string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	return newCachedClient(u, token), nil
}

func newCachedClient(baseURL *url.URL, token string) *Client {
	authTransport := &oauth2.Transport{
		Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
		Base:   http.DefaultTransport,
	}
	cacheTransport := httpcache.NewMemoryCacheTransport()
	cacheTransport.Transport = authTransport
	rateLimitClient := github_ratelimit.NewClient(cacheTransport)

	client := gh.NewClient(rateLimitClient)
	client.BaseURL = baseURL

	return &Client{
		gh:       client,
		cache:    cacheTransport.Cache,
		listKeys: make(map[string][]string),
	}
}

// NewClientWithHTTPClient creates a Client with a custom http.Client and base URL.
// This constructor is intended for testing, allowing injection of an httptest server.
func NewClientWithHTTPClient(httpClient *http.Client, baseURL, token string) (*Client, error) {
	client := gh.NewClient(httpClient)
	if token != "" {
		client = client.WithAuthToken(token)
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	client.BaseURL = u

	return &Client{gh: client}, nil
}

// ListHooks retrieves every hook registered on the repository.
// It handles pagination automatically and maps go-github types to domain model types.
func (c *Client) ListHooks(ctx context.Context, repoFullName string) ([]model.Hook, error) {
	owner, repo, err := model.SplitFullName(repoFullName)
	if err != nil {
		return nil, err
	}

	opts := &gh.ListOptions{PerPage: 100}
	hooks := []model.Hook{}

	for {
		page, resp, err := c.gh.Repositories.ListHooks(ctx, owner, repo, opts)
		if err != nil {
			return nil, fmt.Errorf("listing hooks for %s (page %d): %w", repoFullName, opts.Page, describe(err))
		}

		logRateLimit(resp, repoFullName+"/hooks", opts.Page, len(page))
		c.rememberListKey(repoFullName, resp)

		for _, h := range page {
			hooks = append(hooks, mapHook(h))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return hooks, nil
}

// CreateHook registers a new hook on the repository.
func (c *Client) CreateHook(ctx context.Context, repoFullName string, hook model.Hook) (model.Hook, error) {
	owner, repo, err := model.SplitFullName(repoFullName)
	if err != nil {
		return model.Hook{}, err
	}

	insecure := "0"
	if hook.InsecureSSL {
		insecure = "1"
	}

	created, resp, err := c.gh.Repositories.CreateHook(ctx, owner, repo, &gh.Hook{
		Name:   gh.Ptr(hook.Name),
		Active: gh.Ptr(hook.Active),
		Config: &gh.HookConfig{
			ContentType: gh.Ptr(hook.ContentType),
			InsecureSSL: gh.Ptr(insecure),
			URL:         gh.Ptr(hook.URL),
		},
	})
	if err != nil {
		return model.Hook{}, fmt.Errorf("creating hook on %s: %w", repoFullName, describe(err))
	}

	logRateLimit(resp, repoFullName+"/hooks", 0, 1)
	c.evictHookList(repoFullName)

	return mapHook(created), nil
}

// rememberListKey records the cache key of a hook list page. httpcache keys
// GET responses by their URL.
func (c *Client) rememberListKey(repoFullName string, resp *gh.Response) {
	if c.cache == nil || resp == nil || resp.Response == nil || resp.Request == nil {
		return
	}
	key := resp.Request.URL.String()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !slices.Contains(c.listKeys[repoFullName], key) {
		c.listKeys[repoFullName] = append(c.listKeys[repoFullName], key)
	}
}

// evictHookList drops the cached hook list of a repository. The list is
// served with max-age=60, so without this the re-fetch after a create would
// return the list from before it.
func (c *Client) evictHookList(repoFullName string) {
	if c.cache == nil {
		return
	}

	c.mu.Lock()
	keys := c.listKeys[repoFullName]
	delete(c.listKeys, repoFullName)
	c.mu.Unlock()

	for _, key := range keys {
		c.cache.Delete(key)
	}
	slog.Debug("evicted cached hook list", "repo", repoFullName, "pages", len(keys))
}

// mapHook converts a go-github Hook to a domain model Hook.
// It uses GetXxx() helper methods exclusively to avoid nil pointer panics.
func mapHook(h *gh.Hook) model.Hook {
	cfg := h.GetConfig()
	return model.Hook{
		ID:          h.GetID(),
		Name:        h.GetName(),
		URL:         cfg.GetURL(),
		Active:      h.GetActive(),
		ContentType: cfg.GetContentType(),
		InsecureSSL: cfg.GetInsecureSSL() == "1",
	}
}

// describe annotates API errors with the status that callers care about when
// reading logs: bad credentials, missing repository, or rate limiting.
func describe(err error) error {
	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		return fmt.Errorf("rate limited until %s: %w", rateErr.Rate.Reset.Time.Format(time.RFC3339), err)
	}

	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("bad credentials: %w", err)
		case http.StatusNotFound:
			return fmt.Errorf("repository not found or token lacks admin:repo_hook: %w", err)
		}
	}
	return err
}

// logRateLimit logs the GitHub API rate limit status after each call.
func logRateLimit(resp *gh.Response, endpoint string, page, count int) {
	if resp == nil {
		return
	}

	slog.Debug("github api call",
		"endpoint", endpoint,
		"page", page,
		"count", count,
		"rate_remaining", resp.Rate.Remaining,
		"rate_limit", resp.Rate.Limit,
	)

	if resp.Rate.Limit > 0 && resp.Rate.Remaining < 100 {
		slog.Warn("github rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset_in", time.Until(resp.Rate.Reset.Time).Round(time.Second),
		)
	}
}
