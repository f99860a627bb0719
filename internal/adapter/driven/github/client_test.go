package github_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ghAdapter "github.com/exfm/bob/internal/adapter/driven/github"
	"github.com/exfm/bob/internal/domain/model"
)

// newTestClient creates a Client backed by the given httptest handler.
func newTestClient(t *testing.T, handler http.Handler) *ghAdapter.Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := ghAdapter.NewClientWithHTTPClient(server.Client(), server.URL+"/", "test-token")
	require.NoError(t, err)

	return client
}

// hookJSON is a helper struct for building GitHub API hook responses.
type hookJSON struct {
	ID     int64          `json:"id"`
	Name   string         `json:"name"`
	Active bool           `json:"active"`
	Config hookConfigJSON `json:"config"`
}

type hookConfigJSON struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	InsecureSSL string `json:"insecure_ssl"`
}

func TestListHooks_SinglePage(t *testing.T) {
	var gotAuth, gotPath string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]hookJSON{
			{ID: 1, Name: "web", Active: true, Config: hookConfigJSON{URL: "http://bob.example/events", ContentType: "form", InsecureSSL: "1"}},
			{ID: 2, Name: "web", Active: false, Config: hookConfigJSON{URL: "http://ci.example/hook", ContentType: "json", InsecureSSL: "0"}},
		})
	})

	client := newTestClient(t, handler)
	hooks, err := client.ListHooks(context.Background(), "exfm/bob")

	require.NoError(t, err)
	require.Len(t, hooks, 2)
	assert.Equal(t, "/repos/exfm/bob/hooks", gotPath)
	assert.Equal(t, "Bearer test-token", gotAuth)

	assert.Equal(t, int64(1), hooks[0].ID)
	assert.Equal(t, "http://bob.example/events", hooks[0].URL)
	assert.Equal(t, model.HookContentTypeForm, hooks[0].ContentType)
	assert.True(t, hooks[0].Active)
	assert.True(t, hooks[0].InsecureSSL)

	assert.Equal(t, "http://ci.example/hook", hooks[1].URL)
	assert.False(t, hooks[1].Active)
	assert.False(t, hooks[1].InsecureSSL)
}

func TestListHooks_Pagination(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if page := r.URL.Query().Get("page"); page == "" || page == "1" {
			w.Header().Set("Link", fmt.Sprintf(`<%s?page=2>; rel="next"`, "http://"+r.Host+r.URL.Path))
			json.NewEncoder(w).Encode([]hookJSON{{ID: 1, Config: hookConfigJSON{URL: "http://one"}}})
			return
		}
		json.NewEncoder(w).Encode([]hookJSON{{ID: 2, Config: hookConfigJSON{URL: "http://two"}}})
	})

	client := newTestClient(t, handler)
	hooks, err := client.ListHooks(context.Background(), "exfm/bob")

	require.NoError(t, err)
	require.Len(t, hooks, 2)
	assert.Equal(t, "http://one", hooks[0].URL)
	assert.Equal(t, "http://two", hooks[1].URL)
}

func TestListHooks_Empty(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[]`))
	})

	client := newTestClient(t, handler)
	hooks, err := client.ListHooks(context.Background(), "exfm/bob")

	require.NoError(t, err)
	assert.Equal(t, []model.Hook{}, hooks)
}

func TestListHooks_Unauthorized(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"Bad credentials"}`))
	})

	client := newTestClient(t, handler)
	_, err := client.ListHooks(context.Background(), "exfm/bob")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad credentials")
	assert.Contains(t, err.Error(), "exfm/bob")
}

func TestListHooks_InvalidRepoName(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	})

	client := newTestClient(t, handler)
	_, err := client.ListHooks(context.Background(), "no-slash")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected owner/repo")
	assert.Equal(t, int32(0), calls.Load())
}

func TestCreateHook_Payload(t *testing.T) {
	var (
		gotMethod string
		gotBody   map[string]any
	)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(hookJSON{
			ID: 99, Name: "web", Active: true,
			Config: hookConfigJSON{URL: "http://bob.example/events", ContentType: "form", InsecureSSL: "1"},
		})
	})

	client := newTestClient(t, handler)
	created, err := client.CreateHook(context.Background(), "exfm/bob", model.NewWebHook("http://bob.example/events"))

	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "web", gotBody["name"])
	assert.Equal(t, true, gotBody["active"])

	cfg, ok := gotBody["config"].(map[string]any)
	require.True(t, ok, "config must be an object")
	assert.Equal(t, "form", cfg["content_type"])
	assert.Equal(t, "1", cfg["insecure_ssl"])
	assert.Equal(t, "http://bob.example/events", cfg["url"])

	assert.Equal(t, int64(99), created.ID)
	assert.Equal(t, "http://bob.example/events", created.URL)
}

func TestCreateHook_ValidationFailed(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message":"Validation Failed","errors":[{"message":"Hook already exists on this repository"}]}`))
	})

	client := newTestClient(t, handler)
	_, err := client.CreateHook(context.Background(), "exfm/bob", model.NewWebHook("http://bob.example/events"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "creating hook on exfm/bob")
}
