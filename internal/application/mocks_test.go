package application_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/exfm/bob/internal/domain/model"
	"github.com/exfm/bob/internal/domain/port/driven"
)

// --- Mock implementations ---

// fakeHookClient keeps hooks per repository in memory, like the hosting API would.
type fakeHookClient struct {
	mu          sync.Mutex
	hooks       map[string][]model.Hook
	listErr     map[string]error
	createErr   error
	listCalls   int
	createCalls int
	nextID      int64
}

func newFakeHookClient() *fakeHookClient {
	return &fakeHookClient{
		hooks:   make(map[string][]model.Hook),
		listErr: make(map[string]error),
	}
}

func (f *fakeHookClient) ListHooks(_ context.Context, repo string) ([]model.Hook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listCalls++
	if err := f.listErr[repo]; err != nil {
		return nil, err
	}
	return slices.Clone(f.hooks[repo]), nil
}

func (f *fakeHookClient) CreateHook(_ context.Context, repo string, hook model.Hook) (model.Hook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.createCalls++
	if f.createErr != nil {
		return model.Hook{}, f.createErr
	}
	f.nextID++
	hook.ID = f.nextID
	f.hooks[repo] = append(f.hooks[repo], hook)
	return hook, nil
}

func (f *fakeHookClient) creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

// recordingResponder collects every reply.
type recordingResponder struct {
	mu      sync.Mutex
	replies []string
	err     error
}

func (r *recordingResponder) Respond(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, text)
	return r.err
}

func (r *recordingResponder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.replies)
}

// memoryRepoStore is an in-memory driven.RepoListStore.
type memoryRepoStore struct {
	mu    sync.Mutex
	repos []string
	err   error
}

func (m *memoryRepoStore) Repos() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.repos)
}

func (m *memoryRepoStore) AddRepo(_ context.Context, fullName string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if slices.Contains(m.repos, fullName) {
		return nil, driven.ErrRepoAlreadyWatched
	}
	m.repos = append(m.repos, fullName)
	return slices.Clone(m.repos), nil
}

// memoryOrderStore is an in-memory driven.OrderStore.
type memoryOrderStore struct {
	mu     sync.Mutex
	orders map[string]model.Order
}

func newMemoryOrderStore() *memoryOrderStore {
	return &memoryOrderStore{orders: make(map[string]model.Order)}
}

func (m *memoryOrderStore) Set(_ context.Context, caller, item string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[caller] = model.Order{Caller: caller, Item: item, UpdatedAt: time.Now()}
	return nil
}

func (m *memoryOrderStore) List(_ context.Context) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	slices.SortFunc(out, func(a, b model.Order) int { return strings.Compare(a.Caller, b.Caller) })
	return out, nil
}

// fakeExecutor opens fakeSessions and records the commands they ran.
type fakeExecutor struct {
	mu       sync.Mutex
	openErr  error
	failStep string // substring of the command that fails
	block    bool   // Run blocks until the context ends
	hosts    []string
	commands []string
	closed   int
}

func (e *fakeExecutor) Open(_ context.Context, host string) (driven.RemoteSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.openErr != nil {
		return nil, e.openErr
	}
	e.hosts = append(e.hosts, host)
	return &fakeSession{exec: e}, nil
}

func (e *fakeExecutor) ran() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.commands)
}

func (e *fakeExecutor) closedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

type fakeSession struct {
	exec *fakeExecutor
}

func (s *fakeSession) Run(ctx context.Context, command string) (string, error) {
	s.exec.mu.Lock()
	s.exec.commands = append(s.exec.commands, command)
	block, failStep := s.exec.block, s.exec.failStep
	s.exec.mu.Unlock()

	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if failStep != "" && strings.Contains(command, failStep) {
		return "npm ERR! missing script", errors.New("process exited with status 1")
	}
	return "ok", nil
}

func (s *fakeSession) Close() error {
	s.exec.mu.Lock()
	defer s.exec.mu.Unlock()
	s.exec.closed++
	return nil
}

// fakeWatcher records repositories passed to WatchRepo.
type fakeWatcher struct {
	mu    sync.Mutex
	repos []string
	err   error
}

func (w *fakeWatcher) WatchRepo(_ context.Context, fullName string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.repos = append(w.repos, fullName)
	return w.err
}

func (w *fakeWatcher) watched() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.repos)
}
