package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/exfm/bob/internal/domain/port/driven"
)

// RepoWatcher starts watching a repository that was added at runtime.
type RepoWatcher interface {
	WatchRepo(ctx context.Context, fullName string) error
}

// CommandService owns the command registry and the state the built-in
// commands work on. Commands whose work outlives the request (deploy, the
// watch after addrepo) run on background goroutines that Wait joins. Once
// Close is called no new background work starts.
type CommandService struct {
	registry *Registry
	repos    driven.RepoListStore
	orders   driven.OrderStore
	deployer *Deployer
	watcher  RepoWatcher
	username string

	baseCtx context.Context
	tasks   sync.WaitGroup
	mu      sync.Mutex
	closing bool
}

// CommandDeps are the collaborators of the built-in commands. Watcher may be
// nil, in which case added repositories are watched after the next restart.
type CommandDeps struct {
	Repos    driven.RepoListStore
	Orders   driven.OrderStore
	Deployer *Deployer
	Watcher  RepoWatcher
	// Username owns the repositories added with addrepo.
	Username string
}

// NewCommandService creates a CommandService with every built-in command
// registered. Background work is bound to ctx.
func NewCommandService(ctx context.Context, deps CommandDeps) *CommandService {
	s := &CommandService{
		registry: NewRegistry(),
		repos:    deps.Repos,
		orders:   deps.Orders,
		deployer: deps.Deployer,
		watcher:  deps.Watcher,
		username: deps.Username,
		baseCtx:  ctx,
	}

	for _, cmd := range []Command{
		{Name: "list", Description: "list available commands", Arity: Arity{0, Variadic}, Handler: s.list},
		{Name: "echo", Description: "repeat what you say", Usage: "<text...>", Arity: Arity{0, Variadic}, Handler: s.echo},
		{Name: "deploy", Description: "deploy a repository to a host", Usage: "<repo> <host>", Arity: Arity{2, 2}, Handler: s.deploy},
		{Name: "addrepo", Description: "watch another repository", Usage: "<repo>", Arity: Arity{1, 1}, Handler: s.addRepo},
		{Name: "repos", Description: "list watched repositories", Arity: Arity{0, 0}, Handler: s.listRepos},
		{Name: "order", Description: "tell bob what you want for lunch", Usage: "<text...>", Arity: Arity{1, Variadic}, Handler: s.order},
		{Name: "listorders", Description: "list everyone's lunch orders", Arity: Arity{0, 0}, Handler: s.listOrders},
	} {
		s.registry.Register(cmd)
	}

	return s
}

// Register adds or replaces a command.
func (s *CommandService) Register(cmd Command) {
	s.registry.Register(cmd)
}

// Dispatch runs a command. See Registry.Dispatch.
func (s *CommandService) Dispatch(ctx context.Context, name, caller string, args []string, responder Responder) string {
	return s.registry.Dispatch(ctx, name, caller, args, responder)
}

// Wait blocks until every background task has finished.
func (s *CommandService) Wait() {
	s.tasks.Wait()
}

// Close stops accepting background work and waits for what is running.
func (s *CommandService) Close() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.tasks.Wait()
}

// background runs fn on its own goroutine. fn gets the service context rather
// than the request's, which ends when the response has been written.
// It reports false without running fn when the service is closing.
func (s *CommandService) background(fn func(ctx context.Context)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		fn(s.baseCtx)
	}()
	return true
}

func (s *CommandService) list(ctx context.Context, req Request) string {
	var b strings.Builder
	if req.Unknown != "" {
		fmt.Fprintf(&b, "Unknown command %s\n\n", req.Unknown)
	}
	b.WriteString("Available commands:")
	for _, cmd := range s.registry.Commands() {
		fmt.Fprintf(&b, "\n    %s - %s", cmd.Name, cmd.Description)
	}
	return req.Reply(ctx, b.String())
}

func (s *CommandService) echo(ctx context.Context, req Request) string {
	return req.Reply(ctx, strings.Join(req.Args, " "))
}

func (s *CommandService) deploy(ctx context.Context, req Request) string {
	repo, host := req.Args[0], req.Args[1]
	if !ValidRepoName(repo) {
		return req.Reply(ctx, fmt.Sprintf("invalid repository name %q", repo))
	}
	if !ValidHost(host) {
		return req.Reply(ctx, fmt.Sprintf("invalid host %q", host))
	}
	if s.deployer == nil {
		return req.Reply(ctx, "deploy is not configured")
	}

	// The first reply goes out before the deploy can report back.
	replied := make(chan struct{})
	deployID := uuid.NewString()
	started := s.background(func(ctx context.Context) {
		<-replied
		log := slog.With("deploy_id", deployID, "repo", repo, "host", host, "caller", req.Caller)
		log.Info("deploy started")

		err := s.deployer.Deploy(ctx, repo, host, func(step DeployStep, _ string) {
			log.Info("deploy step finished", "step", step.Name)
		})
		if err != nil {
			log.Error("deploy failed", "error", err)
			req.Reply(ctx, deployFailure(repo, host, err))
			return
		}

		log.Info("deploy finished")
		req.Reply(ctx, fmt.Sprintf("deployed %s to %s! Logging at %s", repo, host, s.deployer.LogPath(repo)))
	})
	if !started {
		return req.Reply(ctx, fmt.Sprintf("bob is shutting down, not deploying %s to %s", repo, host))
	}

	text := req.Reply(ctx, fmt.Sprintf("deploying %s to %s...", repo, host))
	close(replied)
	return text
}

func deployFailure(repo, host string, err error) string {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return fmt.Sprintf("deploy of %s to %s failed at %s: %v", repo, host, stepErr.Step, stepErr.Err)
	}
	return fmt.Sprintf("deploy of %s to %s failed: %v", repo, host, err)
}

func (s *CommandService) addRepo(ctx context.Context, req Request) string {
	name := req.Args[0]
	if !ValidRepoName(name) {
		return req.Reply(ctx, fmt.Sprintf("invalid repository name %q", name))
	}
	fullName := s.username + "/" + name

	repos, err := s.repos.AddRepo(ctx, fullName)
	if errors.Is(err, driven.ErrRepoAlreadyWatched) {
		return req.Reply(ctx, fmt.Sprintf("Already watching %s", fullName))
	}
	if err != nil {
		slog.Error("addrepo failed", "repo", fullName, "error", err)
		return req.Reply(ctx, fmt.Sprintf("Could not add %s: %v", fullName, err))
	}

	text := req.Reply(ctx, "Now watching repos: "+formatList(repos))

	if s.watcher != nil {
		started := s.background(func(ctx context.Context) {
			if err := s.watcher.WatchRepo(ctx, fullName); err != nil {
				slog.Error("watching added repo failed", "repo", fullName, "error", err)
				req.Reply(ctx, fmt.Sprintf("Added %s but could not register its hook: %v", fullName, err))
			}
		})
		if !started {
			slog.Warn("shutting down, added repo is watched after restart", "repo", fullName)
		}
	}

	return text
}

func (s *CommandService) listRepos(ctx context.Context, req Request) string {
	return req.Reply(ctx, "Watching repos: "+formatList(s.repos.Repos()))
}

func (s *CommandService) order(ctx context.Context, req Request) string {
	item := strings.Join(req.Args, " ")
	if err := s.orders.Set(ctx, req.Caller, item); err != nil {
		slog.Error("saving order failed", "caller", req.Caller, "error", err)
		return req.Reply(ctx, fmt.Sprintf("Could not save your order: %v", err))
	}
	return req.Reply(ctx, "Got you down for "+item)
}

func (s *CommandService) listOrders(ctx context.Context, req Request) string {
	orders, err := s.orders.List(ctx)
	if err != nil {
		slog.Error("listing orders failed", "error", err)
		return req.Reply(ctx, fmt.Sprintf("Could not list orders: %v", err))
	}

	var b strings.Builder
	b.WriteString("What people want for lunch:")
	for _, o := range orders {
		fmt.Fprintf(&b, "\n%s : %s", o.Caller, o.Item)
	}
	return req.Reply(ctx, b.String())
}

// formatList renders names as a JSON array.
func formatList(names []string) string {
	if names == nil {
		names = []string{}
	}
	data, err := json.Marshal(names)
	if err != nil {
		return strings.Join(names, ", ")
	}
	return string(data)
}
