package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/exfm/bob/internal/domain/port/driven"
)

// UnknownCaller is the caller identity the dispatcher uses when it falls back
// to the list command for an unregistered name.
const UnknownCaller = "unknown"

// Variadic as Arity.Max accepts any number of arguments above Min.
const Variadic = -1

// ErrMalformedEnvelope is returned by ParseEnvelope when the delivery has too
// few tokens to carry a command.
var ErrMalformedEnvelope = errors.New("malformed command envelope")

// Responder sends a command's output back over the channel the command came
// from.
type Responder interface {
	Respond(ctx context.Context, text string) error
}

// Arity bounds the number of positional arguments a command accepts.
type Arity struct {
	Min int
	Max int
}

// Accepts reports whether n arguments satisfy the arity.
func (a Arity) Accepts(n int) bool {
	return n >= a.Min && (a.Max == Variadic || n <= a.Max)
}

// Request is a single command invocation.
type Request struct {
	Caller    string
	Args      []string
	Responder Responder
	// Unknown holds the unregistered name this request stands in for when
	// the dispatcher fell back to the list command.
	Unknown string
}

// Reply sends text through the request's responder and returns it. Delivery
// failures are logged, not returned.
func (r Request) Reply(ctx context.Context, text string) string {
	if r.Responder == nil {
		return text
	}
	if err := r.Responder.Respond(ctx, text); err != nil {
		slog.Warn("reply not delivered", "caller", r.Caller, "error", err)
	}
	return text
}

// HandlerFunc executes a command and returns its response text.
type HandlerFunc func(ctx context.Context, req Request) string

// Command is a registry entry.
type Command struct {
	Name        string
	Description string
	// Usage describes the arguments, e.g. "<repo> <host>".
	Usage   string
	Arity   Arity
	Handler HandlerFunc
}

// Registry maps command names to commands. Lookups are exact and case-sensitive.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]Command
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]Command)}
}

// Register adds cmd. A later registration under the same name replaces the
// earlier one.
func (r *Registry) Register(cmd Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[cmd.Name] = cmd
}

// Lookup returns the command registered under name.
func (r *Registry) Lookup(name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[name]
	return cmd, ok
}

// Commands returns every registered command sorted by name.
func (r *Registry) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cmds := make([]Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		cmds = append(cmds, cmd)
	}
	slices.SortFunc(cmds, func(a, b Command) int { return strings.Compare(a.Name, b.Name) })
	return cmds
}

// Dispatch runs the command registered under name and returns its response.
// Unregistered names run the list command as caller UnknownCaller with the
// unknown name prepended to args and recorded in Request.Unknown.
func (r *Registry) Dispatch(ctx context.Context, name, caller string, args []string, responder Responder) string {
	var unknown string
	cmd, ok := r.Lookup(name)
	if !ok {
		slog.Debug("unknown command", "name", name, "caller", caller)
		list, found := r.Lookup("list")
		if !found {
			return Request{Caller: caller, Responder: responder}.Reply(ctx, fmt.Sprintf("Unknown command %s", name))
		}
		cmd = list
		args = append([]string{name}, args...)
		caller = UnknownCaller
		unknown = name
	}

	req := Request{Caller: caller, Args: args, Responder: responder, Unknown: unknown}
	if !cmd.Arity.Accepts(len(args)) {
		return req.Reply(ctx, usage(cmd))
	}

	slog.Info("dispatching command", "name", cmd.Name, "caller", caller, "args", len(args))
	return cmd.Handler(ctx, req)
}

func usage(cmd Command) string {
	if cmd.Usage == "" {
		return "usage: " + cmd.Name
	}
	return "usage: " + cmd.Name + " " + cmd.Usage
}

// ParseLine splits a line of console input into a command name and its
// arguments. Tokens are separated by single spaces; there is no quoting.
func ParseLine(line string) (string, []string) {
	line = strings.TrimRight(line, "\r\n")
	tokens := strings.Split(line, " ")
	return tokens[0], tokens[1:]
}

// Envelope is a command extracted from a chat delivery.
type Envelope struct {
	Caller string
	Name   string
	Args   []string
}

// ParseEnvelope extracts caller, command name and arguments from a chat
// delivery body such as "[alice] bob deploy api web1". The caller is token 0
// with its brackets removed; the command name sits at commandIndex.
func ParseEnvelope(body string, commandIndex int) (Envelope, error) {
	tokens := strings.Split(strings.TrimRight(body, "\r\n"), " ")
	if commandIndex < 1 || len(tokens) <= commandIndex {
		return Envelope{}, fmt.Errorf("%w: need at least %d tokens, got %d", ErrMalformedEnvelope, commandIndex+1, len(tokens))
	}

	caller := strings.NewReplacer("[", "", "]", "").Replace(tokens[0])
	return Envelope{
		Caller: caller,
		Name:   tokens[commandIndex],
		Args:   tokens[commandIndex+1:],
	}, nil
}

// ChatResponder replies by posting to the team chat.
type ChatResponder struct {
	notifier driven.Notifier
}

// NewChatResponder creates a ChatResponder posting through notifier.
func NewChatResponder(notifier driven.Notifier) *ChatResponder {
	return &ChatResponder{notifier: notifier}
}

// Respond posts text to the chat.
func (c *ChatResponder) Respond(ctx context.Context, text string) error {
	return c.notifier.Notify(ctx, text)
}
