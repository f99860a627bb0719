package application_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exfm/bob/internal/application"
)

func echoCommand(name, description string) application.Command {
	return application.Command{
		Name:        name,
		Description: description,
		Arity:       application.Arity{Min: 0, Max: application.Variadic},
		Handler: func(ctx context.Context, req application.Request) string {
			return req.Reply(ctx, description)
		},
	}
}

func TestRegistry_LastRegistrationWins(t *testing.T) {
	registry := application.NewRegistry()
	registry.Register(echoCommand("greet", "first"))
	registry.Register(echoCommand("greet", "second"))

	got := registry.Dispatch(context.Background(), "greet", "alice", nil, nil)

	assert.Equal(t, "second", got)
	assert.Len(t, registry.Commands(), 1)
}

func TestRegistry_CaseSensitive(t *testing.T) {
	registry := application.NewRegistry()
	registry.Register(echoCommand("greet", "hello"))

	_, ok := registry.Lookup("Greet")
	assert.False(t, ok)

	got := registry.Dispatch(context.Background(), "GREET", "alice", nil, nil)
	assert.Equal(t, "Unknown command GREET", got)
}

func TestRegistry_ArityViolationRepliesUsage(t *testing.T) {
	registry := application.NewRegistry()
	called := false
	registry.Register(application.Command{
		Name:  "deploy",
		Usage: "<repo> <host>",
		Arity: application.Arity{Min: 2, Max: 2},
		Handler: func(_ context.Context, _ application.Request) string {
			called = true
			return ""
		},
	})
	responder := &recordingResponder{}

	got := registry.Dispatch(context.Background(), "deploy", "alice", []string{"api"}, responder)

	assert.False(t, called)
	assert.Equal(t, "usage: deploy <repo> <host>", got)
	assert.Equal(t, []string{got}, responder.all())
}

func TestRegistry_UnknownFallsBackToList(t *testing.T) {
	registry := application.NewRegistry()
	var gotReq application.Request
	registry.Register(application.Command{
		Name:  "list",
		Arity: application.Arity{Min: 0, Max: application.Variadic},
		Handler: func(_ context.Context, req application.Request) string {
			gotReq = req
			return "listed"
		},
	})

	got := registry.Dispatch(context.Background(), "bogus", "alice", []string{"a", "b"}, nil)

	assert.Equal(t, "listed", got)
	assert.Equal(t, application.UnknownCaller, gotReq.Caller)
	assert.Equal(t, []string{"bogus", "a", "b"}, gotReq.Args)
	assert.Equal(t, "bogus", gotReq.Unknown)
}

func TestArity_Accepts(t *testing.T) {
	tests := []struct {
		arity application.Arity
		n     int
		want  bool
	}{
		{application.Arity{Min: 0, Max: 0}, 0, true},
		{application.Arity{Min: 0, Max: 0}, 1, false},
		{application.Arity{Min: 1, Max: application.Variadic}, 0, false},
		{application.Arity{Min: 1, Max: application.Variadic}, 9, true},
		{application.Arity{Min: 2, Max: 2}, 2, true},
		{application.Arity{Min: 2, Max: 2}, 3, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.arity.Accepts(tt.n), "%+v with %d args", tt.arity, tt.n)
	}
}

func TestParseLine(t *testing.T) {
	name, args := application.ParseLine("deploy api web1\n")
	assert.Equal(t, "deploy", name)
	assert.Equal(t, []string{"api", "web1"}, args)

	name, args = application.ParseLine("repos\r\n")
	assert.Equal(t, "repos", name)
	assert.Empty(t, args)

	// Single-space separation only: a double space yields an empty token.
	_, args = application.ParseLine("echo a  b")
	assert.Equal(t, []string{"a", "", "b"}, args)
}

func TestParseEnvelope(t *testing.T) {
	env, err := application.ParseEnvelope("[alice] bob deploy api web1", 2)

	require.NoError(t, err)
	assert.Equal(t, "alice", env.Caller)
	assert.Equal(t, "deploy", env.Name)
	assert.Equal(t, []string{"api", "web1"}, env.Args)
}

func TestParseEnvelope_CustomIndex(t *testing.T) {
	env, err := application.ParseEnvelope("alice repos", 1)

	require.NoError(t, err)
	assert.Equal(t, "alice", env.Caller)
	assert.Equal(t, "repos", env.Name)
	assert.Empty(t, env.Args)
}

func TestParseEnvelope_TooShort(t *testing.T) {
	_, err := application.ParseEnvelope("[alice] bob", 2)

	require.Error(t, err)
	assert.ErrorIs(t, err, application.ErrMalformedEnvelope)
}

type stubNotifier struct {
	texts []string
}

func (s *stubNotifier) Notify(_ context.Context, text string) error {
	s.texts = append(s.texts, text)
	return nil
}

func TestChatResponder(t *testing.T) {
	notifier := &stubNotifier{}
	responder := application.NewChatResponder(notifier)

	require.NoError(t, responder.Respond(context.Background(), "hello"))
	assert.Equal(t, []string{"hello"}, notifier.texts)
}
