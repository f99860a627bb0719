// Package httphandler serves bob's two internal HTTP listeners: the command
// listener chat integrations deliver to, and the event listener GitHub
// delivers hooks to.
package httphandler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/exfm/bob/internal/application"
)

const healthPath = "/api/v1/health"

// Dispatcher runs a parsed command.
type Dispatcher interface {
	Dispatch(ctx context.Context, name, caller string, args []string, responder application.Responder) string
}

// CommandHandler turns chat deliveries into dispatched commands.
type CommandHandler struct {
	dispatcher   Dispatcher
	responder    application.Responder
	commandIndex int
	logger       *slog.Logger
}

// NewCommandHandler creates a CommandHandler. Replies go out through
// responder; commandIndex is the token position of the command name in a
// delivery body.
func NewCommandHandler(dispatcher Dispatcher, responder application.Responder, commandIndex int, logger *slog.Logger) *CommandHandler {
	return &CommandHandler{
		dispatcher:   dispatcher,
		responder:    responder,
		commandIndex: commandIndex,
		logger:       logger,
	}
}

// NewCommandMux creates the command listener's http.Handler with all routes
// registered and wrapped with logging and recovery middleware.
func NewCommandMux(h *CommandHandler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/{$}", h.Command)
	mux.HandleFunc("GET "+healthPath, h.Health)

	return wrap(logger, "command", mux)
}

// Command dispatches the command carried in the "body" field of a form
// post or query string and responds with the command's output.
func (h *CommandHandler) Command(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := r.ParseForm(); err != nil {
		writeText(w, http.StatusBadRequest, "invalid form body")
		return
	}

	body := r.Form.Get("body")
	if body == "" {
		writeText(w, http.StatusBadRequest, "missing body")
		return
	}

	env, err := application.ParseEnvelope(body, h.commandIndex)
	if err != nil {
		h.logger.Debug("ignoring delivery without a command", "body", body, "error", err)
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}

	text := h.dispatcher.Dispatch(r.Context(), env.Name, env.Caller, env.Args, h.responder)
	writeText(w, http.StatusOK, text)
}

// Health returns a simple health check response.
func (h *CommandHandler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}
