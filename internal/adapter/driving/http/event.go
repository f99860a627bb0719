package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/exfm/bob/internal/application"
	"github.com/exfm/bob/internal/domain/model"
	"github.com/exfm/bob/internal/domain/port/driven"
)

// maxEventBodySize bounds a delivery. GitHub's documented maximum is ~25 MB
// for push events with large commit histories.
const maxEventBodySize = 32 << 20

// EventPublisher hands a received event to its subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, event model.Event) error
}

// EventHandler receives GitHub hook deliveries.
type EventHandler struct {
	publisher  EventPublisher
	deliveries driven.DeliveryStore
	logger     *slog.Logger
	now        func() time.Time
}

// NewEventHandler creates an EventHandler. deliveries may be nil, which
// disables replay protection.
func NewEventHandler(publisher EventPublisher, deliveries driven.DeliveryStore, logger *slog.Logger) *EventHandler {
	return &EventHandler{
		publisher:  publisher,
		deliveries: deliveries,
		logger:     logger,
		now:        time.Now,
	}
}

// NewEventMux creates the event listener's http.Handler. Deliveries are
// accepted with POST on path only.
func NewEventMux(h *EventHandler, path string, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST "+path, h.Receive)

	return wrap(logger, "event", mux)
}

// eventPayload is the part of a delivery bob looks at. Everything else is
// passed along opaque.
type eventPayload struct {
	Action     string `json:"action"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
}

// Receive accepts one delivery. Hooks are registered with the form content
// type, so the JSON document normally arrives in the "payload" form field;
// raw JSON bodies are accepted too.
func (h *EventHandler) Receive(w http.ResponseWriter, r *http.Request) {
	kind := r.Header.Get("X-GitHub-Event")
	if kind == "" {
		writeError(w, http.StatusBadRequest, "missing X-GitHub-Event header")
		return
	}
	deliveryID := r.Header.Get("X-GitHub-Delivery")
	if deliveryID == "" {
		deliveryID = uuid.NewString()
		h.logger.Debug("delivery without id, generated one", "delivery_id", deliveryID)
	}

	payload, err := readPayload(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var parsed eventPayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	if model.EventKind(kind) == model.EventKindPing {
		h.logger.Info("ping received", "repo", parsed.Repository.FullName, "delivery_id", deliveryID)
		writeJSON(w, http.StatusOK, EventAckResponse{Status: "pong", DeliveryID: deliveryID})
		return
	}
	if parsed.Repository.FullName == "" {
		writeError(w, http.StatusBadRequest, "payload has no repository")
		return
	}

	event := model.Event{
		DeliveryID: deliveryID,
		Repo:       parsed.Repository.FullName,
		Kind:       model.EventKind(kind),
		Action:     parsed.Action,
		Sender:     parsed.Sender.Login,
		Payload:    payload,
		ReceivedAt: h.now().UTC(),
	}

	if h.deliveries != nil {
		err := h.deliveries.Record(r.Context(), event)
		if errors.Is(err, driven.ErrDuplicateDelivery) {
			// 200 so GitHub doesn't retry.
			h.logger.Debug("duplicate delivery, ignoring", "delivery_id", deliveryID, "event", kind)
			writeJSON(w, http.StatusOK, EventAckResponse{Status: "duplicate", DeliveryID: deliveryID})
			return
		}
		if err != nil {
			h.logger.Error("recording delivery failed", "delivery_id", deliveryID, "error", err)
		}
	}

	if err := h.publisher.Publish(r.Context(), event); err != nil {
		if errors.Is(err, application.ErrNotWatched) {
			h.logger.Info("event for unwatched repository ignored", "repo", event.Repo, "event", kind)
			writeJSON(w, http.StatusAccepted, EventAckResponse{Status: "ignored", DeliveryID: deliveryID})
			return
		}
		h.logger.Error("publishing event failed", "repo", event.Repo, "delivery_id", deliveryID, "error", err)
		h.forget(r.Context(), deliveryID)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("event received", "repo", event.Repo, "event", kind, "action", event.Action, "delivery_id", deliveryID)
	writeJSON(w, http.StatusOK, EventAckResponse{Status: "accepted", DeliveryID: deliveryID})
}

// forget un-records a delivery that was not handed on, so GitHub's
// redelivery is processed instead of being answered as a duplicate.
func (h *EventHandler) forget(ctx context.Context, deliveryID string) {
	if h.deliveries == nil {
		return
	}
	if err := h.deliveries.Forget(context.WithoutCancel(ctx), deliveryID); err != nil {
		h.logger.Error("forgetting delivery failed", "delivery_id", deliveryID, "error", err)
	}
}

// readPayload returns the JSON document of a delivery.
func readPayload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxEventBodySize)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" {
		if err := r.ParseForm(); err != nil {
			return nil, errors.New("invalid form body")
		}
		payload := r.PostForm.Get("payload")
		if payload == "" {
			return nil, errors.New("missing payload field")
		}
		return []byte(payload), nil
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errors.New("unreadable body")
	}
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	return body, nil
}
