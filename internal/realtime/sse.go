package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/echo-briefing/internal/delivery"
	"github.com/ashureev/echo-briefing/internal/identity"
)

const (
	defaultKeepalive = 10 * time.Second
	sseRetryDelay    = 5 * time.Second
	sseQueueSize     = 32
)

var errStreamClosed = errors.New("event stream closed")

// SSEHandler streams a session's events as Server-Sent Events. Clients that
// reconnect with Last-Event-ID receive the events they missed.
type SSEHandler struct {
	hub       *Hub
	keepalive time.Duration
	logger    *slog.Logger
}

// NewSSEHandler creates an SSE handler. A zero keepalive uses 10s.
func NewSSEHandler(hub *Hub, keepalive time.Duration, logger *slog.Logger) *SSEHandler {
	if keepalive <= 0 {
		keepalive = defaultKeepalive
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEHandler{hub: hub, keepalive: keepalive, logger: logger}
}

// sseObserver queues events for the handler goroutine, which owns the writer.
type sseObserver struct {
	events chan delivery.Event
	done   chan struct{}
}

func (o *sseObserver) Send(ctx context.Context, ev delivery.Event) error {
	select {
	case o.events <- ev:
		return nil
	case <-o.done:
		return errStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeHTTP implements http.Handler.
func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", sseRetryDelay.Milliseconds()); err != nil {
		h.logger.Warn("failed to write SSE retry header", "error", err, "user_id", userID)
		return
	}

	obs := &sseObserver{
		events: make(chan delivery.Event, sseQueueSize),
		done:   make(chan struct{}),
	}
	missed := h.hub.JoinFrom(userID, sessionID, obs, lastEventID)
	defer func() {
		close(obs.done)
		h.hub.Leave(userID, sessionID, obs)
		h.logger.Info("SSE connection closed", "user_id", userID, "session_id", sessionID)
	}()

	connected, _ := json.Marshal(map[string]any{
		"status":     "connected",
		"session_id": sessionID,
		"missed":     len(missed),
	})
	if err := writeSSE(w, "connected", string(connected)); err != nil {
		return
	}
	for _, ev := range missed {
		if err := writeEvent(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()

	h.logger.Info("SSE connection established",
		"user_id", userID,
		"session_id", sessionID,
		"reconnect", lastEventID > 0,
		"replayed", len(missed),
	)

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-obs.events:
			if err := writeEvent(w, ev); err != nil {
				h.logger.Debug("failed to write SSE event", "error", err, "user_id", userID)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				h.logger.Debug("failed to write SSE keepalive ping", "error", err, "user_id", userID)
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, ev delivery.Event) error {
	data, err := json.Marshal(wire(ev))
	if err != nil {
		return err
	}
	return writeSSEWithID(w, ev.ID, ev.Type, string(data))
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
