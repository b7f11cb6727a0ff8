package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/ashureev/echo-briefing/internal/delivery"
	"github.com/ashureev/echo-briefing/internal/domain"
	"github.com/ashureev/echo-briefing/internal/identity"
	"github.com/coder/websocket"
)

// JobSubmitter queues background briefing verbs.
type JobSubmitter interface {
	Submit(ctx context.Context, req delivery.JobRequest) (*domain.GenerationJob, error)
}

// LastSeenUpdater records client activity.
type LastSeenUpdater interface {
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error
}

// WebSocketHandler serves the briefing realtime endpoint.
type WebSocketHandler struct {
	hub            *Hub
	jobs           JobSubmitter
	users          LastSeenUpdater
	allowedOrigins []string
	isDev          bool
	logger         *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(hub *Hub, jobs JobSubmitter, users LastSeenUpdater, allowedOrigins []string, isDev bool, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		hub:            hub,
		jobs:           jobs,
		users:          users,
		allowedOrigins: allowedOrigins,
		isDev:          isDev,
		logger:         logger,
	}
}

// clientMessage is a message sent by the browser.
type clientMessage struct {
	Type         string `json:"type"`
	SessionID    string `json:"session_id,omitempty"`
	LastEventID  int64  `json:"last_event_id,omitempty"`
	Requirements string `json:"requirements,omitempty"`
	ImageURL     string `json:"image_url,omitempty"`
	Feedback     string `json:"feedback,omitempty"`
}

// connObserver adapts a websocket connection to Observer.
type connObserver struct {
	conn *websocket.Conn
}

func (o *connObserver) Send(ctx context.Context, ev delivery.Event) error {
	data, err := json.Marshal(wire(ev))
	if err != nil {
		return err
	}
	return o.conn.Write(ctx, websocket.MessageText, data)
}

// wire flattens an event into the JSON object sent to clients.
func wire(ev delivery.Event) map[string]any {
	out := make(map[string]any, len(ev.Data)+3)
	for k, v := range ev.Data {
		out[k] = v
	}
	out["type"] = ev.Type
	if ev.ID > 0 {
		out["event_id"] = ev.ID
	}
	if ev.SessionID != "" {
		out["session_id"] = ev.SessionID
	}
	if ev.RequestID != "" {
		out["request_id"] = ev.RequestID
	}
	return out
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	h.logger.Info("WebSocket connection request", "user_id", userID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "connection ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	obs := &connObserver{conn: ws}
	c := &wsClient{
		h:         h,
		obs:       obs,
		userID:    userID,
		sessionID: identity.SessionIDFromContext(r.Context()),
	}
	defer c.leave()

	c.readLoop(r.Context())
	h.logger.Info("Briefing observer disconnected", "user_id", userID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(h.allowedOrigins, "*") || slices.Contains(h.allowedOrigins, origin) {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigins)
	return false
}

// wsClient is the per-connection state: the observer and the room it joined.
type wsClient struct {
	h         *WebSocketHandler
	obs       *connObserver
	userID    string
	sessionID string
	joined    bool
}

func (c *wsClient) readLoop(ctx context.Context) {
	for {
		_, message, err := c.obs.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				c.h.logger.Debug("WebSocket closed by client", "user_id", c.userID)
			} else {
				c.h.logger.Debug("WebSocket read error", "error", err, "user_id", c.userID)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.reply(ctx, delivery.EventError, map[string]any{"message": "Invalid message format"})
			continue
		}
		c.dispatch(ctx, msg)
		c.touch()
	}
}

func (c *wsClient) dispatch(ctx context.Context, msg clientMessage) {
	switch msg.Type {
	case "join_session":
		c.leave()
		if msg.SessionID != "" {
			c.sessionID = identity.SanitizeSessionID(msg.SessionID)
		}
		missed := c.joinFrom(msg.LastEventID)
		c.reply(ctx, delivery.EventStatus, map[string]any{
			"message": "Joined session " + c.sessionID,
			"missed":  len(missed),
		})
		for _, ev := range missed {
			c.forward(ctx, ev)
		}
	case "leave_session":
		c.leave()
		c.reply(ctx, delivery.EventStatus, map[string]any{"message": "Left session " + c.sessionID})
	case "ping":
		c.reply(ctx, "pong", nil)
	case "start_realtime_generation":
		c.submit(ctx, delivery.JobRequest{
			Kind:         domain.JobGenerate,
			Requirements: msg.Requirements,
		})
	case "realtime_feedback":
		c.submit(ctx, delivery.JobRequest{
			Kind:     domain.JobFeedback,
			ImageURL: msg.ImageURL,
			Feedback: msg.Feedback,
		})
	default:
		c.reply(ctx, delivery.EventError, map[string]any{"message": "Unknown message type: " + msg.Type})
	}
}

// submit queues a job for the current session. The connection joins the
// session room first so it sees every progress event.
func (c *wsClient) submit(ctx context.Context, req delivery.JobRequest) {
	c.join()
	req.UserID = c.userID
	req.SessionID = c.sessionID

	job, err := c.h.jobs.Submit(ctx, req)
	if err != nil {
		c.reply(ctx, delivery.EventError, map[string]any{"message": err.Error()})
		return
	}
	c.reply(ctx, delivery.EventStatus, map[string]any{
		"message":    "Request queued",
		"request_id": job.RequestID,
	})
}

func (c *wsClient) join() {
	if c.joined {
		return
	}
	c.joinFrom(0)
}

// joinFrom joins the current room and returns the events missed since afterID.
func (c *wsClient) joinFrom(afterID int64) []delivery.Event {
	missed := c.h.hub.JoinFrom(c.userID, c.sessionID, c.obs, afterID)
	c.joined = true
	return missed
}

func (c *wsClient) leave() {
	if !c.joined {
		return
	}
	c.h.hub.Leave(c.userID, c.sessionID, c.obs)
	c.joined = false
}

func (c *wsClient) reply(ctx context.Context, eventType string, data map[string]any) {
	c.forward(ctx, delivery.Event{Type: eventType, SessionID: c.sessionID, Data: data})
}

func (c *wsClient) forward(ctx context.Context, ev delivery.Event) {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := c.obs.Send(sendCtx, ev); err != nil {
		c.h.logger.Debug("Failed to send websocket reply", "type", ev.Type, "error", err)
	}
}

// touch updates last seen asynchronously with timeout.
func (c *wsClient) touch() {
	if c.h.users == nil {
		return
	}
	go func() {
		updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.h.users.UpdateLastSeen(updateCtx, c.userID, time.Now()); err != nil {
			c.h.logger.Warn("Failed to update last seen", "error", err)
		}
	}()
}
