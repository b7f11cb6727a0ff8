package delivery

import "context"

// Event types pushed to realtime observers of a session.
const (
	EventStatus             = "status"
	EventError              = "error"
	EventGenerationStarted  = "generation_started"
	EventGenerationProgress = "generation_progress"
	EventGenerationComplete = "generation_complete"
	EventGenerationError    = "generation_error"
	EventFeedbackProcessing = "feedback_processing"
	EventFeedbackComplete   = "feedback_complete"
	EventFeedbackError      = "feedback_error"
)

// Event is one progress notification for a session room. ID is assigned by
// the realtime hub when the event is delivered and orders events within a room.
type Event struct {
	ID        int64          `json:"id,omitempty"`
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Notifier delivers events to the observers of a session. Delivery is best
// effort: implementations swallow failures and never block the caller for long.
type Notifier interface {
	Notify(ctx context.Context, userID, sessionID string, ev Event)
}

// NopNotifier drops every event.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(context.Context, string, string, Event) {}
