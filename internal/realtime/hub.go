// Package realtime pushes briefing progress events to WebSocket and SSE
// observers grouped into per-session rooms.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/echo-briefing/internal/delivery"
)

const (
	sendTimeout       = 5 * time.Second
	observerQueueSize = 64
)

var errObserverLagging = errors.New("observer queue full")

// Observer receives the events of the rooms it joined.
type Observer interface {
	Send(ctx context.Context, ev delivery.Event) error
}

// Broker carries events between server instances. Without a broker the hub
// delivers to its own observers only.
type Broker interface {
	Publish(ctx context.Context, room string, ev delivery.Event) error
	Subscribe(ctx context.Context, deliver func(room string, ev delivery.Event)) (io.Closer, error)
}

// outbox holds the events waiting for one observer. Each outbox is drained
// by its own goroutine, so a slow peer only delays itself.
type outbox struct {
	obs    Observer
	events chan delivery.Event
	ctx    context.Context
	cancel context.CancelFunc
}

func newOutbox(obs Observer, size int) *outbox {
	ctx, cancel := context.WithCancel(context.Background())
	return &outbox{
		obs:    obs,
		events: make(chan delivery.Event, size),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (o *outbox) push(ev delivery.Event) bool {
	select {
	case o.events <- ev:
		return true
	default:
		return false
	}
}

// Hub tracks the observers of each session room.
type Hub struct {
	mu        sync.RWMutex
	rooms     map[string]map[Observer]*outbox
	backlog   *Backlog
	broker    Broker
	sub       io.Closer
	queueSize int
	logger    *slog.Logger
}

// NewHub creates a hub. broker may be nil.
func NewHub(broker Broker, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:     make(map[string]map[Observer]*outbox),
		backlog:   NewBacklog(DefaultBacklogSize),
		broker:    broker,
		queueSize: observerQueueSize,
		logger:    logger,
	}
}

// RoomKey names the room of one briefing session.
func RoomKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}

// Start subscribes to the broker. It is a no-op without one.
func (h *Hub) Start(ctx context.Context) error {
	if h.broker == nil {
		return nil
	}
	sub, err := h.broker.Subscribe(ctx, h.deliver)
	if err != nil {
		return fmt.Errorf("subscribe to realtime broker: %w", err)
	}
	h.mu.Lock()
	h.sub = sub
	h.mu.Unlock()
	return nil
}

// Close stops the broker subscription and forgets every observer.
func (h *Hub) Close() error {
	h.mu.Lock()
	sub := h.sub
	h.sub = nil
	for _, members := range h.rooms {
		for _, box := range members {
			box.cancel()
		}
	}
	h.rooms = make(map[string]map[Observer]*outbox)
	h.mu.Unlock()

	if sub != nil {
		return sub.Close()
	}
	return nil
}

// Join adds obs to the session room.
func (h *Hub) Join(userID, sessionID string, obs Observer) {
	h.JoinFrom(userID, sessionID, obs, 0)
}

// JoinFrom adds obs to the session room and returns the buffered events
// with an ID greater than afterID. No events are returned when afterID is
// zero. Every later event reaches obs live, so nothing is both replayed and
// delivered.
func (h *Hub) JoinFrom(userID, sessionID string, obs Observer, afterID int64) []delivery.Event {
	room := RoomKey(userID, sessionID)
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[Observer]*outbox)
		h.rooms[room] = members
	}
	if _, ok := members[obs]; !ok {
		box := newOutbox(obs, h.queueSize)
		members[obs] = box
		go h.drain(room, box)
	}
	h.logger.Debug("observer joined room", "user_id", userID, "session_id", sessionID, "after_id", afterID)

	if afterID <= 0 {
		return nil
	}
	return h.backlog.Since(room, afterID)
}

// Leave removes obs from the session room.
func (h *Hub) Leave(userID, sessionID string, obs Observer) {
	h.remove(RoomKey(userID, sessionID), obs)
}

// Observers returns the number of observers in the session room.
func (h *Hub) Observers(userID, sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[RoomKey(userID, sessionID)])
}

// EvictIdle drops the replay buffers of rooms without events for idle.
func (h *Hub) EvictIdle(idle time.Duration) int {
	return h.backlog.EvictIdle(idle)
}

// Notify implements delivery.Notifier. Failures are logged and dropped.
func (h *Hub) Notify(ctx context.Context, userID, sessionID string, ev delivery.Event) {
	room := RoomKey(userID, sessionID)
	if h.broker == nil {
		h.deliver(room, ev)
		return
	}
	if err := h.broker.Publish(ctx, room, ev); err != nil {
		h.logger.Warn("failed to publish realtime event",
			"user_id", userID,
			"session_id", sessionID,
			"type", ev.Type,
			"error", err)
	}
}

// deliver records ev in the room backlog and queues it for every local
// observer of room. It never waits on an observer: one whose queue is full
// is removed, as is one whose send fails.
func (h *Hub) deliver(room string, ev delivery.Event) {
	h.mu.Lock()
	ev = h.backlog.Append(room, ev)
	boxes := make([]*outbox, 0, len(h.rooms[room]))
	for _, box := range h.rooms[room] {
		boxes = append(boxes, box)
	}
	h.mu.Unlock()

	for _, box := range boxes {
		if !box.push(ev) {
			h.drop(room, box, ev, errObserverLagging)
		}
	}
}

// drain sends queued events to one observer in order until the observer
// leaves or a send fails.
func (h *Hub) drain(room string, box *outbox) {
	for {
		select {
		case <-box.ctx.Done():
			return
		case ev := <-box.events:
			ctx, cancel := context.WithTimeout(box.ctx, sendTimeout)
			err := box.obs.Send(ctx, ev)
			cancel()
			if err != nil {
				if box.ctx.Err() == nil {
					h.drop(room, box, ev, err)
				}
				return
			}
		}
	}
}

func (h *Hub) drop(room string, box *outbox, ev delivery.Event, err error) {
	h.logger.Debug("dropping realtime observer", "room", room, "type", ev.Type, "error", err)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room][box.obs] == box {
		h.removeLocked(room, box.obs)
	}
}

func (h *Hub) remove(room string, obs Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(room, obs)
}

func (h *Hub) removeLocked(room string, obs Observer) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	if box, ok := members[obs]; ok {
		box.cancel()
		delete(members, obs)
	}
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

var _ delivery.Notifier = (*Hub)(nil)
