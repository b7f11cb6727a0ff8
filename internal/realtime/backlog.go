package realtime

import (
	"container/list"
	"sync"
	"time"

	"github.com/ashureev/echo-briefing/internal/delivery"
)

// DefaultBacklogSize is how many recent events each room keeps for replay.
const DefaultBacklogSize = 100

type backlogEntry struct {
	event delivery.Event
	at    time.Time
}

// Backlog keeps the most recent events of each room so a reconnecting
// observer can catch up. Each room gets its own bounded list so one busy
// session cannot evict another session's events.
type Backlog struct {
	mu      sync.Mutex
	rooms   map[string]*list.List
	lastID  int64
	maxSize int
	now     func() time.Time
}

// NewBacklog creates a backlog holding up to maxSize events per room.
func NewBacklog(maxSize int) *Backlog {
	if maxSize <= 0 {
		maxSize = DefaultBacklogSize
	}
	return &Backlog{
		rooms:   make(map[string]*list.List),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Append stores ev under the next event ID and returns the stored copy.
func (b *Backlog) Append(room string, ev delivery.Event) delivery.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastID++
	ev.ID = b.lastID

	l, ok := b.rooms[room]
	if !ok {
		l = list.New()
		b.rooms[room] = l
	}
	l.PushBack(&backlogEntry{event: ev, at: b.now()})
	for l.Len() > b.maxSize {
		l.Remove(l.Front())
	}
	return ev
}

// Since returns the room's events with an ID greater than afterID, oldest first.
func (b *Backlog) Since(room string, afterID int64) []delivery.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.rooms[room]
	if !ok {
		return nil
	}
	var missed []delivery.Event
	for e := l.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*backlogEntry)
		if entry.event.ID > afterID {
			missed = append(missed, entry.event)
		}
	}
	return missed
}

// Prune forgets a room's events.
func (b *Backlog) Prune(room string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rooms, room)
}

// EvictIdle forgets rooms whose newest event is older than idle and
// returns how many were removed.
func (b *Backlog) EvictIdle(idle time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-idle)
	evicted := 0
	for room, l := range b.rooms {
		back := l.Back()
		if back == nil || back.Value.(*backlogEntry).at.Before(cutoff) {
			delete(b.rooms, room)
			evicted++
		}
	}
	return evicted
}

// Rooms returns the number of rooms with buffered events.
func (b *Backlog) Rooms() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rooms)
}
