package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/ashureev/echo-briefing/internal/delivery"
)

func TestBacklogBoundedPerRoom(t *testing.T) {
	t.Parallel()
	b := NewBacklog(2)

	for i := 0; i < 3; i++ {
		b.Append("u1:s1", delivery.Event{Type: delivery.EventStatus})
	}
	b.Append("u1:s2", delivery.Event{Type: delivery.EventError})

	got := b.Since("u1:s1", 0)
	if len(got) != 2 {
		t.Fatalf("Since() returned %d events, want 2", len(got))
	}
	if got[0].ID != 2 || got[1].ID != 3 {
		t.Errorf("kept IDs %d,%d, want 2,3", got[0].ID, got[1].ID)
	}
	if other := b.Since("u1:s2", 0); len(other) != 1 || other[0].ID != 4 {
		t.Errorf("other room = %+v", other)
	}
	if after := b.Since("u1:s1", 2); len(after) != 1 || after[0].ID != 3 {
		t.Errorf("Since(2) = %+v", after)
	}
	if none := b.Since("u9:s9", 0); none != nil {
		t.Errorf("unknown room = %+v", none)
	}
}

func TestBacklogEvictIdle(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	b := NewBacklog(0)
	b.now = func() time.Time { return now }

	b.Append("u1:old", delivery.Event{Type: delivery.EventStatus})
	now = now.Add(30 * time.Minute)
	b.Append("u1:new", delivery.Event{Type: delivery.EventStatus})

	if n := b.EvictIdle(10 * time.Minute); n != 1 {
		t.Fatalf("EvictIdle() = %d, want 1", n)
	}
	if b.Rooms() != 1 || len(b.Since("u1:new", 0)) != 1 {
		t.Error("recent room was evicted")
	}

	b.Prune("u1:new")
	if b.Rooms() != 0 {
		t.Errorf("Rooms() after Prune = %d", b.Rooms())
	}
}

func TestHubJoinFromReplaysMissedEvents(t *testing.T) {
	t.Parallel()
	hub := NewHub(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	for _, typ := range []string{delivery.EventGenerationStarted, delivery.EventGenerationProgress, delivery.EventGenerationComplete} {
		hub.Notify(ctx, "u1", "s1", delivery.Event{Type: typ})
	}

	late := newChanObserver()
	if missed := hub.JoinFrom("u1", "s1", late, 0); missed != nil {
		t.Fatalf("JoinFrom(0) replayed %d events", len(missed))
	}
	hub.Leave("u1", "s1", late)

	missed := hub.JoinFrom("u1", "s1", late, 1)
	if len(missed) != 2 {
		t.Fatalf("JoinFrom(1) replayed %d events, want 2", len(missed))
	}
	if missed[0].Type != delivery.EventGenerationProgress || missed[1].Type != delivery.EventGenerationComplete {
		t.Errorf("replay order = %s, %s", missed[0].Type, missed[1].Type)
	}

	hub.Notify(ctx, "u1", "s1", delivery.Event{Type: delivery.EventStatus})
	if ev := late.next(t); ev.ID != 4 {
		t.Errorf("live event ID = %d, want 4", ev.ID)
	}
}
