package janitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeJobs struct {
	deleted int64
	err     error
	calls   atomic.Int32
	lastNow time.Time
}

func (f *fakeJobs) DeleteExpiredJobs(_ context.Context, now time.Time) (int64, error) {
	f.calls.Add(1)
	f.lastNow = now
	return f.deleted, f.err
}

type fakeSessions struct {
	evicted int
	idle    time.Duration
}

func (f *fakeSessions) EvictIdle(idle time.Duration) int {
	f.idle = idle
	return f.evicted
}

func TestSweep(t *testing.T) {
	t.Parallel()
	jobs := &fakeJobs{deleted: 3}
	sessions := &fakeSessions{evicted: 2}
	j := New(jobs, sessions, 30*time.Minute, nil)
	fixed := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return fixed }

	report, err := j.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if report.ExpiredJobs != 3 || report.EvictedSessions != 2 {
		t.Fatalf("Sweep() = %+v", report)
	}
	if sessions.idle != 30*time.Minute {
		t.Errorf("EvictIdle called with %v", sessions.idle)
	}
	if !jobs.lastNow.Equal(fixed) {
		t.Errorf("DeleteExpiredJobs called with %v", jobs.lastNow)
	}
}

func TestSweepWithoutSessions(t *testing.T) {
	t.Parallel()
	jobs := &fakeJobs{err: errors.New("database is locked")}
	j := New(jobs, nil, time.Minute, nil)

	if _, err := j.Sweep(context.Background()); err == nil {
		t.Fatal("Sweep() swallowed the store error")
	}
}

func TestStartStopsWithContext(t *testing.T) {
	t.Parallel()
	jobs := &fakeJobs{}
	j := New(jobs, nil, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	j.Start(ctx, 10*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for jobs.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("janitor never swept")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
}

func TestEvictersSum(t *testing.T) {
	t.Parallel()
	a := &fakeSessions{evicted: 2}
	b := &fakeSessions{evicted: 5}
	j := New(&fakeJobs{}, Evicters{a, b}, 15*time.Minute, nil)

	report, err := j.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if report.EvictedSessions != 7 {
		t.Errorf("EvictedSessions = %d, want 7", report.EvictedSessions)
	}
	if a.idle != 15*time.Minute || b.idle != 15*time.Minute {
		t.Errorf("idle passed = %v, %v", a.idle, b.idle)
	}
}
