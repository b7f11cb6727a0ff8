// Package janitor periodically removes expired job records and evicts idle
// briefing sessions and event backlogs from memory.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultInterval is how often the background worker sweeps.
const DefaultInterval = 5 * time.Minute

// JobPurger deletes job records whose TTL passed.
type JobPurger interface {
	DeleteExpiredJobs(ctx context.Context, now time.Time) (int64, error)
}

// IdleEvicter drops in-memory sessions unused for longer than idle.
type IdleEvicter interface {
	EvictIdle(idle time.Duration) int
}

// Evicters combines several caches into one IdleEvicter.
type Evicters []IdleEvicter

// EvictIdle evicts from every member and returns the total.
func (es Evicters) EvictIdle(idle time.Duration) int {
	total := 0
	for _, e := range es {
		total += e.EvictIdle(idle)
	}
	return total
}

// Report summarizes one sweep.
type Report struct {
	ExpiredJobs     int64
	EvictedSessions int
}

// Janitor sweeps expired state. Sessions may be nil when no in-memory
// cache exists, as in the operator CLI.
type Janitor struct {
	jobs     JobPurger
	sessions IdleEvicter
	idleTTL  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a janitor.
func New(jobs JobPurger, sessions IdleEvicter, idleTTL time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		jobs:     jobs,
		sessions: sessions,
		idleTTL:  idleTTL,
		logger:   logger,
		now:      time.Now,
	}
}

// Sweep runs one pass.
func (j *Janitor) Sweep(ctx context.Context) (Report, error) {
	var report Report
	if j.sessions != nil && j.idleTTL > 0 {
		report.EvictedSessions = j.sessions.EvictIdle(j.idleTTL)
	}

	deleted, err := j.jobs.DeleteExpiredJobs(ctx, j.now())
	if err != nil {
		return report, fmt.Errorf("delete expired jobs: %w", err)
	}
	report.ExpiredJobs = deleted
	return report, nil
}

// Start runs a background goroutine that sweeps every interval until ctx
// is cancelled.
func (j *Janitor) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		j.logger.Info("Janitor started", "interval", interval, "session_idle_ttl", j.idleTTL)

		for {
			select {
			case <-ticker.C:
				report, err := j.Sweep(ctx)
				if err != nil {
					j.logger.Error("Janitor sweep failed", "error", err)
					continue
				}
				if report.ExpiredJobs > 0 || report.EvictedSessions > 0 {
					j.logger.Info("Janitor sweep completed",
						"expired_jobs", report.ExpiredJobs,
						"evicted_sessions", report.EvictedSessions)
				}
			case <-ctx.Done():
				j.logger.Info("Janitor shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
