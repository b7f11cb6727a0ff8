// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/echo-briefing/internal/domain"
)

// ErrJobFinalized is returned when a terminal job is updated again.
var ErrJobFinalized = errors.New("job already finalized")

// ErrJobNotFound is returned when a job update targets a missing record.
var ErrJobNotFound = errors.New("job not found")

// Repository defines the interface for persisting users, briefing sessions and job records.
type Repository interface {
	// GetUser retrieves a user by their user ID.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// GetBriefingSession returns the session or nil when none exists.
	// A row whose snapshot cannot be decoded comes back with status failed.
	GetBriefingSession(ctx context.Context, userID, sessionID string) (*domain.BriefingSession, error)

	// UpsertBriefingSession writes the full session snapshot.
	UpsertBriefingSession(ctx context.Context, session *domain.BriefingSession) error

	// DeleteBriefingSession removes a session snapshot.
	DeleteBriefingSession(ctx context.Context, userID, sessionID string) error

	// ListBriefingSessions returns a user's sessions, most recently updated first.
	ListBriefingSessions(ctx context.Context, userID string) ([]*domain.BriefingSession, error)

	// CreateJob inserts a new job record in the processing state.
	CreateJob(ctx context.Context, job *domain.GenerationJob) error

	// GetJob returns the job owned by userID, or nil when none exists.
	GetJob(ctx context.Context, userID, requestID string) (*domain.GenerationJob, error)

	// FinishJob moves a processing job to a terminal status.
	// It returns ErrJobFinalized when the job is already terminal.
	FinishJob(ctx context.Context, job *domain.GenerationJob) error

	// ListJobs returns recent jobs, newest first. An empty userID lists all users.
	ListJobs(ctx context.Context, userID string, limit int) ([]*domain.GenerationJob, error)

	// DeleteExpiredJobs removes jobs whose TTL passed before now.
	DeleteExpiredJobs(ctx context.Context, now time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
