package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/echo-briefing/internal/domain"
	"github.com/ashureev/echo-briefing/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeAttempts  = 3
	writeBaseDelay = 100 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS briefing_sessions (
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		subject_title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		transcript_json TEXT NOT NULL,
		images_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, session_id)
	);
	CREATE INDEX IF NOT EXISTS idx_briefing_sessions_updated ON briefing_sessions(updated_at);

	CREATE TABLE IF NOT EXISTS generation_jobs (
		request_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		requirements TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		image_url TEXT,
		result TEXT,
		error_message TEXT,
		created_at INTEGER NOT NULL,
		completed_at INTEGER,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_generation_jobs_user ON generation_jobs(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_generation_jobs_expires ON generation_jobs(expires_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	var user domain.User
	var lastSeen, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	return shared.RetryOnConflict(ctx, "upsert user", writeAttempts, writeBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			user.UserID, user.Username, user.LastSeenAt.Unix(),
			user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
		return nil
	})
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}
	return nil
}

// GetBriefingSession returns a session snapshot or nil.
func (s *SQLiteStore) GetBriefingSession(ctx context.Context, userID, sessionID string) (*domain.BriefingSession, error) {
	query := `
		SELECT user_id, session_id, subject_title, status,
		       transcript_json, images_json, created_at, updated_at
		FROM briefing_sessions WHERE user_id = ? AND session_id = ?`

	session, err := scanSession(s.db.QueryRowContext(ctx, query, userID, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// ListBriefingSessions returns a user's sessions, most recently updated first.
func (s *SQLiteStore) ListBriefingSessions(ctx context.Context, userID string) ([]*domain.BriefingSession, error) {
	query := `
		SELECT user_id, session_id, subject_title, status,
		       transcript_json, images_json, created_at, updated_at
		FROM briefing_sessions WHERE user_id = ?
		ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query briefing sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close briefing session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.BriefingSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate briefing sessions: %w", err)
	}
	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.BriefingSession, error) {
	var session domain.BriefingSession
	var status, transcriptJSON, imagesJSON string
	var createdAt, updatedAt int64

	err := row.Scan(
		&session.UserID, &session.ID, &session.SubjectTitle, &status,
		&transcriptJSON, &imagesJSON, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan briefing session: %w", err)
	}

	session.Status = domain.SessionStatus(status)
	session.CreatedAt = time.Unix(createdAt, 0)
	session.UpdatedAt = time.Unix(updatedAt, 0)

	if err := json.Unmarshal([]byte(transcriptJSON), &session.Transcript); err != nil {
		slog.Warn("briefing session transcript is unreadable",
			"user_id", session.UserID,
			"session_id", session.ID,
			"error", err)
		session.Transcript = nil
		session.Status = domain.StatusFailed
	}
	if err := json.Unmarshal([]byte(imagesJSON), &session.Images); err != nil {
		slog.Warn("briefing session images are unreadable",
			"user_id", session.UserID,
			"session_id", session.ID,
			"error", err)
		session.Images = nil
		session.Status = domain.StatusFailed
	}
	return &session, nil
}

// UpsertBriefingSession writes the full session snapshot.
func (s *SQLiteStore) UpsertBriefingSession(ctx context.Context, session *domain.BriefingSession) error {
	transcriptJSON, err := json.Marshal(session.Transcript)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	images := session.Images
	if images == nil {
		images = []domain.GeneratedImageRecord{}
	}
	imagesJSON, err := json.Marshal(images)
	if err != nil {
		return fmt.Errorf("encode images: %w", err)
	}

	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	updatedAt := session.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	query := `
		INSERT INTO briefing_sessions (
			user_id, session_id, subject_title, status,
			transcript_json, images_json, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, session_id) DO UPDATE SET
			subject_title = excluded.subject_title,
			status = excluded.status,
			transcript_json = excluded.transcript_json,
			images_json = excluded.images_json,
			updated_at = excluded.updated_at`

	return shared.RetryOnConflict(ctx, "upsert briefing session", writeAttempts, writeBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			session.UserID, session.ID, session.SubjectTitle, string(session.Status),
			string(transcriptJSON), string(imagesJSON),
			createdAt.Unix(), updatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("upsert briefing session: %w", err)
		}
		return nil
	})
}

// DeleteBriefingSession removes a session snapshot.
func (s *SQLiteStore) DeleteBriefingSession(ctx context.Context, userID, sessionID string) error {
	err := shared.RetryOnConflict(ctx, "delete briefing session", writeAttempts, writeBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM briefing_sessions WHERE user_id = ? AND session_id = ?`, userID, sessionID)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete briefing session %s/%s: %w", userID, sessionID, err)
	}
	return nil
}

// CreateJob inserts a new job record.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *domain.GenerationJob) error {
	query := `
		INSERT INTO generation_jobs (
			request_id, user_id, session_id, kind, requirements,
			status, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	return shared.RetryOnConflict(ctx, "create job", writeAttempts, writeBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			job.RequestID, job.UserID, job.SessionID, string(job.Kind), job.Requirements,
			string(domain.JobProcessing), job.CreatedAt.Unix(), job.ExpiresAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("create job: %w", err)
		}
		return nil
	})
}

const jobColumns = `request_id, user_id, session_id, kind, requirements, status,
		       image_url, result, error_message, created_at, completed_at, expires_at`

// GetJob returns the job owned by userID, or nil.
func (s *SQLiteStore) GetJob(ctx context.Context, userID, requestID string) (*domain.GenerationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE request_id = ? AND user_id = ?`
	job, err := scanJob(s.db.QueryRowContext(ctx, query, requestID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// ListJobs returns recent jobs, newest first.
func (s *SQLiteStore) ListJobs(ctx context.Context, userID string, limit int) ([]*domain.GenerationJob, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM generation_jobs`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close job rows", "error", closeErr)
		}
	}()

	var jobs []*domain.GenerationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row rowScanner) (*domain.GenerationJob, error) {
	var job domain.GenerationJob
	var kind, status string
	var imageURL, result, errorMessage sql.NullString
	var createdAt, expiresAt int64
	var completedAt sql.NullInt64

	err := row.Scan(
		&job.RequestID, &job.UserID, &job.SessionID, &kind, &job.Requirements, &status,
		&imageURL, &result, &errorMessage, &createdAt, &completedAt, &expiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	job.Kind = domain.JobKind(kind)
	job.Status = domain.JobStatus(status)
	job.ImageURL = imageURL.String
	job.Result = result.String
	job.ErrorMessage = errorMessage.String
	job.CreatedAt = time.Unix(createdAt, 0)
	job.ExpiresAt = time.Unix(expiresAt, 0)
	if completedAt.Valid {
		ts := time.Unix(completedAt.Int64, 0)
		job.CompletedAt = &ts
	}
	return &job, nil
}

// FinishJob records the terminal status of a processing job.
// The UPDATE only matches rows still in processing, so a terminal status is never overwritten.
func (s *SQLiteStore) FinishJob(ctx context.Context, job *domain.GenerationJob) error {
	if !job.Status.Terminal() {
		return fmt.Errorf("finish job %s: status %q is not terminal", job.RequestID, job.Status)
	}
	completedAt := time.Now()
	if job.CompletedAt != nil {
		completedAt = *job.CompletedAt
	}

	query := `
		UPDATE generation_jobs
		SET status = ?, image_url = ?, result = ?, error_message = ?, completed_at = ?
		WHERE request_id = ? AND status = ?`

	var rows int64
	err := shared.RetryOnConflict(ctx, "finish job", writeAttempts, writeBaseDelay, func() error {
		res, err := s.db.ExecContext(ctx, query,
			string(job.Status), nullable(job.ImageURL), nullable(job.Result), nullable(job.ErrorMessage),
			completedAt.Unix(), job.RequestID, string(domain.JobProcessing),
		)
		if err != nil {
			return err
		}
		rows, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("finish job %s: %w", job.RequestID, err)
	}
	if rows > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM generation_jobs WHERE request_id = ?`, job.RequestID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("check job %s: %w", job.RequestID, err)
	}
	return ErrJobFinalized
}

// DeleteExpiredJobs removes jobs whose TTL passed before now.
func (s *SQLiteStore) DeleteExpiredJobs(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM generation_jobs WHERE expires_at < ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("delete expired jobs: %w", err)
	}
	return result.RowsAffected()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
