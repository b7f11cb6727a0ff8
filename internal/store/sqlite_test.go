package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/echo-briefing/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "data", "echo.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo.(*SQLiteStore)
}

func TestUserRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Second)
	if err := s.UpsertUser(ctx, &domain.User{
		UserID: "u1", Username: "buyer", LastSeenAt: now, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("UpsertUser failed: %v", err)
	}

	later := now.Add(time.Hour)
	if err := s.UpdateLastSeen(ctx, "u1", later); err != nil {
		t.Fatalf("UpdateLastSeen failed: %v", err)
	}

	user, err := s.GetUser(ctx, "u1")
	if err != nil || user == nil {
		t.Fatalf("GetUser = %v, %v", user, err)
	}
	if !user.LastSeenAt.Equal(later) {
		t.Fatalf("expected last seen %v, got %v", later, user.LastSeenAt)
	}

	missing, err := s.GetUser(ctx, "nobody")
	if err != nil || missing != nil {
		t.Fatalf("expected nil user, got %v, %v", missing, err)
	}
}

func TestBriefingSessionRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	session := &domain.BriefingSession{
		ID:           "tab-1",
		UserID:       "u1",
		SubjectTitle: "Logo Design",
		Status:       domain.StatusActive,
		Transcript: []domain.Turn{
			domain.NewTextTurn(domain.RoleSystem, "seed"),
			domain.NewTextTurn(domain.RoleAssistant, "What is your vision?"),
		},
		Images: []domain.GeneratedImageRecord{
			{Path: "a.png", URL: "/generated_images/a.png", Prompt: "a fox", CreatedAt: time.Now().UTC()},
		},
	}
	if err := s.UpsertBriefingSession(ctx, session); err != nil {
		t.Fatalf("UpsertBriefingSession failed: %v", err)
	}

	got, err := s.GetBriefingSession(ctx, "u1", "tab-1")
	if err != nil || got == nil {
		t.Fatalf("GetBriefingSession = %v, %v", got, err)
	}
	if got.SubjectTitle != "Logo Design" || got.Status != domain.StatusActive {
		t.Fatalf("unexpected session %+v", got)
	}
	if len(got.Transcript) != 2 || got.Transcript[1].Text() != "What is your vision?" {
		t.Fatalf("unexpected transcript %+v", got.Transcript)
	}
	if len(got.Images) != 1 || got.Images[0].Prompt != "a fox" {
		t.Fatalf("unexpected images %+v", got.Images)
	}

	// Sessions are scoped to their owner.
	other, err := s.GetBriefingSession(ctx, "u2", "tab-1")
	if err != nil || other != nil {
		t.Fatalf("expected no session for another user, got %v, %v", other, err)
	}

	session.Status = domain.StatusCompleted
	if err := s.UpsertBriefingSession(ctx, session); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	list, err := s.ListBriefingSessions(ctx, "u1")
	if err != nil || len(list) != 1 || list[0].Status != domain.StatusCompleted {
		t.Fatalf("unexpected list %v, %v", list, err)
	}

	if err := s.DeleteBriefingSession(ctx, "u1", "tab-1"); err != nil {
		t.Fatalf("DeleteBriefingSession failed: %v", err)
	}
	gone, _ := s.GetBriefingSession(ctx, "u1", "tab-1")
	if gone != nil {
		t.Fatal("expected session to be deleted")
	}
}

func TestUnreadableSessionIsFailed(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO briefing_sessions (user_id, session_id, subject_title, status,
			transcript_json, images_json, created_at, updated_at)
		VALUES ('u1', 'broken', 'Poster', 'active', '{not json', '[]', 0, 0)`)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	got, err := s.GetBriefingSession(ctx, "u1", "broken")
	if err != nil {
		t.Fatalf("GetBriefingSession failed: %v", err)
	}
	if got.Status != domain.StatusFailed || got.Transcript != nil {
		t.Fatalf("expected failed session without transcript, got %+v", got)
	}
}

func newJob(id string, now time.Time) *domain.GenerationJob {
	return &domain.GenerationJob{
		RequestID:    id,
		UserID:       "u1",
		SessionID:    "tab-1",
		Kind:         domain.JobGenerate,
		Requirements: "a green logo",
		Status:       domain.JobProcessing,
		CreatedAt:    now,
		ExpiresAt:    now.Add(24 * time.Hour),
	}
}

func TestJobLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	job := newJob("req-1", now)
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	got, err := s.GetJob(ctx, "u1", "req-1")
	if err != nil || got == nil || got.Status != domain.JobProcessing {
		t.Fatalf("GetJob = %+v, %v", got, err)
	}
	if hidden, _ := s.GetJob(ctx, "u2", "req-1"); hidden != nil {
		t.Fatal("job must not be visible to another user")
	}

	job.Status = domain.JobCompleted
	job.ImageURL = "/generated_images/done.png"
	if err := s.FinishJob(ctx, job); err != nil {
		t.Fatalf("FinishJob failed: %v", err)
	}

	job.Status = domain.JobFailed
	job.ErrorMessage = "late failure"
	if err := s.FinishJob(ctx, job); !errors.Is(err, ErrJobFinalized) {
		t.Fatalf("expected ErrJobFinalized, got %v", err)
	}

	got, _ = s.GetJob(ctx, "u1", "req-1")
	if got.Status != domain.JobCompleted || got.ImageURL != "/generated_images/done.png" || got.ErrorMessage != "" {
		t.Fatalf("terminal status was overwritten: %+v", got)
	}
	if got.CompletedAt == nil {
		t.Fatal("expected completed_at to be set")
	}
}

func TestFinishJobRejectsNonTerminal(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	job := newJob("req-x", time.Now())
	if err := s.FinishJob(context.Background(), job); err == nil {
		t.Fatal("expected error for non-terminal status")
	}

	job.Status = domain.JobFailed
	if err := s.FinishJob(context.Background(), job); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestListAndExpireJobs(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	old := newJob("old", now.Add(-48*time.Hour))
	fresh := newJob("fresh", now)
	other := newJob("other", now)
	other.UserID = "u2"
	for _, j := range []*domain.GenerationJob{old, fresh, other} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob(%s) failed: %v", j.RequestID, err)
		}
	}

	mine, err := s.ListJobs(ctx, "u1", 10)
	if err != nil || len(mine) != 2 {
		t.Fatalf("expected 2 jobs for u1, got %d, %v", len(mine), err)
	}
	if mine[0].RequestID != "fresh" {
		t.Fatalf("expected newest first, got %s", mine[0].RequestID)
	}
	all, _ := s.ListJobs(ctx, "", 10)
	if len(all) != 3 {
		t.Fatalf("expected 3 jobs overall, got %d", len(all))
	}

	deleted, err := s.DeleteExpiredJobs(ctx, now)
	if err != nil || deleted != 1 {
		t.Fatalf("expected 1 expired job deleted, got %d, %v", deleted, err)
	}
	if gone, _ := s.GetJob(ctx, "u1", "old"); gone != nil {
		t.Fatal("expired job still present")
	}
}
