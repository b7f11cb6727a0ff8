package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/echo-briefing/internal/domain"
	"github.com/ashureev/echo-briefing/internal/store"
)

const (
	cliUser    = "anon_5f1c2a9e0b7d4c3e"
	cliSession = "tab-7"
)

// seedDB writes one briefing and two jobs, one of them already expired.
func seedDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "echo.db")
	repo, err := store.NewSQLite(path)
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	defer func() { _ = repo.Close() }()

	ctx := context.Background()
	now := time.Now()
	session := &domain.BriefingSession{
		ID:           cliSession,
		UserID:       cliUser,
		SubjectTitle: "Harbour festival poster",
		Status:       domain.StatusActive,
		Transcript: []domain.Turn{
			domain.NewTextTurn(domain.RoleSystem, "You are Echo."),
			domain.NewTextTurn(domain.RoleAssistant, "Who is the poster for?"),
			domain.NewTextTurn(domain.RoleUser, "Families visiting the harbour."),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := repo.UpsertBriefingSession(ctx, session); err != nil {
		t.Fatalf("UpsertBriefingSession() error = %v", err)
	}

	jobs := []*domain.GenerationJob{
		{RequestID: "req-live", UserID: cliUser, SessionID: cliSession, Kind: domain.JobGenerate,
			Requirements: "blue palette", CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
		{RequestID: "req-stale", UserID: cliUser, SessionID: cliSession, Kind: domain.JobSummarize,
			CreatedAt: now.Add(-48 * time.Hour), ExpiresAt: now.Add(-24 * time.Hour)},
	}
	for _, job := range jobs {
		if err := repo.CreateJob(ctx, job); err != nil {
			t.Fatalf("CreateJob(%s) error = %v", job.RequestID, err)
		}
	}
	failed := *jobs[0]
	failed.Status = domain.JobFailed
	failed.ErrorMessage = "model unavailable"
	if err := repo.FinishJob(ctx, &failed); err != nil {
		t.Fatalf("FinishJob() error = %v", err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	jobsUser, jobsLimit = "", 50
	exportFormat, exportOutput = "json", ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestJobsList(t *testing.T) {
	db := seedDB(t)

	out, err := runCLI(t, "--db", db, "jobs", "list")
	if err != nil {
		t.Fatalf("jobs list error = %v", err)
	}
	for _, want := range []string{"Found 2 job(s)", "req-live", "req-stale", "failed", "model unavailable"} {
		if !strings.Contains(out, want) {
			t.Errorf("jobs list output missing %q:\n%s", want, out)
		}
	}

	out, err = runCLI(t, "--db", db, "jobs", "list", "--user", "someone-else")
	if err != nil {
		t.Fatalf("jobs list --user error = %v", err)
	}
	if !strings.Contains(out, "No jobs found") {
		t.Errorf("filtered list should be empty:\n%s", out)
	}
}

func TestJobsShow(t *testing.T) {
	db := seedDB(t)

	out, err := runCLI(t, "--db", db, "jobs", "show", cliUser, "req-live")
	if err != nil {
		t.Fatalf("jobs show error = %v", err)
	}
	if !strings.Contains(out, `"status": "failed"`) || !strings.Contains(out, `"requirements": "blue palette"`) {
		t.Errorf("unexpected job JSON:\n%s", out)
	}

	if _, err := runCLI(t, "--db", db, "jobs", "show", "other-user", "req-live"); err == nil {
		t.Error("jobs show for another user should fail")
	}
}

func TestSessionsListAndExport(t *testing.T) {
	db := seedDB(t)

	out, err := runCLI(t, "--db", db, "sessions", "list", cliUser)
	if err != nil {
		t.Fatalf("sessions list error = %v", err)
	}
	if !strings.Contains(out, cliSession) || !strings.Contains(out, "Harbour festival poster") {
		t.Errorf("sessions list output:\n%s", out)
	}

	out, err = runCLI(t, "--db", db, "sessions", "export", cliUser, cliSession, "--format", "md")
	if err != nil {
		t.Fatalf("sessions export error = %v", err)
	}
	if !strings.Contains(out, "Families visiting the harbour.") {
		t.Errorf("markdown export missing the buyer's answer:\n%s", out)
	}
	if strings.Contains(out, "You are Echo.") {
		t.Error("markdown export should omit the system instruction")
	}

	file := filepath.Join(t.TempDir(), "briefing.yaml")
	if _, err := runCLI(t, "--db", db, "sessions", "export", cliUser, cliSession, "-f", "yaml", "-o", file); err != nil {
		t.Fatalf("sessions export -o error = %v", err)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), "subject_title: Harbour festival poster") {
		t.Errorf("yaml export:\n%s", data)
	}

	if _, err := runCLI(t, "--db", db, "sessions", "export", cliUser, "missing"); err == nil {
		t.Error("exporting a missing session should fail")
	}
	if _, err := runCLI(t, "--db", db, "sessions", "export", cliUser, cliSession, "--format", "pdf"); err == nil {
		t.Error("unsupported format should fail")
	}
}

func TestSweepRemovesExpiredJobs(t *testing.T) {
	db := seedDB(t)

	out, err := runCLI(t, "--db", db, "sweep")
	if err != nil {
		t.Fatalf("sweep error = %v", err)
	}
	if !strings.Contains(out, "Removed 1 expired job(s)") {
		t.Errorf("sweep output:\n%s", out)
	}

	out, err = runCLI(t, "--db", db, "jobs", "list")
	if err != nil {
		t.Fatalf("jobs list error = %v", err)
	}
	if strings.Contains(out, "req-stale") || !strings.Contains(out, "req-live") {
		t.Errorf("after sweep:\n%s", out)
	}
}
