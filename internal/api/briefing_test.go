package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/echo-briefing/internal/briefing"
	"github.com/ashureev/echo-briefing/internal/config"
	"github.com/ashureev/echo-briefing/internal/delivery"
	"github.com/ashureev/echo-briefing/internal/domain"
	"github.com/ashureev/echo-briefing/internal/gateway"
	"github.com/ashureev/echo-briefing/internal/health"
	"github.com/ashureev/echo-briefing/internal/identity"
	"github.com/ashureev/echo-briefing/internal/imagestore"
	"github.com/ashureev/echo-briefing/internal/store"
	"github.com/go-chi/chi/v5"
)

const (
	testUser    = "anon_0123456789abcdef0123456789abcdef"
	testSession = "tab-1"
)

var testPNG = []byte("\x89PNG\r\n\x1a\nposter")

type queueGateway struct {
	mu      sync.Mutex
	replies []gateway.Reply
}

func (g *queueGateway) text(texts ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range texts {
		g.replies = append(g.replies, gateway.Reply{Kind: gateway.ReplyText, Text: t})
	}
}

func (g *queueGateway) tool(prompt string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.replies = append(g.replies, gateway.Reply{
		Kind: gateway.ReplyToolRequest,
		Tool: &domain.ToolInvocationRequest{ID: "call_1", Name: briefing.GenerateImageToolName, Arguments: domain.ToolArguments{Prompt: prompt}},
	})
}

func (g *queueGateway) Converse(context.Context, []domain.Turn, gateway.Sampling, ...gateway.ToolSpec) (gateway.Reply, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.replies) == 0 {
		return gateway.Reply{}, &gateway.GatewayError{Op: "converse", Message: "no scripted reply"}
	}
	next := g.replies[0]
	g.replies = g.replies[1:]
	return next, nil
}

func (g *queueGateway) GenerateImage(context.Context, string) ([]byte, error) {
	return testPNG, nil
}

type testServer struct {
	gw     *queueGateway
	repo   store.Repository
	runner *delivery.Runner
	router chi.Router
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()

	repo, err := store.NewSQLite(filepath.Join(dir, "echo.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	images, err := imagestore.New(filepath.Join(dir, "images"), nil)
	if err != nil {
		t.Fatalf("imagestore.New() error = %v", err)
	}

	gw := &queueGateway{}
	svc := delivery.NewService(briefing.NewEngine(gw, images, nil), repo, nil)
	runner, err := delivery.NewRunner(svc, repo, nil, delivery.RunnerConfig{PoolSize: 1}, nil)
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runner.Close(ctx)
		_ = repo.Close()
	})

	now := time.Now()
	if err := repo.UpsertUser(context.Background(), &domain.User{
		UserID: testUser, Username: "buyer-abcdef", LastSeenAt: now, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("UpsertUser() error = %v", err)
	}

	cfg := &config.Config{Model: config.ModelConfig{TextModel: "gpt-4o", ImageModel: "dall-e-3"}}
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(identity.WithIdentity(r.Context(), testUser, testSession)))
		})
	})
	NewBriefingHandler(svc, runner, 1<<20, nil).RegisterRoutes(r)
	NewAccountHandler(repo, cfg, "local").RegisterRoutes(r)

	return &testServer{gw: gw, repo: repo, runner: runner, router: r}
}

func (s *testServer) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var out map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: decode response: %v", method, path, err)
		}
	}
	return w, out
}

func TestBriefingConversation(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	s.gw.text("What is the poster for?")
	w, out := s.do(t, http.MethodPost, "/api/briefing/title", `{"title":"Event Poster"}`)
	if w.Code != http.StatusOK || out["first_question"] != "What is the poster for?" || out["success"] != true {
		t.Fatalf("title: %d %v", w.Code, out)
	}

	s.gw.tool("jazz night poster, dark blue")
	s.gw.text("Here is a first idea. Should the trumpet be larger?")
	w, out = s.do(t, http.MethodPost, "/api/briefing/next", `{"message":"A jazz night"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("next: %d %v", w.Code, out)
	}
	images, _ := out["images"].([]any)
	if len(images) != 1 || !strings.HasPrefix(images[0].(string), imagestore.URLPrefix) {
		t.Fatalf("next images = %v", out["images"])
	}

	s.gw.text("I'll make the trumpet bigger.")
	w, out = s.do(t, http.MethodPost, "/api/briefing/feedback",
		`{"image_url":"`+images[0].(string)+`","feedback":"bigger trumpet"}`)
	if w.Code != http.StatusOK || out["response"] != "I'll make the trumpet bigger." || out["new_image_url"] == nil {
		t.Fatalf("feedback: %d %v", w.Code, out)
	}

	s.gw.text("Jazz night poster, dark blue, large trumpet.")
	w, out = s.do(t, http.MethodGet, "/api/briefing/summary", "")
	if w.Code != http.StatusOK || out["summary"] != "Jazz night poster, dark blue, large trumpet." || out["final_image_url"] == nil {
		t.Fatalf("summary: %d %v", w.Code, out)
	}

	w, out = s.do(t, http.MethodDelete, "/api/briefing", "")
	if w.Code != http.StatusOK || out["images_removed"] != float64(3) {
		t.Fatalf("delete: %d %v", w.Code, out)
	}
}

func TestBriefingPreconditions(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	tests := []struct {
		name, method, path, body string
	}{
		{"blank title", http.MethodPost, "/api/briefing/title", `{"title":"  "}`},
		{"next without title", http.MethodPost, "/api/briefing/next", `{"message":"hello"}`},
		{"malformed body", http.MethodPost, "/api/briefing/next", `{"message":`},
		{"summary without title", http.MethodGet, "/api/briefing/summary", ""},
		{"transcript without title", http.MethodGet, "/api/briefing/transcript", ""},
		{"unknown export format", http.MethodGet, "/api/briefing/transcript?format=pdf", ""},
		{"job without kind", http.MethodPost, "/api/briefing/jobs", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, out := s.do(t, tt.method, tt.path, tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d (%v), want 400", w.Code, out)
			}
			if out["error"] == "" {
				t.Error("error message missing")
			}
		})
	}
}

func TestTranscriptExport(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	s.gw.text("Which colours do you like?")
	if w, out := s.do(t, http.MethodPost, "/api/briefing/title", `{"title":"Logo"}`); w.Code != http.StatusOK {
		t.Fatalf("title: %d %v", w.Code, out)
	}

	w, out := s.do(t, http.MethodGet, "/api/briefing/transcript", "")
	if w.Code != http.StatusOK || out["subject_title"] != "Logo" {
		t.Fatalf("json export: %d %v", w.Code, out)
	}
	if transcript, _ := out["transcript"].([]any); len(transcript) != 2 {
		t.Fatalf("json transcript = %v", out["transcript"])
	}

	w, _ = s.do(t, http.MethodGet, "/api/briefing/transcript?format=yaml", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "subject_title: Logo") {
		t.Fatalf("yaml export: %d %s", w.Code, w.Body.String())
	}

	w, _ = s.do(t, http.MethodGet, "/api/briefing/transcript?format=markdown", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "Which colours do you like?") {
		t.Fatalf("markdown export: %d %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Content-Disposition"); !strings.Contains(got, "briefing-tab-1.md") {
		t.Errorf("Content-Disposition = %q", got)
	}
}

func TestBackgroundJobs(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	s.gw.text("What is the flyer for?")
	if w, out := s.do(t, http.MethodPost, "/api/briefing/title", `{"title":"Flyer"}`); w.Code != http.StatusOK {
		t.Fatalf("title: %d %v", w.Code, out)
	}

	s.gw.tool("bakery flyer")
	s.gw.text("Do you like the colours?")
	w, out := s.do(t, http.MethodPost, "/api/briefing/jobs", `{"kind":"generate","requirements":"bakery, warm colours"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit: %d %v", w.Code, out)
	}
	id, _ := out["request_id"].(string)
	if id == "" || out["status"] != string(domain.JobProcessing) {
		t.Fatalf("submit response = %v", out)
	}
	s.runner.Wait()

	w, out = s.do(t, http.MethodGet, "/api/briefing/jobs/"+id, "")
	if w.Code != http.StatusOK || out["status"] != string(domain.JobCompleted) {
		t.Fatalf("job: %d %v", w.Code, out)
	}
	if url, _ := out["image_url"].(string); !strings.HasPrefix(url, imagestore.URLPrefix) {
		t.Errorf("job image_url = %v", out["image_url"])
	}

	if w, _ := s.do(t, http.MethodGet, "/api/briefing/jobs/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing job status = %d, want 404", w.Code)
	}
}

func TestAccountEndpoints(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	w, out := s.do(t, http.MethodGet, "/api/me", "")
	if w.Code != http.StatusOK || out["user_id"] != testUser || out["session_id"] != testSession {
		t.Fatalf("me: %d %v", w.Code, out)
	}

	w, out = s.do(t, http.MethodGet, "/api/config", "")
	if w.Code != http.StatusOK || out["model_configured"] != false || out["realtime"] != "local" {
		t.Fatalf("config: %d %v", w.Code, out)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	checker := health.NewChecker(time.Second)
	checker.Add("database", health.PingFunc(func(context.Context) error { return errors.New("closed") }))

	r := chi.NewRouter()
	NewHealthHandler(checker).RegisterHealth(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"database":"unreachable"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}
