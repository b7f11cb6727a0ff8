package export

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/echo-briefing/internal/domain"
	"gopkg.in/yaml.v3"
)

func sampleSession() *domain.BriefingSession {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &domain.BriefingSession{
		ID:           "tab-1",
		UserID:       "anon_1",
		SubjectTitle: "Logo Design",
		Status:       domain.StatusActive,
		Transcript: []domain.Turn{
			{Role: domain.RoleSystem, Parts: []domain.ContentPart{domain.TextPart("seed directive")}, CreatedAt: at},
			{Role: domain.RoleAssistant, Parts: []domain.ContentPart{domain.TextPart("What is the brand about?")}, CreatedAt: at},
			{Role: domain.RoleUser, Parts: []domain.ContentPart{domain.TextPart("A coffee roaster")}, CreatedAt: at},
		},
		Images: []domain.GeneratedImageRecord{
			{Path: "logo.png", URL: "/generated_images/logo.png", Prompt: "coffee\nbean logo", CreatedAt: at},
		},
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func TestNewExporter(t *testing.T) {
	t.Parallel()
	tests := []struct {
		format string
		ext    string
	}{
		{"", "json"},
		{"JSON", "json"},
		{"yml", "yaml"},
		{"markdown", "md"},
	}
	for _, tt := range tests {
		exp, err := NewExporter(tt.format)
		if err != nil {
			t.Fatalf("NewExporter(%q) error = %v", tt.format, err)
		}
		if exp.Extension() != tt.ext {
			t.Errorf("NewExporter(%q).Extension() = %q, want %q", tt.format, exp.Extension(), tt.ext)
		}
	}
	if _, err := NewExporter("pdf"); err == nil {
		t.Error("NewExporter(pdf) succeeded")
	}
}

func TestYAMLExport(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := (YAMLExporter{}).Export(sampleSession(), &buf); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	var decoded map[string]any
	if err := yaml.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("yaml.Unmarshal() error = %v", err)
	}
	if decoded["subject_title"] != "Logo Design" {
		t.Errorf("subject_title = %v", decoded["subject_title"])
	}
	transcript, _ := decoded["transcript"].([]any)
	if len(transcript) != 3 {
		t.Errorf("transcript has %d turns, want 3", len(transcript))
	}
}

func TestMarkdownExport(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := (MarkdownExporter{}).Export(sampleSession(), &buf); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"# Logo Design",
		"**Echo:**\n\nWhat is the brand about?",
		"**Buyer:**\n\nA coffee roaster",
		"(/generated_images/logo.png): coffee bean logo",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("markdown missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "seed directive") {
		t.Error("markdown includes the seed directive")
	}
}
