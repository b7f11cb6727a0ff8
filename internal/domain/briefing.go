package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Role identifies the speaker of a turn.
type Role string

const (
	// RoleSystem is the seed directive describing the assistant persona.
	RoleSystem Role = "system"
	// RoleUser is a buyer message or an internal instruction sent as the user.
	RoleUser Role = "user"
	// RoleAssistant is a model reply.
	RoleAssistant Role = "assistant"
)

// SessionStatus is the lifecycle state of a briefing session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
)

// ImageRef points at a stored image.
type ImageRef struct {
	Path     string `json:"path"`
	MIMEType string `json:"mime_type"`
}

// ContentPart is either plain text or an image reference.
type ContentPart struct {
	Text  string    `json:"text,omitempty" yaml:"text,omitempty"`
	Image *ImageRef `json:"image,omitempty" yaml:"image,omitempty"`

	// Data holds inline image bytes for a single outbound model call.
	// It is never serialized.
	Data []byte `json:"-" yaml:"-"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Text: text}
}

// ImagePart builds an inline PNG content part.
func ImagePart(path string, data []byte) ContentPart {
	return ContentPart{
		Image: &ImageRef{Path: path, MIMEType: "image/png"},
		Data:  data,
	}
}

// Turn is one entry in a briefing transcript.
type Turn struct {
	Role      Role          `json:"role" yaml:"role"`
	Parts     []ContentPart `json:"parts" yaml:"parts"`
	Ephemeral bool          `json:"-" yaml:"-"`
	CreatedAt time.Time     `json:"created_at" yaml:"created_at"`
}

// NewTextTurn builds a single-part text turn stamped with the current time.
func NewTextTurn(role Role, text string) Turn {
	return Turn{
		Role:      role,
		Parts:     []ContentPart{TextPart(text)},
		CreatedAt: time.Now().UTC(),
	}
}

// Text joins the text parts of the turn.
func (t Turn) Text() string {
	var texts []string
	for _, p := range t.Parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// GeneratedImageRecord is a stored concept image.
type GeneratedImageRecord struct {
	Path      string    `json:"path" yaml:"path"`
	URL       string    `json:"url" yaml:"url"`
	Prompt    string    `json:"prompt" yaml:"prompt"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// ToolArguments are the structured arguments of generate_image.
type ToolArguments struct {
	Prompt   string `json:"prompt,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// ToolInvocationRequest is a tool call emitted by the model.
type ToolInvocationRequest struct {
	ID        string
	Name      string
	Arguments ToolArguments
	Raw       json.RawMessage
}

// ToolInvocationResult is the outcome of one tool invocation.
// Exactly one of Image or Err is set.
type ToolInvocationResult struct {
	RequestID string
	Image     *GeneratedImageRecord
	Encoded   []byte
	Format    string
	Err       error
}

// OK reports whether the invocation produced an image.
func (r ToolInvocationResult) OK() bool {
	return r.Err == nil && r.Image != nil
}

// BriefingSession stores the full state of one buyer's briefing.
type BriefingSession struct {
	ID           string                 `json:"id" yaml:"id"`
	UserID       string                 `json:"user_id" yaml:"user_id"`
	SubjectTitle string                 `json:"subject_title" yaml:"subject_title"`
	Transcript   []Turn                 `json:"transcript" yaml:"transcript"`
	Images       []GeneratedImageRecord `json:"images" yaml:"images"`
	Status       SessionStatus          `json:"status" yaml:"status"`
	CreatedAt    time.Time              `json:"created_at" yaml:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at" yaml:"updated_at"`
}

// JobKind names the verb a background job runs.
type JobKind string

const (
	JobAdvance   JobKind = "advance"
	JobFeedback  JobKind = "feedback"
	JobGenerate  JobKind = "generate"
	JobSummarize JobKind = "summarize"
)

// JobStatus is the state of a persisted generation job.
type JobStatus string

const (
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// GenerationJob is the persisted record of one background briefing verb.
type GenerationJob struct {
	RequestID    string     `json:"request_id"`
	UserID       string     `json:"user_id"`
	SessionID    string     `json:"session_id"`
	Kind         JobKind    `json:"kind"`
	Requirements string     `json:"requirements"`
	Status       JobStatus  `json:"status"`
	ImageURL     string     `json:"image_url,omitempty"`
	Result       string     `json:"result,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ExpiresAt    time.Time  `json:"expires_at"`
}
