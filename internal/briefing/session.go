package briefing

import (
	"strings"
	"time"

	"github.com/ashureev/echo-briefing/internal/domain"
)

// Stage is the position of a session in the question state machine.
type Stage int

const (
	// StageUninitialized has no subject title yet.
	StageUninitialized Stage = iota
	// StageAwaitingFirstQuestion has only the seed directive.
	StageAwaitingFirstQuestion
	// StageAwaitingFollowUp has at least one question or answer.
	StageAwaitingFollowUp
)

func (s Stage) String() string {
	switch s {
	case StageUninitialized:
		return "uninitialized"
	case StageAwaitingFirstQuestion:
		return "awaiting_first_question"
	case StageAwaitingFollowUp:
		return "awaiting_follow_up"
	default:
		return "unknown"
	}
}

// Session is a live briefing: its persisted state plus the working transcript.
// Callers must hold exclusive access while an engine verb runs.
type Session struct {
	State      *domain.BriefingSession
	transcript *Transcript
}

// NewSession wraps state, rebuilding the transcript from its durable turns.
func NewSession(state *domain.BriefingSession) *Session {
	if state.Status == "" {
		state.Status = domain.StatusActive
	}
	return &Session{
		State:      state,
		transcript: NewTranscript(state.Transcript),
	}
}

// Transcript returns the working transcript.
func (s *Session) Transcript() *Transcript {
	return s.transcript
}

// Stage reports the current state machine position.
func (s *Session) Stage() Stage {
	if strings.TrimSpace(s.State.SubjectTitle) == "" {
		return StageUninitialized
	}
	if s.transcript.Len() <= 1 {
		return StageAwaitingFirstQuestion
	}
	return StageAwaitingFollowUp
}

// Images returns a copy of the session's generated image records.
func (s *Session) Images() []domain.GeneratedImageRecord {
	out := make([]domain.GeneratedImageRecord, len(s.State.Images))
	copy(out, s.State.Images)
	return out
}

// hasImage reports whether ref names one of the session's own images by its
// URL or storage path.
func (s *Session) hasImage(ref string) bool {
	for _, img := range s.State.Images {
		if ref == img.URL || ref == img.Path {
			return true
		}
	}
	return false
}

// commit copies the durable transcript back into the persisted state.
func (s *Session) commit(now time.Time) {
	s.State.Transcript = s.transcript.Snapshot()
	s.State.UpdatedAt = now
}

func (s *Session) requireSubject() error {
	if s.Stage() == StageUninitialized {
		return &PreconditionError{Reason: "subject title required"}
	}
	return nil
}
