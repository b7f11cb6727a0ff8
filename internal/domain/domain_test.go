package domain

import (
	"testing"
	"time"
)

func TestTurnText(t *testing.T) {
	turn := Turn{Role: RoleUser, Parts: []ContentPart{
		TextPart("Here is the current draft."),
		ImagePart("/tmp/concept.png", []byte{0x89, 'P', 'N', 'G'}),
		TextPart("Make the sky warmer."),
	}}
	if got, want := turn.Text(), "Here is the current draft.\nMake the sky warmer."; got != want {
		t.Errorf("Text() = %q, want %q", got, want)
	}
	if got := (Turn{}).Text(); got != "" {
		t.Errorf("empty Text() = %q", got)
	}
}

func TestJobStatusTerminal(t *testing.T) {
	tests := []struct {
		status JobStatus
		want   bool
	}{
		{JobProcessing, false},
		{JobCompleted, true},
		{JobFailed, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestUserIdleFor(t *testing.T) {
	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	u := &User{LastSeenAt: now.Add(-90 * time.Second)}
	if got := u.IdleFor(now); got != 90*time.Second {
		t.Errorf("IdleFor() = %v", got)
	}
	u.LastSeenAt = now.Add(time.Minute)
	if got := u.IdleFor(now); got != 0 {
		t.Errorf("IdleFor() with clock skew = %v, want 0", got)
	}
}
