// Package briefing implements the conversational briefing engine: the
// transcript, the question state machine and the image tool protocol.
package briefing

import (
	"time"

	"github.com/ashureev/echo-briefing/internal/domain"
)

// Transcript is the ordered turn history of one session.
//
// Ephemeral turns are steering instructions that exist for a single model
// call. They are visible through Outbound and never through Snapshot.
// A Transcript is not safe for concurrent mutation.
type Transcript struct {
	turns []domain.Turn
}

// NewTranscript rebuilds a transcript from persisted turns.
func NewTranscript(turns []domain.Turn) *Transcript {
	t := &Transcript{turns: make([]domain.Turn, 0, len(turns))}
	for _, turn := range turns {
		if turn.Ephemeral {
			continue
		}
		t.turns = append(t.turns, cloneTurn(turn))
	}
	return t
}

// Append adds a durable turn at the end.
func (t *Transcript) Append(turn domain.Turn) error {
	return t.add(turn, false)
}

// AppendEphemeral adds a scratch turn that only Outbound returns.
func (t *Transcript) AppendEphemeral(turn domain.Turn) error {
	return t.add(turn, true)
}

func (t *Transcript) add(turn domain.Turn, ephemeral bool) error {
	if len(turn.Parts) == 0 {
		return ErrEmptyTurn
	}
	turn.Ephemeral = ephemeral
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	t.turns = append(t.turns, turn)
	return nil
}

// DropEphemeral removes every ephemeral turn.
func (t *Transcript) DropEphemeral() {
	kept := t.turns[:0]
	for _, turn := range t.turns {
		if !turn.Ephemeral {
			kept = append(kept, turn)
		}
	}
	// Clear the tail so dropped image bytes can be collected.
	for i := len(kept); i < len(t.turns); i++ {
		t.turns[i] = domain.Turn{}
	}
	t.turns = kept
}

// Snapshot returns a copy of the durable turns in order.
func (t *Transcript) Snapshot() []domain.Turn {
	out := make([]domain.Turn, 0, len(t.turns))
	for _, turn := range t.turns {
		if turn.Ephemeral {
			continue
		}
		out = append(out, cloneTurn(turn))
	}
	return out
}

// Outbound returns every turn, ephemeral ones included, for one model call.
func (t *Transcript) Outbound() []domain.Turn {
	out := make([]domain.Turn, len(t.turns))
	for i, turn := range t.turns {
		out[i] = cloneTurn(turn)
	}
	return out
}

// Reset clears the transcript and seeds it with the system directive for title.
func (t *Transcript) Reset(title string) {
	t.turns = []domain.Turn{domain.NewTextTurn(domain.RoleSystem, SeedDirective(title))}
}

// Len returns the number of durable turns.
func (t *Transcript) Len() int {
	n := 0
	for _, turn := range t.turns {
		if !turn.Ephemeral {
			n++
		}
	}
	return n
}

func cloneTurn(turn domain.Turn) domain.Turn {
	parts := make([]domain.ContentPart, len(turn.Parts))
	copy(parts, turn.Parts)
	turn.Parts = parts
	return turn
}
