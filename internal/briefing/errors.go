package briefing

import (
	"errors"
	"fmt"
)

// ErrEmptyTurn is returned when a turn without content parts is appended.
var ErrEmptyTurn = errors.New("turn has no content parts")

// PreconditionError means the caller skipped a required setup step.
// It is the only error engine verbs return.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return "precondition failed: " + e.Reason
}

// IsPrecondition reports whether err is a PreconditionError.
func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}

// UnknownToolError is produced when the model names a tool that is not registered.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("Unknown tool: %s", e.Name)
}
