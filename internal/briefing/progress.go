package briefing

import "context"

// Progress names the remote call a verb is about to make.
type Progress string

const (
	// ProgressThinking precedes a text model call.
	ProgressThinking Progress = "thinking"
	// ProgressRendering precedes an image generation call.
	ProgressRendering Progress = "rendering"
)

// ProgressFunc receives progress notifications. It must not block.
type ProgressFunc func(Progress)

type progressKey struct{}

// WithProgress returns a context whose engine verbs report progress to fn.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

func report(ctx context.Context, p Progress) {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok && fn != nil {
		fn(p)
	}
}
