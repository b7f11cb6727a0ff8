package shared

import (
	"context"
	"log/slog"
	"time"
)

// RetryOnConflict runs fn up to attempts times, backing off exponentially
// from baseDelay while fn fails with a SQLite conflict error.
// Other errors are returned immediately.
func RetryOnConflict(ctx context.Context, op string, attempts int, baseDelay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !IsSQLiteConflictError(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i) // 100ms, 200ms, 400ms with the default base
		slog.Debug("sqlite conflict, retrying",
			"op", op,
			"attempt", i+1,
			"delay", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
