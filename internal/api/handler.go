// Package api provides HTTP handlers for the briefing API.
//
//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/echo-briefing/internal/briefing"
	"github.com/ashureev/echo-briefing/internal/delivery"
)

// DefaultMaxBodySize bounds request bodies when no limit is configured.
const DefaultMaxBodySize = 10 << 20

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	if limit <= 0 {
		limit = DefaultMaxBodySize
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body is empty")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// writeServiceError maps delivery and engine errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var pre *briefing.PreconditionError
	switch {
	case errors.As(err, &pre):
		Error(w, http.StatusBadRequest, pre.Error())
	case errors.Is(err, delivery.ErrSessionBusy):
		Error(w, http.StatusConflict, "a briefing request is already in progress for this session")
	case errors.Is(err, delivery.ErrRunnerBusy):
		w.Header().Set("Retry-After", "5")
		Error(w, http.StatusServiceUnavailable, "all briefing workers are busy, try again shortly")
	default:
		logger.Error("briefing request failed", "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}
