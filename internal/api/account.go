package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ashureev/echo-briefing/internal/config"
	"github.com/ashureev/echo-briefing/internal/domain"
	"github.com/ashureev/echo-briefing/internal/health"
	"github.com/ashureev/echo-briefing/internal/identity"
	"github.com/go-chi/chi/v5"
)

// UserGetter loads user records.
type UserGetter interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
}

// AccountHandler serves identity and frontend configuration endpoints.
type AccountHandler struct {
	users    UserGetter
	cfg      *config.Config
	realtime string
}

// NewAccountHandler creates an account handler. realtime names the event
// fan-out in use ("local" or "redis").
func NewAccountHandler(users UserGetter, cfg *config.Config, realtime string) *AccountHandler {
	return &AccountHandler{users: users, cfg: cfg, realtime: realtime}
}

// RegisterRoutes registers account routes.
func (h *AccountHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/me", h.GetMe)
	r.Get("/api/config", h.GetConfig)
}

// GetMe returns the current user's information.
func (h *AccountHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.users.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":      user.UserID,
		"username":     user.Username,
		"session_id":   identity.SessionIDFromContext(r.Context()),
		"idle_seconds": int64(user.IdleFor(time.Now()).Seconds()),
	})
}

// GetConfig returns the server configuration for the frontend.
func (h *AccountHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"model_configured": h.cfg.ModelConfigured(),
		"text_model":       h.cfg.Model.TextModel,
		"image_model":      h.cfg.Model.ImageModel,
		"realtime":         h.realtime,
		"session_header":   identity.SessionHeaderName,
	})
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	checker *health.Checker
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(checker *health.Checker) *HealthHandler {
	return &HealthHandler{checker: checker}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	checks, ok := h.checker.Check(r.Context())

	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK
	if !ok {
		status["status"] = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}
