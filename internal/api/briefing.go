package api

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/echo-briefing/internal/delivery"
	"github.com/ashureev/echo-briefing/internal/domain"
	"github.com/ashureev/echo-briefing/internal/export"
	"github.com/ashureev/echo-briefing/internal/identity"
	"github.com/go-chi/chi/v5"
)

// JobRunner queues background verbs and reads their records.
type JobRunner interface {
	Submit(ctx context.Context, req delivery.JobRequest) (*domain.GenerationJob, error)
	Job(ctx context.Context, userID, requestID string) (*domain.GenerationJob, error)
}

// BriefingHandler serves the briefing endpoints for the caller's session.
type BriefingHandler struct {
	svc     *delivery.Service
	jobs    JobRunner
	maxBody int64
	logger  *slog.Logger
}

// NewBriefingHandler creates a briefing handler.
func NewBriefingHandler(svc *delivery.Service, jobs JobRunner, maxBody int64, logger *slog.Logger) *BriefingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BriefingHandler{svc: svc, jobs: jobs, maxBody: maxBody, logger: logger}
}

// RegisterRoutes registers briefing routes.
func (h *BriefingHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/briefing", func(r chi.Router) {
		r.Post("/title", h.SetTitle)
		r.Post("/next", h.Next)
		r.Post("/feedback", h.Feedback)
		r.Get("/summary", h.Summary)
		r.Post("/generate", h.Generate)
		r.Get("/transcript", h.Transcript)
		r.Delete("/", h.End)
		r.Post("/jobs", h.SubmitJob)
		r.Get("/jobs/{id}", h.GetJob)
	})
}

type titleRequest struct {
	Title string `json:"title"`
}

type nextRequest struct {
	Message string `json:"message"`
}

type feedbackRequest struct {
	ImageURL string `json:"image_url"`
	Feedback string `json:"feedback"`
}

type generateRequest struct {
	Requirements string `json:"requirements"`
}

type jobRequest struct {
	Kind         domain.JobKind `json:"kind"`
	Message      string         `json:"message"`
	Requirements string         `json:"requirements"`
	ImageURL     string         `json:"image_url"`
	Feedback     string         `json:"feedback"`
}

func caller(r *http.Request) (string, string) {
	return identity.UserIDFromContext(r.Context()), identity.SessionIDFromContext(r.Context())
}

// SetTitle starts (or restarts) the briefing and returns the first question.
func (h *BriefingHandler) SetTitle(w http.ResponseWriter, r *http.Request) {
	var req titleRequest
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	userID, sessionID := caller(r)

	question, err := h.svc.StartBriefing(r.Context(), userID, sessionID, req.Title)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	h.logger.Info("Briefing started", "user_id", userID, "session_id", sessionID)
	JSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"first_question": question,
	})
}

// Next records the buyer's answer and returns the next question.
func (h *BriefingHandler) Next(w http.ResponseWriter, r *http.Request) {
	var req nextRequest
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	userID, sessionID := caller(r)

	adv, err := h.svc.AdvanceBriefing(r.Context(), userID, sessionID, req.Message)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": adv.Question,
		"images":  imageURLs(adv.Images),
	})
}

// Feedback sends feedback on an image and returns the revision.
func (h *BriefingHandler) Feedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	userID, sessionID := caller(r)

	res, err := h.svc.SubmitFeedback(r.Context(), userID, sessionID, req.ImageURL, req.Feedback)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	var newURL *string
	if res.NewImage != nil {
		newURL = &res.NewImage.URL
	}
	JSON(w, http.StatusOK, map[string]any{
		"response":      res.Response,
		"new_image_url": newURL,
	})
}

// Summary condenses the briefing and renders the final concept.
func (h *BriefingHandler) Summary(w http.ResponseWriter, r *http.Request) {
	userID, sessionID := caller(r)

	sum, err := h.svc.Summarize(r.Context(), userID, sessionID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	var finalURL *string
	if sum.FinalImage != nil {
		finalURL = &sum.FinalImage.URL
	}
	JSON(w, http.StatusOK, map[string]any{
		"summary":         sum.Text,
		"final_image_url": finalURL,
	})
}

// Generate renders images from free-form requirements.
func (h *BriefingHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	userID, sessionID := caller(r)

	gen, err := h.svc.Generate(r.Context(), userID, sessionID, req.Requirements)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"image_urls": imageURLs(gen.Images),
		"message":    gen.Reply,
	})
}

// Transcript downloads the persisted session as json, yaml or markdown.
func (h *BriefingHandler) Transcript(w http.ResponseWriter, r *http.Request) {
	exp, err := export.NewExporter(r.URL.Query().Get("format"))
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	userID, sessionID := caller(r)

	state, err := h.svc.Transcript(r.Context(), userID, sessionID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	var buf bytes.Buffer
	if err := exp.Export(state, &buf); err != nil {
		h.logger.Error("Failed to export transcript", "error", err, "session_id", sessionID)
		Error(w, http.StatusInternalServerError, "failed to export transcript")
		return
	}
	w.Header().Set("Content-Type", exp.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="briefing-`+sessionID+`.`+exp.Extension()+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// End purges the session's images and forgets the session.
func (h *BriefingHandler) End(w http.ResponseWriter, r *http.Request) {
	userID, sessionID := caller(r)

	removed, err := h.svc.EndBriefing(r.Context(), userID, sessionID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"images_removed": removed,
	})
}

// SubmitJob queues a verb in the background and returns its request ID.
func (h *BriefingHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	userID, sessionID := caller(r)

	job, err := h.jobs.Submit(r.Context(), delivery.JobRequest{
		Kind:         domain.JobKind(strings.ToLower(string(req.Kind))),
		UserID:       userID,
		SessionID:    sessionID,
		Message:      req.Message,
		Requirements: req.Requirements,
		ImageURL:     req.ImageURL,
		Feedback:     req.Feedback,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	JSON(w, http.StatusAccepted, map[string]any{
		"request_id": job.RequestID,
		"status":     job.Status,
	})
}

// GetJob returns a job record owned by the caller.
func (h *BriefingHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	userID, _ := caller(r)

	job, err := h.jobs.Job(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if job == nil {
		Error(w, http.StatusNotFound, "job not found")
		return
	}
	JSON(w, http.StatusOK, job)
}

func imageURLs(images []domain.GeneratedImageRecord) []string {
	urls := make([]string, 0, len(images))
	for _, img := range images {
		urls = append(urls, img.URL)
	}
	return urls
}
