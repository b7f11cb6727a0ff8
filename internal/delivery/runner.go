package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/echo-briefing/internal/briefing"
	"github.com/ashureev/echo-briefing/internal/domain"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
)

const (
	defaultPoolSize = 8
	defaultJobTTL   = 24 * time.Hour
	storeTimeout    = 5 * time.Second
)

// ErrRunnerBusy is returned by Submit when every worker is occupied.
var ErrRunnerBusy = errors.New("all briefing workers are busy")

// JobStore persists background job records.
type JobStore interface {
	CreateJob(ctx context.Context, job *domain.GenerationJob) error
	FinishJob(ctx context.Context, job *domain.GenerationJob) error
	GetJob(ctx context.Context, userID, requestID string) (*domain.GenerationJob, error)
}

// JobRequest describes one briefing verb to run in the background.
type JobRequest struct {
	Kind         domain.JobKind
	UserID       string
	SessionID    string
	Message      string
	Requirements string
	ImageURL     string
	Feedback     string
}

func (req JobRequest) validate() error {
	switch req.Kind {
	case domain.JobAdvance, domain.JobSummarize:
		return nil
	case domain.JobGenerate:
		if strings.TrimSpace(req.Requirements) == "" {
			return &briefing.PreconditionError{Reason: "requirements required"}
		}
		return nil
	case domain.JobFeedback:
		if strings.TrimSpace(req.ImageURL) == "" || strings.TrimSpace(req.Feedback) == "" {
			return &briefing.PreconditionError{Reason: "image reference and feedback required"}
		}
		return nil
	default:
		return &briefing.PreconditionError{Reason: fmt.Sprintf("unknown job kind %q", req.Kind)}
	}
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	PoolSize int
	JobTTL   time.Duration
}

// Runner executes Service verbs on a worker pool, records each run as a
// GenerationJob and reports progress to the session's observers.
type Runner struct {
	svc      *Service
	jobs     JobStore
	notifier Notifier
	pool     *ants.Pool
	jobTTL   time.Duration
	logger   *slog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a runner with its own worker pool.
func NewRunner(svc *Service, jobs JobStore, notifier Notifier, cfg RunnerConfig, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = defaultJobTTL
	}

	pool, err := ants.NewPool(cfg.PoolSize,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p any) {
			logger.Error("briefing worker panicked", "panic", p)
		}))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		svc:      svc,
		jobs:     jobs,
		notifier: notifier,
		pool:     pool,
		jobTTL:   cfg.JobTTL,
		logger:   logger,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Submit records a processing job and hands it to a free worker. It never
// waits for a worker: when the pool is saturated the job is recorded as
// failed and ErrRunnerBusy is returned. Progress goes to the Notifier and the
// final state to the JobStore.
func (r *Runner) Submit(ctx context.Context, req JobRequest) (*domain.GenerationJob, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	now := r.now()
	job := &domain.GenerationJob{
		RequestID:    uuid.NewString(),
		UserID:       req.UserID,
		SessionID:    req.SessionID,
		Kind:         req.Kind,
		Requirements: jobRequirements(req),
		Status:       domain.JobProcessing,
		CreatedAt:    now,
		ExpiresAt:    now.Add(r.jobTTL),
	}
	if err := r.jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	r.wg.Add(1)
	err := r.pool.Submit(func() {
		defer r.wg.Done()
		r.run(job, req)
	})
	if err != nil {
		r.wg.Done()
		job.Status = domain.JobFailed
		job.ErrorMessage = "worker pool unavailable"
		if errors.Is(err, ants.ErrPoolOverload) {
			job.ErrorMessage = "worker pool busy"
			err = ErrRunnerBusy
		}
		r.finish(job)
		return nil, fmt.Errorf("submit job: %w", err)
	}

	r.logger.Info("briefing job queued",
		"request_id", job.RequestID,
		"user_id", job.UserID,
		"session_id", job.SessionID,
		"kind", job.Kind)
	return job, nil
}

// Job returns the job record owned by userID.
func (r *Runner) Job(ctx context.Context, userID, requestID string) (*domain.GenerationJob, error) {
	return r.jobs.GetJob(ctx, userID, requestID)
}

// Wait blocks until every submitted job has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Close waits for running jobs until ctx expires, then cancels the rest and
// releases the pool.
func (r *Runner) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	r.cancel()
	r.pool.Release()
	return err
}

func (r *Runner) run(job *domain.GenerationJob, req JobRequest) {
	em := &emitter{
		notifier:  r.notifier,
		userID:    req.UserID,
		sessionID: req.SessionID,
		requestID: job.RequestID,
		sent:      make(map[string]bool),
	}

	var err error
	if req.Kind == domain.JobFeedback {
		err = r.runFeedback(em, job, req)
	} else {
		err = r.runGeneration(em, job, req)
	}

	if err != nil {
		job.Status = domain.JobFailed
		job.ErrorMessage = err.Error()
		r.logger.Warn("briefing job failed",
			"request_id", job.RequestID,
			"session_id", job.SessionID,
			"kind", job.Kind,
			"error", err)
	} else {
		job.Status = domain.JobCompleted
	}
	r.finish(job)
}

func (r *Runner) runGeneration(em *emitter, job *domain.GenerationJob, req JobRequest) error {
	em.emit(r.ctx, EventGenerationStarted, map[string]any{
		"message":    "Starting image generation...",
		"session_id": req.SessionID,
	})
	em.emit(r.ctx, EventGenerationProgress, map[string]any{
		"status":   "Initializing briefing session...",
		"progress": 20,
	})

	ctx := briefing.WithProgress(r.ctx, func(p briefing.Progress) {
		switch p {
		case briefing.ProgressThinking:
			em.emit(r.ctx, EventGenerationProgress, map[string]any{
				"status":   "Processing requirements with AI...",
				"progress": 40,
			})
		case briefing.ProgressRendering:
			em.emit(r.ctx, EventGenerationProgress, map[string]any{
				"status":   "Generating concept images...",
				"progress": 80,
			})
		}
	})

	var (
		text   string
		images []domain.GeneratedImageRecord
		err    error
	)
	switch req.Kind {
	case domain.JobAdvance:
		var adv briefing.Advance
		adv, err = r.svc.AdvanceBriefing(ctx, req.UserID, req.SessionID, req.Message)
		text, images = adv.Question, adv.Images
	case domain.JobSummarize:
		var sum briefing.Summary
		sum, err = r.svc.Summarize(ctx, req.UserID, req.SessionID)
		text = sum.Text
		if sum.FinalImage != nil {
			images = []domain.GeneratedImageRecord{*sum.FinalImage}
		}
	default:
		var gen briefing.Generation
		gen, err = r.svc.Generate(ctx, req.UserID, req.SessionID, req.Requirements)
		text, images = gen.Reply, gen.Images
	}
	if err != nil {
		em.emit(r.ctx, EventGenerationError, map[string]any{
			"error":   err.Error(),
			"message": "Failed to generate images",
		})
		return err
	}

	urls := imageURLs(images)
	job.Result = text
	if len(urls) > 0 {
		job.ImageURL = urls[0]
	}
	em.emit(r.ctx, EventGenerationComplete, map[string]any{
		"images":   urls,
		"text":     text,
		"progress": 100,
		"message":  "Image generation completed!",
	})
	return nil
}

func (r *Runner) runFeedback(em *emitter, job *domain.GenerationJob, req JobRequest) error {
	ctx := briefing.WithProgress(r.ctx, func(p briefing.Progress) {
		switch p {
		case briefing.ProgressThinking:
			em.emit(r.ctx, EventFeedbackProcessing, map[string]any{
				"message":  "Processing your feedback...",
				"progress": 25,
			})
		case briefing.ProgressRendering:
			em.emit(r.ctx, EventFeedbackProcessing, map[string]any{
				"message":  "Generating improved version...",
				"progress": 75,
			})
		}
	})

	res, err := r.svc.SubmitFeedback(ctx, req.UserID, req.SessionID, req.ImageURL, req.Feedback)
	if err != nil {
		em.emit(r.ctx, EventFeedbackError, map[string]any{
			"error":   err.Error(),
			"message": "Failed to process feedback",
		})
		return err
	}

	var newURL any
	if res.NewImage != nil {
		newURL = res.NewImage.URL
		job.ImageURL = res.NewImage.URL
	}
	job.Result = res.Response
	em.emit(r.ctx, EventFeedbackComplete, map[string]any{
		"response":      res.Response,
		"new_image_url": newURL,
		"progress":      100,
	})
	return nil
}

func (r *Runner) finish(job *domain.GenerationJob) {
	completed := r.now()
	job.CompletedAt = &completed

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.jobs.FinishJob(ctx, job); err != nil {
		r.logger.Error("failed to record job result",
			"request_id", job.RequestID,
			"status", job.Status,
			"error", err)
	}
}

func jobRequirements(req JobRequest) string {
	switch req.Kind {
	case domain.JobAdvance:
		return req.Message
	case domain.JobFeedback:
		return req.Feedback
	default:
		return req.Requirements
	}
}

func imageURLs(images []domain.GeneratedImageRecord) []string {
	urls := make([]string, 0, len(images))
	for _, img := range images {
		urls = append(urls, img.URL)
	}
	return urls
}

// emitter sends each distinct stage of a job at most once.
type emitter struct {
	notifier  Notifier
	userID    string
	sessionID string
	requestID string

	mu   sync.Mutex
	sent map[string]bool
}

func (e *emitter) emit(ctx context.Context, eventType string, data map[string]any) {
	stage := eventType
	if p, ok := data["progress"]; ok {
		stage = fmt.Sprintf("%s/%v", eventType, p)
	}

	e.mu.Lock()
	if e.sent[stage] {
		e.mu.Unlock()
		return
	}
	e.sent[stage] = true
	e.mu.Unlock()

	e.notifier.Notify(ctx, e.userID, e.sessionID, Event{
		Type:      eventType,
		SessionID: e.sessionID,
		RequestID: e.requestID,
		Data:      data,
	})
}
