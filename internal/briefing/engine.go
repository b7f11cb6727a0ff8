package briefing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/echo-briefing/internal/domain"
	"github.com/ashureev/echo-briefing/internal/gateway"
)

var (
	questionSampling = gateway.Sampling{Temperature: 0.7, MaxTokens: 1024}
	enhanceSampling  = gateway.Sampling{Temperature: 0.7, MaxTokens: 2048}
	summarySampling  = gateway.Sampling{Temperature: 0.3, MaxTokens: 1024}
	feedbackSampling = gateway.Sampling{Temperature: 0.7, MaxTokens: 1024}
)

// Advance is the result of answering a question.
type Advance struct {
	Question string
	Images   []domain.GeneratedImageRecord
}

// FeedbackResult is the result of commenting on an image.
type FeedbackResult struct {
	Response string
	NewImage *domain.GeneratedImageRecord
}

// Summary is the condensed brief with an optional final concept image.
type Summary struct {
	Text       string
	FinalImage *domain.GeneratedImageRecord
}

// Generation is the result of generating images from free-form requirements.
type Generation struct {
	Reply  string
	Images []domain.GeneratedImageRecord
}

// Engine drives the briefing state machine. It holds no per-session state;
// every verb receives the Session it operates on.
//
// Model failures never escape a verb. Each call site has a fallback text so
// the dialogue can continue; only PreconditionError is returned.
type Engine struct {
	gw     gateway.Gateway
	images ImageStore
	tools  *ToolAdapter
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
		e.tools.now = now
	}
}

// NewEngine creates an engine backed by gw and images.
func NewEngine(gw gateway.Gateway, images ImageStore, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		gw:     gw,
		images: images,
		tools:  NewToolAdapter(gw, images, logger),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Tools returns the engine's tool adapter.
func (e *Engine) Tools() *ToolAdapter {
	return e.tools
}

// SetSubject (re)starts the briefing for title. The transcript is reset to
// the seed directive; image records are kept until Cleanup.
func (e *Engine) SetSubject(s *Session, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return &PreconditionError{Reason: "subject title required"}
	}
	s.State.SubjectTitle = title
	s.State.Status = domain.StatusActive
	s.transcript.Reset(title)
	s.commit(e.now())
	return nil
}

// FirstQuestion asks the broad opening question.
func (e *Engine) FirstQuestion(ctx context.Context, s *Session) (string, error) {
	if err := s.requireSubject(); err != nil {
		return "", err
	}

	instruction := domain.NewTextTurn(domain.RoleUser, firstQuestionPrompt(s.State.SubjectTitle))
	report(ctx, ProgressThinking)
	reply, err := e.gw.Converse(ctx, []domain.Turn{instruction}, questionSampling)
	question := e.questionText(s, reply, err)

	e.appendAssistant(s, question)
	s.commit(e.now())
	return question, nil
}

// NextQuestion records answer and asks the next question. The model may
// instead call generate_image, in which case the returned Advance carries
// the stored image and the model's question about it.
func (e *Engine) NextQuestion(ctx context.Context, s *Session, answer string) (Advance, error) {
	if err := s.requireSubject(); err != nil {
		return Advance{}, err
	}

	answer = strings.TrimSpace(answer)
	if answer == "" && s.Stage() == StageAwaitingFirstQuestion {
		q, err := e.FirstQuestion(ctx, s)
		return Advance{Question: q}, err
	}
	if answer != "" {
		if err := s.transcript.Append(domain.NewTextTurn(domain.RoleUser, answer)); err != nil {
			return Advance{}, fmt.Errorf("append answer: %w", err)
		}
	}

	reply, err := e.converseEphemeral(ctx, s, followUpPrompt(s.State.SubjectTitle), questionSampling, GenerateImageTool)

	var advance Advance
	if err == nil && reply.Kind == gateway.ReplyToolRequest {
		outcome := e.tools.Handle(ctx, s, reply.Tool)
		advance.Question = outcome.Reply
		if outcome.Result.OK() {
			advance.Images = []domain.GeneratedImageRecord{*outcome.Result.Image}
		}
	} else {
		advance.Question = e.questionText(s, reply, err)
	}

	e.appendAssistant(s, advance.Question)
	s.commit(e.now())
	return advance, nil
}

// Feedback sends the buyer's comment on an image to the model, records the
// exchange and renders a revised image.
func (e *Engine) Feedback(ctx context.Context, s *Session, imageRef, feedback string) (FeedbackResult, error) {
	if err := s.requireSubject(); err != nil {
		return FeedbackResult{}, err
	}
	imageRef = strings.TrimSpace(imageRef)
	feedback = strings.TrimSpace(feedback)
	if imageRef == "" || feedback == "" {
		return FeedbackResult{}, &PreconditionError{Reason: "image reference and feedback required"}
	}

	if !s.hasImage(imageRef) {
		e.logger.Warn("feedback names an image outside the session",
			"session_id", s.State.ID,
			"image", imageRef,
		)
		return FeedbackResult{Response: ImageUnreadable}, nil
	}
	data, err := e.images.Load(imageRef)
	if err != nil {
		e.logger.Warn("failed to load image for feedback",
			"session_id", s.State.ID,
			"image", imageRef,
			"error", err,
		)
		return FeedbackResult{Response: ImageUnreadable}, nil
	}

	scratch := domain.Turn{
		Role: domain.RoleUser,
		Parts: []domain.ContentPart{
			domain.ImagePart(imageRef, data),
			domain.TextPart(feedbackPrompt(s.State.SubjectTitle, feedback)),
		},
		CreatedAt: e.now().UTC(),
	}
	if err := s.transcript.AppendEphemeral(scratch); err != nil {
		return FeedbackResult{}, fmt.Errorf("append feedback instruction: %w", err)
	}
	report(ctx, ProgressThinking)
	reply, err := e.gw.Converse(ctx, s.transcript.Outbound(), feedbackSampling)
	s.transcript.DropEphemeral()

	response := FeedbackFallback
	switch {
	case err != nil:
		e.logFallback(s, "feedback", err)
		if gateway.IsNotConfigured(err) {
			response = NotConfiguredMessage
		}
	case strings.TrimSpace(reply.Text) != "":
		response = reply.Text
	}

	if err := s.transcript.Append(domain.NewTextTurn(domain.RoleUser,
		fmt.Sprintf("Feedback on %s: %s", imageRef, feedback))); err != nil {
		return FeedbackResult{}, fmt.Errorf("append feedback: %w", err)
	}
	e.appendAssistant(s, response)

	result := FeedbackResult{Response: response}
	if !gateway.IsNotConfigured(err) {
		rendered := e.tools.Render(ctx, s, response+" "+feedback)
		if rendered.OK() {
			result.NewImage = rendered.Image
		} else {
			result.Response = response + "\n\n" + failureText(rendered.Err)
		}
	}

	s.commit(e.now())
	return result, nil
}

// Summarize condenses the briefing and renders a final concept image.
// A successful summary marks the session completed.
func (e *Engine) Summarize(ctx context.Context, s *Session) (Summary, error) {
	if err := s.requireSubject(); err != nil {
		return Summary{}, err
	}

	reply, err := e.converseEphemeral(ctx, s, summaryPrompt(s.State.SubjectTitle), summarySampling)
	if err != nil || strings.TrimSpace(reply.Text) == "" {
		e.logFallback(s, "summary", err)
		text := SummaryFallback
		if gateway.IsNotConfigured(err) {
			text = NotConfiguredMessage
		}
		return Summary{Text: text}, nil
	}

	summary := Summary{Text: reply.Text}
	rendered := e.tools.Render(ctx, s, finalImagePrompt(s.State.SubjectTitle, reply.Text))
	if rendered.OK() {
		summary.FinalImage = rendered.Image
	}

	s.State.Status = domain.StatusCompleted
	s.commit(e.now())
	return summary, nil
}

// GenerateFromRequirements asks the model to turn requirements into an image
// prompt and call generate_image with it. The durable transcript is unchanged.
func (e *Engine) GenerateFromRequirements(ctx context.Context, s *Session, requirements string) (Generation, error) {
	if err := s.requireSubject(); err != nil {
		return Generation{}, err
	}
	requirements = strings.TrimSpace(requirements)
	if requirements == "" {
		return Generation{}, &PreconditionError{Reason: "requirements required"}
	}

	reply, err := e.converseEphemeral(ctx, s, enhancePrompt(s.State.SubjectTitle, requirements), enhanceSampling, GenerateImageTool)
	if err != nil {
		e.logFallback(s, "generate", err)
		if gateway.IsNotConfigured(err) {
			return Generation{Reply: NotConfiguredMessage}, nil
		}
		return Generation{Reply: failureText(err)}, nil
	}

	var gen Generation
	if reply.Kind == gateway.ReplyToolRequest {
		outcome := e.tools.Handle(ctx, s, reply.Tool)
		gen.Reply = outcome.Reply
		if outcome.Result.OK() {
			gen.Images = []domain.GeneratedImageRecord{*outcome.Result.Image}
		}
	} else {
		gen.Reply = reply.Text
	}

	s.commit(e.now())
	return gen, nil
}

// Cleanup removes every stored image of the session and clears its records.
// Records whose file could not be removed are kept.
func (e *Engine) Cleanup(s *Session) (int, error) {
	var (
		kept    []domain.GeneratedImageRecord
		errs    []error
		removed int
	)
	for _, img := range s.State.Images {
		if err := e.images.Remove(img.Path); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", img.Path, err))
			kept = append(kept, img)
			continue
		}
		removed++
	}
	s.State.Images = kept
	s.State.UpdatedAt = e.now()
	return removed, errors.Join(errs...)
}

// converseEphemeral sends the transcript plus one scratch instruction.
// The instruction is dropped before returning, whatever the outcome.
func (e *Engine) converseEphemeral(ctx context.Context, s *Session, instruction string, sampling gateway.Sampling, tools ...gateway.ToolSpec) (gateway.Reply, error) {
	if err := s.transcript.AppendEphemeral(domain.NewTextTurn(domain.RoleUser, instruction)); err != nil {
		return gateway.Reply{}, err
	}
	defer s.transcript.DropEphemeral()
	report(ctx, ProgressThinking)
	return e.gw.Converse(ctx, s.transcript.Outbound(), sampling, tools...)
}

// questionText picks the question to show for a text reply, falling back
// when the call failed or came back empty.
func (e *Engine) questionText(s *Session, reply gateway.Reply, err error) string {
	if err != nil {
		e.logFallback(s, "question", err)
		if gateway.IsNotConfigured(err) {
			return NotConfiguredMessage
		}
		return FallbackQuestion
	}
	if strings.TrimSpace(reply.Text) == "" {
		e.logger.Warn("model returned an empty question", "session_id", s.State.ID)
		return FallbackQuestion
	}
	return reply.Text
}

func (e *Engine) appendAssistant(s *Session, text string) {
	// Text is never empty here, so Append cannot fail.
	_ = s.transcript.Append(domain.NewTextTurn(domain.RoleAssistant, text))
}

func (e *Engine) logFallback(s *Session, stage string, err error) {
	e.logger.Warn("model call failed, using fallback",
		"session_id", s.State.ID,
		"stage", stage,
		"error", err,
	)
}
