package briefing

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/ashureev/echo-briefing/internal/domain"
	"github.com/ashureev/echo-briefing/internal/gateway"
	"github.com/ashureev/echo-briefing/internal/imagestore"
	"github.com/google/uuid"
)

// GenerateImageToolName is the only tool the model may call.
const GenerateImageToolName = "generate_image"

// GenerateImageTool is the declaration sent with tool-enabled model calls.
var GenerateImageTool = gateway.ToolSpec{
	Name:        GenerateImageToolName,
	Description: "Generate a concept image from a text prompt",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"prompt": map[string]any{
				"type":        "string",
				"description": "Text description of the image to generate",
			},
			"filename": map[string]any{
				"type":        "string",
				"description": "Optional filename for the output image",
			},
		},
		"required": []string{"prompt"},
	},
}

var reactionSampling = gateway.Sampling{Temperature: 0.7, MaxTokens: 1024}

// ImageStore persists generated PNG images.
type ImageStore interface {
	Save(filename string, data []byte) (domain.GeneratedImageRecord, error)
	Load(ref string) ([]byte, error)
	Remove(ref string) error
}

// ToolOutcome is what the adapter folds back into the conversation.
type ToolOutcome struct {
	// Reply is the assistant text shown to the user.
	Reply  string
	Result domain.ToolInvocationResult
}

// ToolAdapter turns generate_image requests into stored images and a
// follow-up question about them.
type ToolAdapter struct {
	gw     gateway.Gateway
	images ImageStore
	logger *slog.Logger
	now    func() time.Time
}

// NewToolAdapter creates an adapter.
func NewToolAdapter(gw gateway.Gateway, images ImageStore, logger *slog.Logger) *ToolAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolAdapter{
		gw:     gw,
		images: images,
		logger: logger,
		now:    time.Now,
	}
}

// Handle executes req against session.
//
// It never returns an error: unknown tools, image failures and storage
// failures all become a textual reply without an image record.
func (a *ToolAdapter) Handle(ctx context.Context, s *Session, req *domain.ToolInvocationRequest) ToolOutcome {
	if req.Name != GenerateImageToolName {
		err := &UnknownToolError{Name: req.Name}
		a.logger.Warn("model requested unknown tool",
			"session_id", s.State.ID,
			"tool", req.Name,
		)
		return ToolOutcome{
			Reply:  err.Error(),
			Result: domain.ToolInvocationResult{RequestID: req.ID, Err: err},
		}
	}

	prompt := req.Arguments.Prompt
	if strings.TrimSpace(prompt) == "" {
		prompt = DefaultImagePrompt
	}

	data, result := a.render(ctx, s, prompt, req.Arguments.Filename)
	result.RequestID = req.ID
	if !result.OK() {
		return ToolOutcome{Reply: failureText(result.Err), Result: result}
	}

	return ToolOutcome{
		Reply:  a.react(ctx, s, result.Image, data),
		Result: result,
	}
}

// Render generates and stores one image for prompt without asking the
// model for a reaction. It backs feedback regeneration and final images.
func (a *ToolAdapter) Render(ctx context.Context, s *Session, prompt string) domain.ToolInvocationResult {
	_, result := a.render(ctx, s, prompt, "")
	return result
}

func (a *ToolAdapter) render(ctx context.Context, s *Session, prompt, filename string) ([]byte, domain.ToolInvocationResult) {
	report(ctx, ProgressRendering)
	data, err := a.gw.GenerateImage(ctx, prompt)
	if err != nil {
		a.logger.Warn("image generation failed",
			"session_id", s.State.ID,
			"error", err,
		)
		return nil, domain.ToolInvocationResult{Err: err}
	}

	record, err := a.images.Save(a.filename(filename), data)
	if err != nil {
		a.logger.Error("failed to store generated image",
			"session_id", s.State.ID,
			"error", err,
		)
		return nil, domain.ToolInvocationResult{Err: err}
	}
	record.Prompt = prompt
	s.State.Images = append(s.State.Images, record)

	a.logger.Info("generated image stored",
		"session_id", s.State.ID,
		"path", record.Path,
		"bytes", len(data),
	)
	return data, domain.ToolInvocationResult{
		Image:   &record,
		Encoded: data,
		Format:  "png",
	}
}

// react shows the stored image to the text model with the steering prompt
// and returns its question. A failed call keeps the image and uses a canned question.
func (a *ToolAdapter) react(ctx context.Context, s *Session, record *domain.GeneratedImageRecord, data []byte) string {
	turn := domain.Turn{
		Role: domain.RoleUser,
		Parts: []domain.ContentPart{
			domain.ImagePart(record.Path, data),
			domain.TextPart(steeringPrompt(s.State.SubjectTitle)),
		},
		CreatedAt: a.now().UTC(),
	}

	reply, err := a.gw.Converse(ctx, []domain.Turn{turn}, reactionSampling)
	if err != nil {
		a.logger.Warn("image reaction failed",
			"session_id", s.State.ID,
			"error", err,
		)
		return ReactionFallback
	}
	if reply.Kind != gateway.ReplyText || strings.TrimSpace(reply.Text) == "" {
		return ReactionFallback
	}
	return reply.Text
}

// filename returns a safe .png file name, generating one when name is empty.
func (a *ToolAdapter) filename(name string) string {
	name = strings.TrimSpace(name)
	if name != "" {
		name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	}
	if name == "" || name == "." || name == ".." || name == "/" {
		name = "image-" + a.now().Format("20060102-150405") + "-" + uuid.NewString()[:8]
	}
	if !strings.HasSuffix(strings.ToLower(name), ".png") {
		name += ".png"
	}
	return name
}

// failureText renders an image path failure as an assistant reply.
func failureText(err error) string {
	if gateway.IsNotConfigured(err) {
		return NotConfiguredMessage
	}
	var encErr *imagestore.EncodingError
	if errors.As(err, &encErr) {
		return ImageUnsaved
	}
	var gwErr *gateway.GatewayError
	if errors.As(err, &gwErr) && gwErr.Message != "" {
		return "I couldn't generate an image this time: " + gwErr.Message
	}
	return "I couldn't generate an image this time. Please try again."
}
