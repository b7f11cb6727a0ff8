package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/echo-briefing/internal/domain"
	openai "github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

const (
	defaultTextModel  = "gpt-4o"
	defaultImageModel = "dall-e-3"
	defaultTimeout    = 60 * time.Second
)

// OpenAIConfig configures the OpenAI-compatible gateway.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	TextModel  string
	ImageModel string
	Timeout    time.Duration
}

// OpenAI implements Gateway against an OpenAI-compatible API.
type OpenAI struct {
	client     openai.Client
	textModel  string
	imageModel string
	timeout    time.Duration
	logger     *slog.Logger
}

// NewOpenAI creates a gateway. It fails with ErrNotConfigured when no API key is set.
func NewOpenAI(cfg OpenAIConfig, logger *slog.Logger) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNotConfigured
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TextModel == "" {
		cfg.TextModel = defaultTextModel
	}
	if cfg.ImageModel == "" {
		cfg.ImageModel = defaultImageModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	opts := []openaiopt.RequestOption{
		openaiopt.WithAPIKey(cfg.APIKey),
		// Failures are handled by the caller's fallback policy.
		openaiopt.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openaiopt.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAI{
		client:     openai.NewClient(opts...),
		textModel:  cfg.TextModel,
		imageModel: cfg.ImageModel,
		timeout:    cfg.Timeout,
		logger:     logger,
	}, nil
}

// Converse sends the transcript and decodes the first choice into a Reply.
func (g *OpenAI) Converse(ctx context.Context, turns []domain.Turn, sampling Sampling, tools ...ToolSpec) (Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(g.textModel),
		Messages: convertTurns(turns),
		Tools:    convertTools(tools),
	}
	if sampling.Temperature > 0 {
		params.Temperature = openai.Float(sampling.Temperature)
	}
	if sampling.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(sampling.MaxTokens))
	}

	start := time.Now()
	completion, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Reply{}, wrapProviderError("converse", err)
	}
	g.logger.Debug("model converse completed",
		"model", g.textModel,
		"turns", len(turns),
		"duration", time.Since(start),
	)

	if len(completion.Choices) == 0 {
		return Reply{}, &GatewayError{Op: "converse", Message: "provider returned no choices"}
	}
	return decodeMessage(completion.Choices[0].Message), nil
}

// GenerateImage renders prompt into PNG bytes.
func (g *OpenAI) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := openai.ImageGenerateParams{
		Prompt: prompt,
		Model:  openai.ImageModel(g.imageModel),
		N:      openai.Int(1),
		Size:   openai.ImageGenerateParamsSize1024x1024,
	}
	// gpt-image models always answer with base64 and reject response_format.
	if strings.HasPrefix(g.imageModel, "dall-e") {
		params.ResponseFormat = openai.ImageGenerateParamsResponseFormatB64JSON
	}

	resp, err := g.client.Images.Generate(ctx, params)
	if err != nil {
		return nil, wrapProviderError("generate image", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, &GatewayError{Op: "generate image", Message: "provider returned no image data"}
	}

	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, &GatewayError{Op: "generate image", Message: "invalid base64 image payload", Err: err}
	}
	return data, nil
}

func wrapProviderError(op string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return &GatewayError{Op: op, Message: apiErr.Message, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &GatewayError{Op: op, Message: "provider timed out", Err: err}
	}
	return &GatewayError{Op: op, Err: err}
}

func decodeMessage(msg openai.ChatCompletionMessage) Reply {
	if len(msg.ToolCalls) == 0 {
		return Reply{Kind: ReplyText, Text: strings.TrimSpace(msg.Content)}
	}

	call := msg.ToolCalls[0]
	req := &domain.ToolInvocationRequest{
		ID:   call.ID,
		Name: call.Function.Name,
		Raw:  json.RawMessage(call.Function.Arguments),
	}
	if req.ID == "" {
		req.ID = "auto_call_0"
	}
	// Malformed arguments leave the zero value; the adapter fills defaults.
	if call.Function.Arguments != "" {
		_ = json.Unmarshal([]byte(call.Function.Arguments), &req.Arguments)
	}
	return Reply{Kind: ReplyToolRequest, Text: strings.TrimSpace(msg.Content), Tool: req}
}

func convertTurns(turns []domain.Turn) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case domain.RoleSystem:
			result = append(result, openai.ChatCompletionMessageParamUnion{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Content: openai.ChatCompletionSystemMessageParamContentUnion{
						OfString: openai.String(turn.Text()),
					},
				},
			})
		case domain.RoleAssistant:
			result = append(result, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Content: openai.ChatCompletionAssistantMessageParamContentUnion{
						OfString: openai.String(turn.Text()),
					},
				},
			})
		default:
			result = append(result, openai.ChatCompletionMessageParamUnion{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: convertUserContent(turn),
				},
			})
		}
	}
	return result
}

func convertUserContent(turn domain.Turn) openai.ChatCompletionUserMessageParamContentUnion {
	hasImage := false
	for _, p := range turn.Parts {
		if p.Image != nil && len(p.Data) > 0 {
			hasImage = true
			break
		}
	}
	if !hasImage {
		return openai.ChatCompletionUserMessageParamContentUnion{
			OfString: openai.String(turn.Text()),
		}
	}

	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(turn.Parts))
	for _, p := range turn.Parts {
		switch {
		case p.Image != nil && len(p.Data) > 0:
			parts = append(parts, openai.ChatCompletionContentPartUnionParam{
				OfImageURL: &openai.ChatCompletionContentPartImageParam{
					ImageURL: openai.ChatCompletionContentPartImageImageURLParam{
						URL: dataURL(p.Image.MIMEType, p.Data),
					},
				},
			})
		case p.Text != "":
			parts = append(parts, openai.ChatCompletionContentPartUnionParam{
				OfText: &openai.ChatCompletionContentPartTextParam{Text: p.Text},
			})
		}
	}
	return openai.ChatCompletionUserMessageParamContentUnion{
		OfArrayOfContentParts: parts,
	}
}

func convertTools(tools []ToolSpec) []openai.ChatCompletionToolParam {
	if len(tools) == 0 {
		return nil
	}
	result := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		result = append(result, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  shared.FunctionParameters(t.Parameters),
			},
		})
	}
	return result
}

func dataURL(mimeType string, data []byte) string {
	if mimeType == "" {
		mimeType = "image/png"
	}
	return fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))
}

var _ Gateway = (*OpenAI)(nil)
