// Package gateway is the boundary to the remote text and image models.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashureev/echo-briefing/internal/domain"
)

// ErrNotConfigured is wrapped by every error of a gateway that has no
// provider credentials.
var ErrNotConfigured = errors.New("model provider not configured")

// Sampling controls one text generation call.
type Sampling struct {
	Temperature float64
	MaxTokens   int
}

// ToolSpec declares a tool the model may call.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ReplyKind tells which variant of Reply is populated.
type ReplyKind int

const (
	// ReplyText is a plain text answer.
	ReplyText ReplyKind = iota
	// ReplyToolRequest is a request to invoke a registered tool.
	ReplyToolRequest
)

// Reply is the decoded result of a Converse call.
type Reply struct {
	Kind ReplyKind
	Text string
	Tool *domain.ToolInvocationRequest
}

// Gateway sends transcripts and image prompts to the model provider.
// Both calls block until the provider answers; there is no retry.
type Gateway interface {
	Converse(ctx context.Context, turns []domain.Turn, sampling Sampling, tools ...ToolSpec) (Reply, error)
	GenerateImage(ctx context.Context, prompt string) ([]byte, error)
}

// GatewayError carries a provider or transport failure.
//
//nolint:revive // gateway.GatewayError matches the error taxonomy used across the service.
type GatewayError struct {
	Op      string
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gateway %s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// IsNotConfigured reports whether err comes from a gateway without credentials.
func IsNotConfigured(err error) bool {
	return errors.Is(err, ErrNotConfigured)
}

// Unconfigured is used when no provider credentials are available.
// The server still starts and every call fails with ErrNotConfigured.
type Unconfigured struct{}

// Converse implements Gateway.
func (Unconfigured) Converse(context.Context, []domain.Turn, Sampling, ...ToolSpec) (Reply, error) {
	return Reply{}, &GatewayError{Op: "converse", Message: ErrNotConfigured.Error(), Err: ErrNotConfigured}
}

// GenerateImage implements Gateway.
func (Unconfigured) GenerateImage(context.Context, string) ([]byte, error) {
	return nil, &GatewayError{Op: "generate image", Message: ErrNotConfigured.Error(), Err: ErrNotConfigured}
}

var _ Gateway = Unconfigured{}
