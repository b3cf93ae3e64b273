// Package provider contains the upstream LLM clients. Each provider adapts
// one vendor API to the common Request/Event/Result contract consumed by the
// completion engine.
package provider

import (
	"context"
	"errors"
	"net"
	"syscall"

	anthropic "github.com/liushuangls/go-anthropic/v2"
	openai "github.com/sashabaranov/go-openai"

	"github.com/agentdeck/chat-gateway/internal/apierror"
	"github.com/agentdeck/chat-gateway/internal/session"
)

// ToolDef describes one tool offered to the model.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// Usage is the upstream-reported token accounting for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Request is a vendor-neutral chat completion request. Messages carry the
// full session history including tool turns.
type Request struct {
	Model       string
	System      string
	Messages    []session.Message
	Tools       []ToolDef
	MaxTokens   int
	Temperature *float32
}

// Event is one streaming increment. Exactly one of the payload fields is
// set. The stream channel is closed after the terminal event: either an
// Event with FinishReason set, or one with Err set.
type Event struct {
	Text         string
	ToolCall     *session.ToolCall
	Usage        *Usage
	FinishReason string
	Err          error
}

// Result is a complete non-streaming response.
type Result struct {
	Content      string
	ToolCalls    []session.ToolCall
	FinishReason string
	Usage        Usage
}

// Provider is one upstream LLM backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Result, error)
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}

// Finish reasons normalized across vendors.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishToolCalls = "tool_calls"
	FinishFiltered  = "content_filter"
)

// Transient reports whether err is worth one retry: timeouts, connection
// resets and upstream 5xx. Client errors (4xx) are never transient.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	if status, ok := StatusCode(err); ok {
		return status >= 500
	}
	return false
}

// StatusCode extracts the upstream HTTP status from a vendor SDK error or
// an already-classified gateway error.
func StatusCode(err error) (int, bool) {
	var apiErr *apierror.Error
	if errors.As(err, &apiErr) {
		return apiErr.Status, true
	}
	var oaErr *openai.APIError
	if errors.As(err, &oaErr) {
		return oaErr.HTTPStatusCode, true
	}
	var oaReqErr *openai.RequestError
	if errors.As(err, &oaReqErr) {
		return oaReqErr.HTTPStatusCode, true
	}
	var anReqErr *anthropic.RequestError
	if errors.As(err, &anReqErr) {
		return anReqErr.StatusCode, true
	}
	var anAPIErr *anthropic.APIError
	if errors.As(err, &anAPIErr) {
		// APIError carries no status; map the documented error types.
		switch anAPIErr.Type {
		case anthropic.ErrTypeOverloaded:
			return 529, true
		case anthropic.ErrTypeApi:
			return 500, true
		case anthropic.ErrTypeRateLimit:
			return 429, true
		}
	}
	return 0, false
}
