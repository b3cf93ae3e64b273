package provider

import (
	"context"
	"encoding/json"
	"fmt"

	anthropic "github.com/liushuangls/go-anthropic/v2"
	"github.com/rs/zerolog/log"

	"github.com/agentdeck/chat-gateway/internal/session"
)

const defaultMaxTokens = 4096

// Anthropic adapts the Anthropic Messages API to the Provider contract.
type Anthropic struct {
	client *anthropic.Client
}

// NewAnthropic builds an Anthropic provider against the public API.
func NewAnthropic(apiKey, baseURL string) *Anthropic {
	opts := []anthropic.ClientOption{}
	if baseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(baseURL))
	}
	return &Anthropic{client: anthropic.NewClient(apiKey, opts...)}
}

func (p *Anthropic) Name() string { return "anthropic" }

// Complete performs one non-streaming call.
func (p *Anthropic) Complete(ctx context.Context, req Request) (Result, error) {
	resp, err := p.client.CreateMessages(ctx, p.buildRequest(req))
	if err != nil {
		return Result{}, fmt.Errorf("anthropic completion: %w", err)
	}

	var result Result
	for _, block := range resp.Content {
		switch block.Type {
		case anthropic.MessagesContentTypeText:
			if block.Text != nil {
				result.Content += *block.Text
			}
		case anthropic.MessagesContentTypeToolUse:
			if block.MessageContentToolUse == nil {
				continue
			}
			tu := block.MessageContentToolUse
			call, err := decodeToolCall(tu.ID, tu.Name, string(tu.Input))
			if err != nil {
				log.Warn().Err(err).Str("tool", tu.Name).Msg("dropping malformed tool call")
				continue
			}
			result.ToolCalls = append(result.ToolCalls, call)
		}
	}

	result.FinishReason = normalizeFinishReason(string(resp.StopReason))
	if len(result.ToolCalls) > 0 {
		result.FinishReason = FinishToolCalls
	}
	result.Usage = Usage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}
	return result, nil
}

// Stream performs one streaming call. The SDK is callback-based; callbacks
// feed the event channel from a dedicated goroutine.
func (p *Anthropic) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	events := make(chan Event, 16)

	go func() {
		defer close(events)

		emit := func(ev Event) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		streamReq := anthropic.MessagesStreamRequest{MessagesRequest: p.buildRequest(req)}
		sawToolCalls := false

		streamReq.OnContentBlockDelta = func(data anthropic.MessagesEventContentBlockDeltaData) {
			if data.Delta.Type == anthropic.MessagesContentTypeTextDelta && data.Delta.Text != nil {
				emit(Event{Text: *data.Delta.Text})
			}
		}
		streamReq.OnContentBlockStop = func(_ anthropic.MessagesEventContentBlockStopData, content anthropic.MessageContent) {
			if content.Type != anthropic.MessagesContentTypeToolUse || content.MessageContentToolUse == nil {
				return
			}
			tu := content.MessageContentToolUse
			call, err := decodeToolCall(tu.ID, tu.Name, string(tu.Input))
			if err != nil {
				log.Warn().Err(err).Str("tool", tu.Name).Msg("dropping malformed tool call")
				return
			}
			sawToolCalls = true
			emit(Event{ToolCall: &call})
		}

		resp, err := p.client.CreateMessagesStream(ctx, streamReq)
		if err != nil {
			emit(Event{Err: fmt.Errorf("anthropic stream: %w", err)})
			return
		}

		if resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0 {
			if !emit(Event{Usage: &Usage{
				InputTokens:  resp.Usage.InputTokens,
				OutputTokens: resp.Usage.OutputTokens,
				TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
			}}) {
				return
			}
		}

		finishReason := normalizeFinishReason(string(resp.StopReason))
		if sawToolCalls {
			finishReason = FinishToolCalls
		}
		emit(Event{FinishReason: finishReason})
	}()
	return events, nil
}

func (p *Anthropic) buildRequest(req Request) anthropic.MessagesRequest {
	var msgs []anthropic.Message
	prevToolCallIDs := map[string]bool{}

	for _, m := range req.Messages {
		switch m.Role {
		case session.RoleUser:
			msgs = append(msgs, anthropic.Message{
				Role:    anthropic.RoleUser,
				Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(m.Content)},
			})
		case session.RoleAssistant:
			var content []anthropic.MessageContent
			if m.Content != "" {
				content = append(content, anthropic.NewTextMessageContent(m.Content))
			}
			for _, tc := range m.ToolCalls {
				content = append(content, anthropic.NewToolUseMessageContent(
					tc.ID, tc.Name, json.RawMessage(tc.Args.Encode()),
				))
				prevToolCallIDs[tc.ID] = true
			}
			msgs = append(msgs, anthropic.Message{Role: anthropic.RoleAssistant, Content: content})
		case session.RoleTool:
			// Tool results must answer a preceding tool_use block.
			if !prevToolCallIDs[m.ToolCallID] {
				continue
			}
			content := m.Content
			if content == "" {
				content = "{}"
			}
			msgs = append(msgs, anthropic.Message{
				Role: anthropic.RoleUser,
				Content: []anthropic.MessageContent{
					anthropic.NewToolResultMessageContent(m.ToolCallID, content, false),
				},
			})
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	out := anthropic.MessagesRequest{
		Model:     anthropic.Model(req.Model),
		Messages:  msgs,
		MaxTokens: maxTokens,
	}
	if req.System != "" {
		out.System = req.System
	}
	if req.Temperature != nil {
		out.Temperature = req.Temperature
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, anthropic.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out
}
