package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/agentdeck/chat-gateway/internal/jsonval"
	"github.com/agentdeck/chat-gateway/internal/session"
)

// OpenAI adapts the OpenAI chat completion API (and any compatible server
// via base_url) to the Provider contract.
type OpenAI struct {
	client *openai.Client
}

// NewOpenAI builds an OpenAI provider. baseURL may be empty for the public
// API or point at any OpenAI-compatible server.
func NewOpenAI(apiKey, baseURL string) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg)}
}

func (p *OpenAI) Name() string { return "openai" }

// Complete performs one non-streaming call.
func (p *OpenAI) Complete(ctx context.Context, req Request) (Result, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req, false))
	if err != nil {
		return Result{}, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("openai completion: empty choices")
	}

	choice := resp.Choices[0]
	result := Result{
		Content:      choice.Message.Content,
		FinishReason: normalizeFinishReason(string(choice.FinishReason)),
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		call, err := decodeToolCall(tc.ID, tc.Function.Name, tc.Function.Arguments)
		if err != nil {
			log.Warn().Err(err).Str("tool", tc.Function.Name).Msg("dropping malformed tool call")
			continue
		}
		result.ToolCalls = append(result.ToolCalls, call)
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = FinishToolCalls
	}
	return result, nil
}

// Stream performs one streaming call. Events are delivered in arrival order;
// the channel closes after the terminal event.
func (p *OpenAI) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	sdkReq := p.buildRequest(req, true)
	sdkReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := p.client.CreateChatCompletionStream(ctx, sdkReq)
	if err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		defer stream.Close()

		// All sends go through emit so an abandoned receiver never leaks
		// this goroutine.
		emit := func(ev Event) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		// Tool call fragments arrive interleaved and keyed by index;
		// they are assembled and emitted at end of stream.
		acc := map[int]*toolCallAccumulator{}
		finishReason := ""
		var usage *Usage

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				emit(Event{Err: fmt.Errorf("openai stream recv: %w", err)})
				return
			}

			if resp.Usage != nil {
				usage = &Usage{
					InputTokens:  resp.Usage.PromptTokens,
					OutputTokens: resp.Usage.CompletionTokens,
					TotalTokens:  resp.Usage.TotalTokens,
				}
			}
			for _, choice := range resp.Choices {
				if choice.FinishReason != "" {
					finishReason = normalizeFinishReason(string(choice.FinishReason))
				}
				if choice.Delta.Content != "" {
					if !emit(Event{Text: choice.Delta.Content}) {
						// Best effort; the receiver may already be gone.
						select {
						case events <- Event{Err: ctx.Err()}:
						default:
						}
						return
					}
				}
				for _, tc := range choice.Delta.ToolCalls {
					idx := 0
					if tc.Index != nil {
						idx = *tc.Index
					}
					a, ok := acc[idx]
					if !ok {
						a = &toolCallAccumulator{}
						acc[idx] = a
					}
					if tc.ID != "" {
						a.id = tc.ID
					}
					if tc.Function.Name != "" {
						a.name += tc.Function.Name
					}
					a.args.WriteString(tc.Function.Arguments)
				}
			}
		}

		for i := 0; i < len(acc); i++ {
			a, ok := acc[i]
			if !ok {
				continue
			}
			call, err := decodeToolCall(a.id, a.name, a.args.String())
			if err != nil {
				log.Warn().Err(err).Str("tool", a.name).Msg("dropping malformed tool call")
				continue
			}
			if !emit(Event{ToolCall: &call}) {
				return
			}
			finishReason = FinishToolCalls
		}
		if usage != nil {
			if !emit(Event{Usage: usage}) {
				return
			}
		}
		if finishReason == "" {
			finishReason = FinishStop
		}
		emit(Event{FinishReason: finishReason})
	}()
	return events, nil
}

func (p *OpenAI) buildRequest(req Request, stream bool) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Args.Encode()),
				},
			})
		}
		messages = append(messages, msg)
	}

	sdkReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   stream,
	}
	if req.MaxTokens > 0 {
		sdkReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		sdkReq.Temperature = *req.Temperature
	}
	for _, t := range req.Tools {
		sdkReq.Tools = append(sdkReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	if len(sdkReq.Tools) > 0 {
		sdkReq.ToolChoice = "auto"
	}
	return sdkReq
}

type toolCallAccumulator struct {
	id   string
	name string
	args strings.Builder
}

// decodeToolCall parses the accumulated argument JSON into a tool call.
func decodeToolCall(id, name, args string) (session.ToolCall, error) {
	if args == "" {
		args = "{}"
	}
	val, err := jsonval.Decode([]byte(args))
	if err != nil {
		return session.ToolCall{}, fmt.Errorf("tool call arguments: %w", err)
	}
	return session.ToolCall{ID: id, Name: name, Args: val}, nil
}

func normalizeFinishReason(reason string) string {
	switch reason {
	case "length", "max_tokens":
		return FinishLength
	case "tool_calls", "tool_use":
		return FinishToolCalls
	case "content_filter", "content_filtered":
		return FinishFiltered
	default:
		return FinishStop
	}
}
