package provider

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/rs/zerolog/log"

	"github.com/agentdeck/chat-gateway/internal/apierror"
	"github.com/agentdeck/chat-gateway/internal/session"
)

const (
	bedrockService          = "bedrock"
	bedrockHostPattern      = "bedrock-runtime.%s.amazonaws.com"
	bedrockAnthropicVersion = "bedrock-2023-05-31"
)

// Bedrock invokes Anthropic models hosted on AWS Bedrock. Requests use the
// Anthropic messages schema carried over the Bedrock InvokeModel endpoint,
// signed with SigV4 from the default AWS credential chain.
//
// Streaming is not offered: InvokeModelWithResponseStream speaks the AWS
// binary event-stream framing, not SSE. Catalog entries for Bedrock models
// set supports_streaming=false and the engine rejects stream requests before
// reaching this provider.
type Bedrock struct {
	region      string
	credentials aws.CredentialsProvider
	signer      *v4.Signer
	httpClient  *http.Client
}

// NewBedrock builds a Bedrock provider for the given region. Credentials
// come from the standard AWS chain (env, shared config, IAM role).
func NewBedrock(ctx context.Context, region string) (*Bedrock, error) {
	if region == "" {
		region = "us-east-1"
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return nil, fmt.Errorf("retrieve aws credentials: %w", err)
	}
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return nil, fmt.Errorf("aws credentials are empty")
	}

	log.Info().
		Str("region", region).
		Str("access_key_prefix", creds.AccessKeyID[:min(4, len(creds.AccessKeyID))]+"...").
		Msg("bedrock provider initialized")

	return &Bedrock{
		region:      region,
		credentials: cfg.Credentials,
		signer:      v4.NewSigner(),
		httpClient:  &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

func (p *Bedrock) Name() string { return "bedrock" }

// bedrockRequest is the Anthropic messages schema as accepted by
// InvokeModel. The model id travels in the URL, not the body.
type bedrockRequest struct {
	AnthropicVersion string             `json:"anthropic_version"`
	System           string             `json:"system,omitempty"`
	Messages         []bedrockMessage   `json:"messages"`
	MaxTokens        int                `json:"max_tokens"`
	Temperature      *float32           `json:"temperature,omitempty"`
	Tools            []bedrockToolDef   `json:"tools,omitempty"`
}

type bedrockMessage struct {
	Role    string         `json:"role"`
	Content []bedrockBlock `json:"content"`
}

type bedrockBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type bedrockToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type bedrockResponse struct {
	Content    []bedrockBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete performs one InvokeModel round trip.
func (p *Bedrock) Complete(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(p.buildRequest(req))
	if err != nil {
		return Result{}, fmt.Errorf("marshal bedrock request: %w", err)
	}

	target := fmt.Sprintf("https://"+bedrockHostPattern+"/model/%s/invoke",
		p.region, url.PathEscape(req.Model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build bedrock request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	if err := p.sign(ctx, httpReq, body); err != nil {
		return Result{}, err
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("bedrock invoke: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read bedrock response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return Result{}, apierror.UpstreamUnavailable(
				fmt.Sprintf("bedrock status %d", resp.StatusCode))
		}
		return Result{}, apierror.Upstream(
			fmt.Sprintf("bedrock status %d: %s", resp.StatusCode, truncate(respBody, 256)))
	}

	var decoded bedrockResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return Result{}, fmt.Errorf("decode bedrock response: %w", err)
	}
	return p.buildResult(decoded)
}

// Stream is not supported; see the type comment.
func (p *Bedrock) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	return nil, apierror.UnsupportedMode("model " + req.Model + " does not support streaming")
}

// sign applies SigV4 over the request with the body's payload hash.
func (p *Bedrock) sign(ctx context.Context, req *http.Request, body []byte) error {
	creds, err := p.credentials.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("retrieve aws credentials: %w", err)
	}
	payloadHash := fmt.Sprintf("%x", sha256.Sum256(body))
	if err := p.signer.SignHTTP(ctx, creds, req, payloadHash, bedrockService, p.region, time.Now()); err != nil {
		return fmt.Errorf("sign bedrock request: %w", err)
	}
	return nil
}

func (p *Bedrock) buildRequest(req Request) bedrockRequest {
	out := bedrockRequest{
		AnthropicVersion: bedrockAnthropicVersion,
		System:           req.System,
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultMaxTokens
	}

	prevToolCallIDs := map[string]bool{}
	for _, m := range req.Messages {
		switch m.Role {
		case session.RoleUser:
			out.Messages = append(out.Messages, bedrockMessage{
				Role:    "user",
				Content: []bedrockBlock{{Type: "text", Text: m.Content}},
			})
		case session.RoleAssistant:
			var blocks []bedrockBlock
			if m.Content != "" {
				blocks = append(blocks, bedrockBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, bedrockBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: json.RawMessage(tc.Args.Encode()),
				})
				prevToolCallIDs[tc.ID] = true
			}
			out.Messages = append(out.Messages, bedrockMessage{Role: "assistant", Content: blocks})
		case session.RoleTool:
			if !prevToolCallIDs[m.ToolCallID] {
				continue
			}
			content := m.Content
			if content == "" {
				content = "{}"
			}
			out.Messages = append(out.Messages, bedrockMessage{
				Role: "user",
				Content: []bedrockBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   content,
				}},
			})
		}
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, bedrockToolDef(t))
	}
	return out
}

func (p *Bedrock) buildResult(resp bedrockResponse) (Result, error) {
	var result Result
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			result.Content += block.Text
		case "tool_use":
			call, err := decodeToolCall(block.ID, block.Name, string(block.Input))
			if err != nil {
				log.Warn().Err(err).Str("tool", block.Name).Msg("dropping malformed tool call")
				continue
			}
			result.ToolCalls = append(result.ToolCalls, call)
		}
	}
	result.FinishReason = normalizeFinishReason(resp.StopReason)
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

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
