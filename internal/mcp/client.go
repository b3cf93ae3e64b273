// Package mcp dispatches tool calls to configured tool servers and owns the
// layered tool configuration (session over project over user scope).
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentdeck/chat-gateway/internal/config"
	"github.com/agentdeck/chat-gateway/internal/jsonval"
)

// Tool is one tool advertised by a server.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
	Dangerous   bool           `json:"dangerous,omitempty"`
}

// client talks to one tool server over HTTP. The server contract is two
// endpoints: GET {endpoint}/tools lists the advertised tools, and
// POST {endpoint}/invoke runs one.
type client struct {
	endpoint   string
	httpClient *http.Client
}

func newClient(endpoint string, timeout time.Duration) *client {
	if timeout <= 0 {
		timeout = config.DefaultToolTimeout
	}
	return &client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ListTools fetches the server's tool list. Also serves as the liveness
// probe during discovery.
func (c *client) ListTools(ctx context.Context) ([]Tool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/tools", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list tools: status %d", resp.StatusCode)
	}

	var payload struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("list tools: decode: %w", err)
	}
	return payload.Tools, nil
}

type invokeRequest struct {
	Tool string        `json:"tool"`
	Args jsonval.Value `json:"args"`
}

type invokeResponse struct {
	Output jsonval.Value `json:"output"`
	Error  string        `json:"error,omitempty"`
}

// Invoke runs one tool. A non-2xx status or an error field in the response
// body is a tool execution failure, not a server outage.
func (c *client) Invoke(ctx context.Context, tool string, args jsonval.Value) (jsonval.Value, error) {
	body, err := json.Marshal(invokeRequest{Tool: tool, Args: args})
	if err != nil {
		return jsonval.Value{}, fmt.Errorf("invoke %s: marshal: %w", tool, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/invoke", bytes.NewReader(body))
	if err != nil {
		return jsonval.Value{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return jsonval.Value{}, fmt.Errorf("invoke %s: %w", tool, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, config.MaxRequestBodySize))
	if err != nil {
		return jsonval.Value{}, fmt.Errorf("invoke %s: read: %w", tool, err)
	}

	var decoded invokeResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return jsonval.Value{}, fmt.Errorf("invoke %s: status %d: %s", tool, resp.StatusCode, truncate(respBody, 256))
	}
	if decoded.Error != "" {
		return jsonval.Value{}, fmt.Errorf("invoke %s: %s", tool, decoded.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return jsonval.Value{}, fmt.Errorf("invoke %s: status %d", tool, resp.StatusCode)
	}
	return decoded.Output, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
