// Package monitoring - types.go defines shared event types.
//
// DESIGN: These types are used by both gateway/ and monitoring/ packages.
// Defined here ONCE to avoid duplication and circular imports.
package monitoring

import "time"

// RequestEvent captures one HTTP request through the gateway.
type RequestEvent struct {
	RequestID  string    `json:"request_id"`
	Timestamp  time.Time `json:"timestamp"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	ClientIP   string    `json:"client_ip"`
	StatusCode int       `json:"status_code"`
	LatencyMs  int64     `json:"latency_ms"`
}

// CompletionEvent captures one finished chat completion.
type CompletionEvent struct {
	Timestamp    time.Time `json:"timestamp"`
	SessionID    string    `json:"session_id"`
	Model        string    `json:"model"`
	State        string    `json:"state"` // succeeded, failed, cancelled
	Stream       bool      `json:"stream"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	TotalTokens  int       `json:"total_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	LatencyMs    int64     `json:"latency_ms"`
}

// ToolEvent captures one tool dispatch through the MCP layer.
type ToolEvent struct {
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	ServerID  string    `json:"server_id"`
	Tool      string    `json:"tool"`
	Success   bool      `json:"success"`
	LatencyMs int64     `json:"latency_ms"`
}

// InitEvent captures gateway startup configuration without leaking secrets.
type InitEvent struct {
	Timestamp     time.Time      `json:"timestamp"`
	Event         string         `json:"event"`
	Version       string         `json:"version,omitempty"`
	ServerHost    string         `json:"server_host"`
	ServerPort    int            `json:"server_port"`
	Providers     []InitProvider `json:"providers,omitempty"`
	ModelCount    int            `json:"model_count"`
	ToolServers   []string       `json:"tool_servers,omitempty"`
	TelemetryPath string         `json:"telemetry_path,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// InitProvider summarizes a provider config.
type InitProvider struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Endpoint  string `json:"endpoint,omitempty"`
	HasAPIKey bool   `json:"has_api_key"`
}

// TelemetryConfig contains telemetry configuration.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	LogPath     string `yaml:"log_path"`
	LogToStdout bool   `yaml:"log_to_stdout"`
}
