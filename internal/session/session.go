// Package session owns conversation session state and lifecycle.
//
// DESIGN: Sessions are the only mutable shared state on the completion path.
// All mutation goes through the Store's narrow contract; the router and
// engine never touch fields directly. BeginRun/EndRun is the sole
// concurrency gate: exactly one completion may run per session.
package session

import (
	"time"

	"github.com/agentdeck/chat-gateway/internal/jsonval"
)

// Role values for messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string        `json:"id"`
	Name string        `json:"name"`
	Args jsonval.Value `json:"args"`
}

// Message is one turn in a session. Append-only: once appended a message is
// never mutated.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // Set on role=tool results
	Truncated  bool       `json:"truncated,omitempty"`    // Assistant message cut short by cancel
}

// Usage holds token counts for one or more turns.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
	u.TotalTokens += u2.TotalTokens
}

// ToolConfig is the session-scope tool configuration layer. Nil slices and
// pointers mean "unset, inherit from project/user scope".
type ToolConfig struct {
	EnabledServers *[]string `json:"enabled_servers,omitempty"`
	EnabledTools   *[]string `json:"enabled_tools,omitempty"`
	Priority       *[]string `json:"priority,omitempty"`
	AuditLog       *bool     `json:"audit_log,omitempty"`
}

// Session is a snapshot of one conversation session. Store methods return
// copies; mutating a snapshot has no effect on stored state.
type Session struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"project_id,omitempty"`
	Model        string     `json:"model"`
	SystemPrompt string     `json:"system_prompt,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	Usage        Usage      `json:"usage"`
	Cost         float64    `json:"cost_usd"`
	MessageCount int        `json:"message_count"`
	Running      bool       `json:"running"`
	Tools        *ToolConfig `json:"tools,omitempty"`
}

// Stats aggregates usage across all live sessions.
type Stats struct {
	ActiveSessions int     `json:"active_sessions"`
	TotalTokens    int     `json:"total_tokens"`
	TotalCost      float64 `json:"total_cost_usd"`
	TotalMessages  int     `json:"total_messages"`
}
