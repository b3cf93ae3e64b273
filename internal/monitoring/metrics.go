// Package monitoring - metrics.go provides simple counters.
//
// DESIGN: Lightweight in-memory counters for operational metrics:
//   - completions: Total, succeeded, failed, cancelled, streamed
//   - tools:       Dispatch counts and failures
//   - tokens/cost: Billed usage accumulated across completions
//
// For production, export these to Prometheus or similar.
package monitoring

import (
	"fmt"
	"sync/atomic"
	"time"
)

// MetricsCollector collects operational metrics.
type MetricsCollector struct {
	startedAt time.Time

	// Completion counters
	completions atomic.Int64
	succeeded   atomic.Int64
	failed      atomic.Int64
	cancelled   atomic.Int64
	streamed    atomic.Int64

	// Tool dispatch counters
	toolCalls    atomic.Int64
	toolFailures atomic.Int64

	// Usage counters. Cost is held in microdollars so it fits an atomic int.
	inputTokens  atomic.Int64
	outputTokens atomic.Int64
	costMicroUSD atomic.Int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{startedAt: time.Now()}
}

// RecordCompletion records one finished completion.
func (mc *MetricsCollector) RecordCompletion(state string, stream bool, inputTokens, outputTokens int, costUSD float64) {
	mc.completions.Add(1)
	switch state {
	case "succeeded":
		mc.succeeded.Add(1)
	case "cancelled":
		mc.cancelled.Add(1)
	default:
		mc.failed.Add(1)
	}
	if stream {
		mc.streamed.Add(1)
	}
	mc.inputTokens.Add(int64(inputTokens))
	mc.outputTokens.Add(int64(outputTokens))
	mc.costMicroUSD.Add(int64(costUSD * 1e6))
}

// RecordToolCall records one tool dispatch.
func (mc *MetricsCollector) RecordToolCall(success bool) {
	mc.toolCalls.Add(1)
	if !success {
		mc.toolFailures.Add(1)
	}
}

// StartedAt returns when the metrics collector was created.
func (mc *MetricsCollector) StartedAt() time.Time { return mc.startedAt }

// FullStats returns all metrics in a structured format for the /stats endpoint.
func (mc *MetricsCollector) FullStats() StatsResponse {
	uptime := time.Since(mc.startedAt)
	total := mc.completions.Load()

	return StatsResponse{
		Uptime:        formatDuration(uptime),
		UptimeSeconds: int64(uptime.Seconds()),
		StartedAt:     mc.startedAt.Format(time.RFC3339),
		Completions: CompletionStats{
			Total:     total,
			Succeeded: mc.succeeded.Load(),
			Failed:    mc.failed.Load(),
			Cancelled: mc.cancelled.Load(),
			Streamed:  mc.streamed.Load(),
		},
		Tokens: TokenStats{
			InputTokens:  mc.inputTokens.Load(),
			OutputTokens: mc.outputTokens.Load(),
			TotalTokens:  mc.inputTokens.Load() + mc.outputTokens.Load(),
			CostUSD:      float64(mc.costMicroUSD.Load()) / 1e6,
		},
		Tools: ToolStats{
			Calls:    mc.toolCalls.Load(),
			Failures: mc.toolFailures.Load(),
		},
	}
}

// StatsResponse is the structured response for the /stats endpoint.
type StatsResponse struct {
	Uptime        string          `json:"uptime"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	StartedAt     string          `json:"started_at"`
	Completions   CompletionStats `json:"completions"`
	Tokens        TokenStats      `json:"tokens"`
	Tools         ToolStats       `json:"tools"`
	Sessions      SessionStats    `json:"sessions"` // Filled by the handler from the store
}

// CompletionStats holds completion count metrics.
type CompletionStats struct {
	Total     int64 `json:"total"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
	Streamed  int64 `json:"streamed"`
}

// TokenStats holds billed usage metrics.
type TokenStats struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// ToolStats holds tool dispatch metrics.
type ToolStats struct {
	Calls    int64 `json:"calls"`
	Failures int64 `json:"failures"`
}

// SessionStats holds live session store metrics.
type SessionStats struct {
	Active  int64 `json:"active"`
	Running int64 `json:"running"`
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
