package monitoring

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/chat-gateway/internal/engine"
	"github.com/agentdeck/chat-gateway/internal/session"
)

func TestMetricsCollector(t *testing.T) {
	mc := NewMetricsCollector()

	mc.RecordCompletion("succeeded", true, 100, 50, 0.0025)
	mc.RecordCompletion("failed", false, 10, 0, 0)
	mc.RecordCompletion("cancelled", true, 5, 2, 0.0001)
	mc.RecordToolCall(true)
	mc.RecordToolCall(false)

	stats := mc.FullStats()
	assert.Equal(t, int64(3), stats.Completions.Total)
	assert.Equal(t, int64(1), stats.Completions.Succeeded)
	assert.Equal(t, int64(1), stats.Completions.Failed)
	assert.Equal(t, int64(1), stats.Completions.Cancelled)
	assert.Equal(t, int64(2), stats.Completions.Streamed)
	assert.Equal(t, int64(115), stats.Tokens.InputTokens)
	assert.Equal(t, int64(52), stats.Tokens.OutputTokens)
	assert.InDelta(t, 0.0026, stats.Tokens.CostUSD, 1e-9)
	assert.Equal(t, int64(2), stats.Tools.Calls)
	assert.Equal(t, int64(1), stats.Tools.Failures)
	assert.NotEmpty(t, stats.Uptime)
}

func TestTrackerWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "telemetry.jsonl")

	tracker, err := NewTracker(TelemetryConfig{Enabled: true, LogPath: logPath}, NewMetricsCollector())
	require.NoError(t, err)
	defer func() { _ = tracker.Close() }()

	tracker.CompletionStarted("sess-1", "test-model", true)
	tracker.CompletionFinished("sess-1", "test-model", engine.StateSucceeded,
		session.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}, 0.001, 250*time.Millisecond)
	tracker.ToolExecuted("sess-1", "files", "files.read", true, 10*time.Millisecond)
	tracker.RecordRequest(&RequestEvent{
		RequestID: "req-1", Timestamp: time.Now(), Method: "POST",
		Path: "/v1/chat/completions", StatusCode: 200, LatencyMs: 300,
	})

	f, err := os.Open(logPath)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var obj map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &obj))
		lines = append(lines, obj)
	}
	require.Len(t, lines, 3)

	assert.Equal(t, "succeeded", lines[0]["state"])
	assert.Equal(t, true, lines[0]["stream"])
	assert.Equal(t, "files.read", lines[1]["tool"])
	assert.Equal(t, "/v1/chat/completions", lines[2]["path"])
}

func TestTrackerDisabled(t *testing.T) {
	tracker, err := NewTracker(TelemetryConfig{}, nil)
	require.NoError(t, err)

	// No log path configured; these must not panic or create files.
	tracker.CompletionStarted("s", "m", false)
	tracker.CompletionFinished("s", "m", engine.StateFailed, session.Usage{}, 0, time.Second)
	tracker.ToolExecuted("s", "srv", "t", false, time.Millisecond)
	require.NoError(t, tracker.Close())
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "5m", formatDuration(5*time.Minute))
	assert.Equal(t, "2h 10m", formatDuration(2*time.Hour+10*time.Minute))
	assert.Equal(t, "1d 1h 0m", formatDuration(25*time.Hour))
}
