// Package monitoring - telemetry.go records events to JSONL files.
//
// DESIGN: Tracker writes structured events as JSONL (one JSON object per
// line): RequestEvent for HTTP traffic, CompletionEvent and ToolEvent for
// engine lifecycle, InitEvent once at startup. Events are appended
// immediately so log followers see them in real time. The Tracker doubles
// as the engine's Notifier, feeding the in-memory metrics counters.
package monitoring

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentdeck/chat-gateway/internal/engine"
	"github.com/agentdeck/chat-gateway/internal/session"
)

// Tracker handles telemetry event recording to file and stdout.
type Tracker struct {
	config     TelemetryConfig
	logPath    string
	initPath   string
	metrics    *MetricsCollector
	eventCount int
	mu         sync.Mutex

	// streaming remembers which sessions' in-flight completions stream,
	// since the finish notification does not carry the mode.
	streaming sync.Map // sessionID -> bool
}

// NewTracker creates a telemetry tracker. metrics may be nil when only
// file logging is wanted.
func NewTracker(cfg TelemetryConfig, metrics *MetricsCollector) (*Tracker, error) {
	t := &Tracker{config: cfg, metrics: metrics}

	if !cfg.Enabled || cfg.LogPath == "" {
		return t, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0750); err != nil {
		return nil, err
	}
	t.logPath = cfg.LogPath
	t.initPath = filepath.Join(filepath.Dir(cfg.LogPath), "init.jsonl")

	// Create empty files so followers can tail before the first event.
	for _, p := range []string{t.logPath, t.initPath} {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			if f, err := os.Create(p); err == nil {
				_ = f.Close()
			}
		}
	}
	return t, nil
}

// appendJSONL appends a single JSON object as a line to the file.
func appendJSONL(path string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = f.Write(data)
	return err
}

func (t *Tracker) append(event any) {
	if t.logPath == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := appendJSONL(t.logPath, event); err != nil {
		log.Error().Err(err).Str("path", t.logPath).Msg("telemetry: failed to write event")
		return
	}
	t.eventCount++
}

// RecordRequest records one HTTP request.
func (t *Tracker) RecordRequest(event *RequestEvent) {
	if !t.config.Enabled {
		return
	}
	if t.config.LogToStdout {
		reqID := event.RequestID
		if len(reqID) > 8 {
			reqID = reqID[:8]
		}
		log.Info().
			Str("request_id", reqID).
			Str("method", event.Method).
			Str("path", event.Path).
			Int("status", event.StatusCode).
			Int64("latency_ms", event.LatencyMs).
			Msg("telemetry")
	}
	t.append(event)
}

// RecordInit records a gateway initialization event to a dedicated init JSONL.
func (t *Tracker) RecordInit(event *InitEvent) {
	if !t.config.Enabled || t.initPath == "" || event == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := appendJSONL(t.initPath, event); err != nil {
		log.Error().Err(err).Str("path", t.initPath).Msg("telemetry: failed to write init event")
	}
}

// CompletionStarted implements the engine Notifier.
func (t *Tracker) CompletionStarted(sessionID, model string, stream bool) {
	t.streaming.Store(sessionID, stream)
	log.Debug().
		Str("session_id", sessionID).
		Str("model", model).
		Bool("stream", stream).
		Msg("completion started")
}

// CompletionFinished implements the engine Notifier.
func (t *Tracker) CompletionFinished(sessionID, model string, state engine.State, usage session.Usage, cost float64, elapsed time.Duration) {
	stream := false
	if v, ok := t.streaming.LoadAndDelete(sessionID); ok {
		stream, _ = v.(bool)
	}
	if t.metrics != nil {
		t.metrics.RecordCompletion(state.String(), stream, usage.InputTokens, usage.OutputTokens, cost)
	}
	if !t.config.Enabled {
		return
	}
	t.append(&CompletionEvent{
		Timestamp:    time.Now().UTC(),
		SessionID:    sessionID,
		Model:        model,
		State:        state.String(),
		Stream:       stream,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		TotalTokens:  usage.TotalTokens,
		CostUSD:      cost,
		LatencyMs:    elapsed.Milliseconds(),
	})
}

// ToolExecuted implements the engine Notifier.
func (t *Tracker) ToolExecuted(sessionID, serverID, tool string, success bool, elapsed time.Duration) {
	if t.metrics != nil {
		t.metrics.RecordToolCall(success)
	}
	if !t.config.Enabled {
		return
	}
	t.append(&ToolEvent{
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		ServerID:  serverID,
		Tool:      tool,
		Success:   success,
		LatencyMs: elapsed.Milliseconds(),
	})
}

// Close flushes nothing (writes are immediate) but logs a session summary.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.logPath != "" && t.eventCount > 0 {
		log.Info().
			Str("path", t.logPath).
			Int("events", t.eventCount).
			Msg("telemetry: session complete")
	}
	return nil
}
