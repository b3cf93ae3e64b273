// Package gateway - events.go broadcasts engine lifecycle events over
// WebSocket.
//
// DESIGN: The EventHub is a fan-out broadcaster: the engine's notifier
// callbacks publish events, every connected /ws/events client receives
// them as JSON. Slow clients are dropped rather than allowed to apply
// backpressure to the completion path.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog/log"

	"github.com/agentdeck/chat-gateway/internal/engine"
	"github.com/agentdeck/chat-gateway/internal/session"
)

// Event is one lifecycle notification delivered to WebSocket clients.
type Event struct {
	Type      string         `json:"type"` // completion_started, completion_finished, tool_executed
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	Model     string         `json:"model,omitempty"`
	State     string         `json:"state,omitempty"`
	Stream    bool           `json:"stream,omitempty"`
	ServerID  string         `json:"server_id,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Success   *bool          `json:"success,omitempty"`
	Usage     *session.Usage `json:"usage,omitempty"`
	CostUSD   float64        `json:"cost_usd,omitempty"`
	LatencyMs int64          `json:"latency_ms,omitempty"`
}

// EventHub fans lifecycle events out to WebSocket subscribers.
type EventHub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewEventHub creates an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[chan Event]struct{})}
}

func (h *EventHub) subscribe() chan Event {
	ch := make(chan Event, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *EventHub) unsubscribe(ch chan Event) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// Publish delivers the event to all subscribers without blocking. A full
// subscriber buffer drops the event for that subscriber only.
func (h *EventHub) Publish(ev Event) {
	ev.Timestamp = time.Now().UTC()

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// CompletionStarted implements the engine Notifier.
func (h *EventHub) CompletionStarted(sessionID, model string, stream bool) {
	h.Publish(Event{Type: "completion_started", SessionID: sessionID, Model: model, Stream: stream})
}

// CompletionFinished implements the engine Notifier.
func (h *EventHub) CompletionFinished(sessionID, model string, state engine.State, usage session.Usage, cost float64, elapsed time.Duration) {
	h.Publish(Event{
		Type:      "completion_finished",
		SessionID: sessionID,
		Model:     model,
		State:     state.String(),
		Usage:     &usage,
		CostUSD:   cost,
		LatencyMs: elapsed.Milliseconds(),
	})
}

// ToolExecuted implements the engine Notifier.
func (h *EventHub) ToolExecuted(sessionID, serverID, tool string, success bool, elapsed time.Duration) {
	h.Publish(Event{
		Type:      "tool_executed",
		SessionID: sessionID,
		ServerID:  serverID,
		Tool:      tool,
		Success:   &success,
		LatencyMs: elapsed.Milliseconds(),
	})
}

// handleEvents upgrades the connection and streams events until the client
// disconnects.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	if g.events == nil {
		http.Error(w, "events disabled", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ch := g.events.subscribe()
	defer g.events.unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// fanoutNotifier multiplexes engine notifications to several receivers.
type fanoutNotifier []engine.Notifier

// NewFanoutNotifier combines notifiers; nil entries are skipped.
func NewFanoutNotifier(notifiers ...engine.Notifier) engine.Notifier {
	var out fanoutNotifier
	for _, n := range notifiers {
		if n != nil {
			out = append(out, n)
		}
	}
	return out
}

func (f fanoutNotifier) CompletionStarted(sessionID, model string, stream bool) {
	for _, n := range f {
		n.CompletionStarted(sessionID, model, stream)
	}
}

func (f fanoutNotifier) CompletionFinished(sessionID, model string, state engine.State, usage session.Usage, cost float64, elapsed time.Duration) {
	for _, n := range f {
		n.CompletionFinished(sessionID, model, state, usage, cost, elapsed)
	}
}

func (f fanoutNotifier) ToolExecuted(sessionID, serverID, tool string, success bool, elapsed time.Duration) {
	for _, n := range f {
		n.ToolExecuted(sessionID, serverID, tool, success, elapsed)
	}
}
