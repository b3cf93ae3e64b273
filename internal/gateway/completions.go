// Package gateway - completions.go serves the chat completion endpoints.
//
// DESIGN: The wire format follows the OpenAI chat completion shapes so
// existing clients work unchanged, extended with session_id and cost_usd.
// Streaming responses are SSE frames carrying chat.completion.chunk
// objects, terminated by the [DONE] sentinel.
package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/agentdeck/chat-gateway/internal/apierror"
	"github.com/agentdeck/chat-gateway/internal/config"
	"github.com/agentdeck/chat-gateway/internal/engine"
	"github.com/agentdeck/chat-gateway/internal/session"
	"github.com/agentdeck/chat-gateway/internal/sse"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 15 * time.Second

type completionRequest struct {
	SessionID   string        `json:"session_id"`
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature *float32      `json:"temperature"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionChoice struct {
	Index        int          `json:"index"`
	Message      *wireMessage `json:"message,omitempty"`
	FinishReason string       `json:"finish_reason"`
}

type usagePayload struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type completionResponse struct {
	ID        string             `json:"id"`
	Object    string             `json:"object"`
	Created   int64              `json:"created"`
	Model     string             `json:"model"`
	SessionID string             `json:"session_id"`
	Choices   []completionChoice `json:"choices"`
	Usage     usagePayload       `json:"usage"`
	Cost      float64            `json:"cost_usd"`
}

// handleChatCompletions runs one completion against a session.
func (g *Gateway) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		apierror.Write(w, apierror.Validation("failed to read request body"))
		return
	}
	if !gjson.ValidBytes(body) {
		apierror.Write(w, apierror.Validation("request body is not valid JSON"))
		return
	}

	var req completionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		apierror.Write(w, apierror.Validation("malformed completion request: %v", err))
		return
	}
	sess, err := g.ensureSession(req)
	if err != nil {
		apierror.Write(w, err)
		return
	}

	// The stream flag is honored even when it arrives as a non-standard
	// type some SDKs send ("stream": "true").
	stream := req.Stream || gjson.GetBytes(body, "stream").Bool()

	messages := make([]session.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, session.Message{Role: m.Role, Content: m.Content})
	}

	handle, err := g.engine.Complete(r.Context(), engine.Request{
		SessionID:   sess.ID,
		Messages:    messages,
		Stream:      stream,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		apierror.Write(w, err)
		return
	}

	if stream {
		g.streamCompletion(w, r, handle)
		return
	}

	writeJSON(w, completionResponse{
		ID:        handle.ID,
		Object:    "chat.completion",
		Created:   handle.Created,
		Model:     handle.Model,
		SessionID: handle.SessionID,
		Choices: []completionChoice{{
			Message: &wireMessage{
				Role:    session.RoleAssistant,
				Content: handle.Result.Content,
			},
			FinishReason: handle.Result.FinishReason,
		}},
		Usage: usagePayload{
			PromptTokens:     handle.Result.Usage.InputTokens,
			CompletionTokens: handle.Result.Usage.OutputTokens,
			TotalTokens:      handle.Result.Usage.TotalTokens,
		},
		Cost: handle.Result.Cost,
	})
}

// ensureSession resolves the completion's target session, creating one when
// the request references a new session. A request with no session_id starts
// a fresh session from its model; a request naming an unknown session id
// adopts that id, again requiring a model. An existing session keeps its own
// model regardless of what the request carries.
func (g *Gateway) ensureSession(req completionRequest) (session.Session, error) {
	if req.SessionID == "" {
		if req.Model == "" {
			return session.Session{}, apierror.Validation("session_id or model is required")
		}
		if _, err := g.models.Get(req.Model); err != nil {
			return session.Session{}, err
		}
		return g.sessions.Create("", req.Model, ""), nil
	}

	sess, err := g.sessions.Get(req.SessionID)
	if err == nil {
		return sess, nil
	}
	if !apierror.Is(err, apierror.CodeNotFound) || req.Model == "" {
		return session.Session{}, err
	}
	if _, err := g.models.Get(req.Model); err != nil {
		return session.Session{}, err
	}
	return g.sessions.CreateWithID(req.SessionID, "", req.Model, ""), nil
}

// streamCompletion delivers the handle's chunks as SSE.
func (g *Gateway) streamCompletion(w http.ResponseWriter, r *http.Request, handle *engine.Handle) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	enc := sse.NewEncoder(w)

	// Base chunk built once; per-delta fields patched in below.
	base, err := json.Marshal(map[string]any{
		"id":         handle.ID,
		"object":     "chat.completion.chunk",
		"created":    handle.Created,
		"model":      handle.Model,
		"session_id": handle.SessionID,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         map[string]any{},
			"finish_reason": nil,
		}},
	})
	if err != nil {
		enc.WriteError("failed to build stream frame", "internal_error")
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-heartbeat.C:
			enc.WriteHeartbeat()

		case <-r.Context().Done():
			// Client disconnected: the engine finalizes on its own
			// detached context. Drain so the producer never blocks.
			go func() {
				for range handle.Chunks {
				}
			}()
			if err := g.engine.Cancel(handle.SessionID); err != nil {
				log.Debug().Err(err).Str("session_id", handle.SessionID).Msg("cancel after disconnect")
			}
			return

		case chunk, ok := <-handle.Chunks:
			if !ok {
				enc.WriteDone()
				return
			}
			if chunk.Err != nil {
				enc.WriteError(chunk.Err.Error(), errType(chunk.Err))
				enc.WriteDone()
				return
			}

			frame := base
			if chunk.Delta != "" {
				frame, _ = sjson.SetBytes(frame, "choices.0.delta.content", chunk.Delta)
			}
			if chunk.FinishReason != "" {
				frame, _ = sjson.SetBytes(frame, "choices.0.finish_reason", chunk.FinishReason)
			}
			enc.WriteData(frame)
		}
	}
}

func errType(err error) string {
	var apiErr *apierror.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return "error"
}

// handleCompletionStatus reports whether the session has a completion in
// flight.
func (g *Gateway) handleCompletionStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := g.sessions.Get(r.PathValue("session"))
	if err != nil {
		apierror.Write(w, err)
		return
	}
	status := "idle"
	if sess.Running {
		status = "running"
	}
	writeJSON(w, map[string]any{
		"session_id": sess.ID,
		"status":     status,
		"updated_at": sess.UpdatedAt.Format(time.RFC3339),
	})
}

// handleCompletionCancel stops the session's in-flight completion.
func (g *Gateway) handleCompletionCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session")
	if err := g.engine.Cancel(id); err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, map[string]string{"session_id": id, "status": "cancelling"})
}
