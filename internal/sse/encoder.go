// Package sse implements the Server-Sent Events wire format used on the
// streaming completion endpoint, and its client-side inverse.
//
// Wire format: each payload is emitted as `data: <compact-json>\n\n` with the
// default event type, the stream terminates with `data: [DONE]\n\n`, and
// keep-alive pings are comment frames `: heartbeat\n\n`. A mid-stream failure
// produces exactly one error frame, then the stream closes.
package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Sentinel terminating a stream. Not JSON; decoders must special-case it.
const doneSentinel = "[DONE]"

// Encoder writes SSE frames to w, flushing after each frame when w supports
// it so chunks reach the client immediately.
type Encoder struct {
	w       io.Writer
	flusher http.Flusher
}

// NewEncoder wraps w.
func NewEncoder(w io.Writer) *Encoder {
	e := &Encoder{w: w}
	if f, ok := w.(http.Flusher); ok {
		e.flusher = f
	}
	return e
}

// WriteData emits one data frame carrying the given payload verbatim.
// The payload must not contain newlines.
func (e *Encoder) WriteData(payload []byte) error {
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	e.flush()
	return nil
}

// WriteJSON marshals v compactly and emits it as a data frame.
func (e *Encoder) WriteJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal sse payload: %w", err)
	}
	return e.WriteData(payload)
}

// WriteDone emits the stream-terminating sentinel frame.
func (e *Encoder) WriteDone() error {
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", doneSentinel); err != nil {
		return err
	}
	e.flush()
	return nil
}

// errorFrame is the wire form of a mid-stream failure.
type errorFrame struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// WriteError emits the single error frame sent before closing a failed
// stream. errType defaults to "error".
func (e *Encoder) WriteError(message, errType string) error {
	if errType == "" {
		errType = "error"
	}
	var frame errorFrame
	frame.Error.Message = message
	frame.Error.Type = errType
	frame.Error.Code = "stream_error"
	return e.WriteJSON(frame)
}

// WriteHeartbeat emits a comment frame. Clients ignore it; intermediaries
// see traffic and keep the connection open.
func (e *Encoder) WriteHeartbeat() error {
	if _, err := io.WriteString(e.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	e.flush()
	return nil
}

func (e *Encoder) flush() {
	if e.flusher != nil {
		e.flusher.Flush()
	}
}
