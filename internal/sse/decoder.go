package sse

import (
	"bytes"

	"github.com/agentdeck/chat-gateway/internal/config"
)

// Event is one decoded frame.
type Event struct {
	Data []byte // Payload of a data frame; nil for Done and comment frames
	Done bool   // True for the [DONE] sentinel
}

// Decoder incrementally parses an SSE byte stream. Feed may deliver frames
// split at arbitrary byte boundaries; partial frames are buffered until the
// terminating blank line arrives. Frames separated by \r\n\r\n are accepted.
type Decoder struct {
	buffer []byte
	events []Event
}

// NewDecoder creates an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{buffer: make([]byte, 0, config.DefaultBufferSize)}
}

// Feed appends raw bytes and parses any frames they complete.
func (d *Decoder) Feed(chunk []byte) {
	d.buffer = append(d.buffer, chunk...)
	d.parse(false)
}

// Next returns the next decoded event, if one is ready.
func (d *Decoder) Next() (Event, bool) {
	if len(d.events) == 0 {
		return Event{}, false
	}
	ev := d.events[0]
	d.events = d.events[1:]
	return ev, true
}

// Flush parses any trailing frame left without its terminator. Call once
// at end of stream.
func (d *Decoder) Flush() {
	d.parse(true)
}

func (d *Decoder) parse(flush bool) {
	for {
		frame, rest, ok := nextFrame(d.buffer, flush)
		if !ok {
			return
		}
		d.buffer = rest
		d.parseFrame(frame)
	}
}

// nextFrame splits off one complete frame. On flush, trailing bytes without
// a terminator count as a final frame.
func nextFrame(buf []byte, flush bool) ([]byte, []byte, bool) {
	if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx >= 0 {
		return buf[:idx], buf[idx+4:], true
	}
	if idx := bytes.Index(buf, []byte("\n\n")); idx >= 0 {
		return buf[:idx], buf[idx+2:], true
	}
	if flush {
		trimmed := bytes.TrimSpace(buf)
		if len(trimmed) > 0 {
			return trimmed, nil, true
		}
	}
	return nil, nil, false
}

func (d *Decoder) parseFrame(frame []byte) {
	var dataLines [][]byte

	for _, line := range bytes.Split(frame, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) == 0 || line[0] == ':' {
			// Comment frames (heartbeats) carry nothing for the client.
			continue
		}
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimPrefix(line, []byte("data:"))
		payload = bytes.TrimPrefix(payload, []byte(" "))
		dataLines = append(dataLines, payload)
	}

	if len(dataLines) == 0 {
		return
	}

	data := bytes.Join(dataLines, []byte("\n"))
	if bytes.Equal(data, []byte(doneSentinel)) {
		d.events = append(d.events, Event{Done: true})
		return
	}
	d.events = append(d.events, Event{Data: data})
}
