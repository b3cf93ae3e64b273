package engine

import (
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/agentdeck/chat-gateway/internal/config"
	"github.com/agentdeck/chat-gateway/internal/session"
)

// tokenEstimator approximates token counts when the upstream omits usage.
// It prefers tiktoken; offline environments without the BPE cache fall back
// to a characters-per-token heuristic.
type tokenEstimator struct {
	once    sync.Once
	encoder *tiktoken.Tiktoken
}

func (t *tokenEstimator) init() {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			t.encoder = enc
		}
	})
}

// countText returns the token count for one text fragment.
func (t *tokenEstimator) countText(text string) int {
	if text == "" {
		return 0
	}
	t.init()
	if t.encoder != nil {
		return len(t.encoder.Encode(text, nil, nil))
	}
	n := len(text) / config.TokenEstimateRatio
	if n < 1 {
		n = 1
	}
	return n
}

// countMessages estimates the prompt size of a message list, including a
// small per-message framing overhead.
func (t *tokenEstimator) countMessages(system string, msgs []session.Message) int {
	total := t.countText(system)
	for _, msg := range msgs {
		total += 4
		total += t.countText(msg.Content)
		for _, tc := range msg.ToolCalls {
			total += t.countText(tc.Name)
			total += t.countText(string(tc.Args.Encode()))
			total += 8
		}
	}
	return total
}
