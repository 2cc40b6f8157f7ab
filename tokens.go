package kestrel

import (
	"github.com/pkoukk/tiktoken-go"
)

// perMessageOverhead approximates the tokens a provider spends on role
// framing around every message.
const perMessageOverhead = 4

// TokenCounter counts tokens for a message list using the BPE table of the
// model family. When no table is available (unknown model, offline), it
// falls back to a chars/2.5 estimate. Counting does no I/O after construction.
type TokenCounter struct {
	enc *tiktoken.Tiktoken // nil = estimate fallback
}

// NewTokenCounter builds a counter for the given model id. The id may be in
// canonical "provider/model" form; only the model part is used for encoding
// lookup. Never fails: unknown models get the estimate fallback.
func NewTokenCounter(model string) *TokenCounter {
	name := model
	for i := 0; i < len(name); i++ {
		if name[i] == '/' {
			name = name[i+1:]
			break
		}
	}
	if enc, err := tiktoken.EncodingForModel(name); err == nil {
		return &TokenCounter{enc: enc}
	}
	if enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE); err == nil {
		return &TokenCounter{enc: enc}
	}
	return &TokenCounter{}
}

// Count returns the token count of the message list: content, thinking, and
// every tool-call argument serialization, plus a fixed per-message overhead.
func (c *TokenCounter) Count(messages []ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += perMessageOverhead
		total += c.CountText(m.Content)
		total += c.CountText(m.Thinking)
		for _, tc := range m.ToolCalls {
			total += c.CountText(tc.Name)
			total += c.CountText(string(tc.Args))
		}
	}
	return total
}

// CountText returns the token count of a single string.
func (c *TokenCounter) CountText(s string) int {
	if s == "" {
		return 0
	}
	if c.enc != nil {
		return len(c.enc.Encode(s, nil, nil))
	}
	// ceil(runes / 2.5)
	n := 0
	for range s {
		n++
	}
	return (n*2 + 4) / 5
}
