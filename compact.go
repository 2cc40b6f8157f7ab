package kestrel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// summaryPrompt is the instruction for segment summarization. The contract:
// preserve stated goals, emitted tool calls and their effects, and decisions
// made, within a bounded summary.
const summaryPrompt = `Summarize the following conversation segment in at most 400 tokens. Preserve: the user's stated goals, every tool call that was made and what it returned or changed, and any decisions reached. Omit filler and repeated content. Respond with the summary only.`

// summaryMarker prefixes compactor-produced assistant summaries so later
// passes can recognize and fold them.
const summaryMarker = "[conversation summary] "

// Compactor shrinks a message list under a token budget by replacing old
// conversation segments with LLM-written summaries.
type Compactor struct {
	provider Provider
	counter  *TokenCounter
	logger   *slog.Logger
}

// CompactorOption configures a Compactor.
type CompactorOption func(*Compactor)

// CompactorLogger sets the structured logger for compaction events.
func CompactorLogger(l *slog.Logger) CompactorOption {
	return func(c *Compactor) { c.logger = l }
}

// NewCompactor creates a compactor that summarizes with p and counts with tc.
func NewCompactor(p Provider, tc *TokenCounter, opts ...CompactorOption) *Compactor {
	c := &Compactor{provider: p, counter: tc}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = nopLogger
	}
	return c
}

// segment is a user-opened slice of the message list. Segment 0 is the
// leading system message(s) and is preserved verbatim.
type segment struct {
	user ChatMessage   // the opening user message (zero for segment 0)
	rest []ChatMessage // assistant/tool messages that close the segment
	head bool          // segment 0 (system messages)
}

// MaybeCompact returns messages unchanged when they fit in limit. Otherwise
// it summarizes every closed segment except the most recent, then, if still
// over, re-summarizes the oldest summaries bottom-up and drops the oldest
// user+summary pairs. The system head is never dropped; the most recent
// segment is never summarized. Returns a CompactionError when even the
// trimmed head exceeds limit.
func (c *Compactor) MaybeCompact(ctx context.Context, messages []ChatMessage, limit int) ([]ChatMessage, error) {
	if c.counter.Count(messages) <= limit {
		return messages, nil
	}

	segs := splitSegments(messages)

	// Summarize every closed segment except the most recent.
	for i := range segs {
		if segs[i].head || i == len(segs)-1 {
			continue
		}
		if isSummarized(segs[i]) {
			continue
		}
		sum, err := c.summarize(ctx, segmentText(segs[i]))
		if err != nil {
			c.logger.Warn("segment summarization failed", "segment", i, "error", err)
			continue
		}
		segs[i].rest = []ChatMessage{AssistantMessage(summaryMarker + sum)}
	}

	out := joinSegments(segs)
	count := c.counter.Count(out)
	if count <= limit {
		c.logger.Info("context compacted", "tokens", count, "limit", limit)
		return out, nil
	}

	// Bottom-up: fold the oldest summaries together in one pass.
	out, count = c.resummarizeOldest(ctx, segs, limit)
	if count <= limit {
		return out, nil
	}

	// Last resort: drop the oldest closed segments (user + summary) in pairs
	// until the list fits. The head and the most recent segment stay.
	segs = splitSegments(out)
	for len(segs) > 2 {
		dropped := false
		for i := range segs {
			if segs[i].head || i == len(segs)-1 {
				continue
			}
			segs = append(segs[:i], segs[i+1:]...)
			dropped = true
			break
		}
		if !dropped {
			break
		}
		out = joinSegments(segs)
		if count = c.counter.Count(out); count <= limit {
			c.logger.Info("context compacted by dropping segments", "tokens", count, "limit", limit)
			return out, nil
		}
	}

	return messages, &CompactionError{Count: count, Limit: limit}
}

// resummarizeOldest merges all summarized segments older than the most
// recent one into a single combined summary segment.
func (c *Compactor) resummarizeOldest(ctx context.Context, segs []segment, limit int) ([]ChatMessage, int) {
	var oldText strings.Builder
	var oldIdx []int
	for i := range segs {
		if segs[i].head || i == len(segs)-1 {
			continue
		}
		oldText.WriteString(segmentText(segs[i]))
		oldText.WriteString("\n---\n")
		oldIdx = append(oldIdx, i)
	}
	if len(oldIdx) < 2 {
		out := joinSegments(segs)
		return out, c.counter.Count(out)
	}

	sum, err := c.summarize(ctx, oldText.String())
	if err != nil {
		c.logger.Warn("bottom-up re-summarization failed", "error", err)
		out := joinSegments(segs)
		return out, c.counter.Count(out)
	}

	merged := segment{
		user: UserMessage("[earlier conversation]"),
		rest: []ChatMessage{AssistantMessage(summaryMarker + sum)},
	}
	var folded []segment
	for i := range segs {
		switch {
		case i == oldIdx[0]:
			folded = append(folded, merged)
		case contains(oldIdx, i):
			// folded into merged
		default:
			folded = append(folded, segs[i])
		}
	}
	out := joinSegments(folded)
	return out, c.counter.Count(out)
}

func (c *Compactor) summarize(ctx context.Context, text string) (string, error) {
	resp, err := c.provider.Chat(ctx, ChatRequest{Messages: []ChatMessage{
		SystemMessage(summaryPrompt),
		UserMessage(text),
	}})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", fmt.Errorf("empty summary")
	}
	return resp.Content, nil
}

// splitSegments partitions messages: leading system messages form the head
// segment, then each user message opens a new segment.
func splitSegments(messages []ChatMessage) []segment {
	var segs []segment
	head := segment{head: true}
	i := 0
	for ; i < len(messages) && messages[i].Role == "system"; i++ {
		head.rest = append(head.rest, messages[i])
	}
	segs = append(segs, head)

	for ; i < len(messages); i++ {
		m := messages[i]
		if m.Role == "user" {
			segs = append(segs, segment{user: m})
			continue
		}
		if len(segs) == 1 {
			// assistant/tool message before any user turn: keep with head.
			segs[0].rest = append(segs[0].rest, m)
			continue
		}
		last := &segs[len(segs)-1]
		last.rest = append(last.rest, m)
	}
	return segs
}

func joinSegments(segs []segment) []ChatMessage {
	var out []ChatMessage
	for _, s := range segs {
		if !s.head {
			out = append(out, s.user)
		}
		out = append(out, s.rest...)
	}
	return out
}

// segmentText flattens a segment for the summarization request.
func segmentText(s segment) string {
	var b strings.Builder
	if s.user.Content != "" {
		fmt.Fprintf(&b, "user: %s\n", s.user.Content)
	}
	for _, m := range s.rest {
		switch {
		case len(m.ToolCalls) > 0:
			fmt.Fprintf(&b, "assistant: %s\n", m.Content)
			for _, tc := range m.ToolCalls {
				fmt.Fprintf(&b, "  tool_call %s(%s)\n", tc.Name, string(tc.Args))
			}
		case m.Role == "tool":
			fmt.Fprintf(&b, "  tool_result[%s]: %s\n", m.ToolCallID, m.Content)
		default:
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
	}
	return b.String()
}

// isSummarized reports whether the segment was already reduced to a single
// compactor summary.
func isSummarized(s segment) bool {
	return len(s.rest) == 1 && strings.HasPrefix(s.rest[0].Content, summaryMarker)
}

func contains(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
