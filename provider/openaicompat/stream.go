package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	kestrel "github.com/kestrelai/kestrel"
)

// StreamSSE reads an SSE stream from body, sends content/thinking/tool-call
// delta events to ch, and returns the fully accumulated response (content +
// reasoning + tool calls + usage).
//
// The channel is closed when streaming completes. Callers should read from ch
// in a separate goroutine. The context is used to cancel channel sends if the
// consumer is no longer interested.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func StreamSSE(ctx context.Context, body io.Reader, ch chan<- kestrel.StreamEvent) (kestrel.ChatResponse, error) {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	// Increase buffer for large SSE payloads.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var fullContent, fullThinking strings.Builder
	var usage kestrel.Usage

	emit := func(ev kestrel.StreamEvent) error {
		select {
		case ch <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Accumulate tool calls across chunks. OpenAI streams tool calls
	// incrementally: each chunk has an index, and arguments arrive as string fragments.
	type partialToolCall struct {
		ID   string
		Name string
		Args strings.Builder
	}
	var toolCalls []partialToolCall

	for scanner.Scan() {
		line := scanner.Text()

		// SSE lines that carry data start with "data: ".
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")

		// End-of-stream sentinel.
		if data == "[DONE]" {
			break
		}

		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}

		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			// Usage-only chunk (some providers send this).
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta == nil {
			continue
		}

		if delta.ReasoningContent != "" {
			fullThinking.WriteString(delta.ReasoningContent)
			if err := emit(kestrel.StreamEvent{Type: kestrel.EventThinkingDelta, Content: delta.ReasoningContent}); err != nil {
				return kestrel.ChatResponse{}, err
			}
		}

		if delta.Content != "" {
			fullContent.WriteString(delta.Content)
			if err := emit(kestrel.StreamEvent{Type: kestrel.EventTextDelta, Content: delta.Content}); err != nil {
				return kestrel.ChatResponse{}, err
			}
		}

		// Accumulate tool calls.
		for _, tc := range delta.ToolCalls {
			// Ensure we have a slot for this tool call index.
			idx := tc.Index
			for len(toolCalls) <= idx {
				toolCalls = append(toolCalls, partialToolCall{})
			}

			if tc.ID != "" {
				toolCalls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[idx].Args.WriteString(tc.Function.Arguments)
				if err := emit(kestrel.StreamEvent{
					Type: kestrel.EventToolCallDelta, ID: toolCalls[idx].ID,
					Name: toolCalls[idx].Name, Content: tc.Function.Arguments,
				}); err != nil {
					return kestrel.ChatResponse{}, err
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return kestrel.ChatResponse{}, err
	}

	// Build final tool calls.
	var calls []kestrel.ToolCall
	for _, tc := range toolCalls {
		call := kestrel.ToolCall{
			ID:   tc.ID,
			Name: tc.Name,
			Args: json.RawMessage(tc.Args.String()),
		}
		if !json.Valid(call.Args) {
			call.RawArgs = tc.Args.String()
			call.Args = json.RawMessage(`{}`)
		}
		calls = append(calls, call)
	}

	return kestrel.ChatResponse{
		Content:   fullContent.String(),
		Thinking:  fullThinking.String(),
		ToolCalls: calls,
		Usage:     usage,
	}, nil
}
