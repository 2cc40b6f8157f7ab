package kestrel

import (
	"encoding/json"
	"time"
)

// StreamEventType identifies the kind of streaming event.
type StreamEventType string

const (
	// EventStep opens a loop step: Step, TokenCount, and TokenLimit are set.
	EventStep StreamEventType = "step"
	// EventTextDelta carries an incremental content chunk from the LLM.
	EventTextDelta StreamEventType = "content"
	// EventThinkingDelta carries an incremental reasoning chunk.
	EventThinkingDelta StreamEventType = "thinking"
	// EventToolCall signals a tool is about to be invoked.
	EventToolCall StreamEventType = "tool_call"
	// EventToolCallDelta carries a partial tool-call argument chunk while
	// the provider is still reassembling the call (streaming only).
	EventToolCallDelta StreamEventType = "tool_call_delta"
	// EventToolResult carries the result of a completed tool call.
	EventToolResult StreamEventType = "tool_result"
	// EventInputRequired signals the run is paused for human input.
	// Input carries the field descriptors and originating call id.
	EventInputRequired StreamEventType = "user_input_required"
	// EventLogFile announces the run's JSONL log path, first event of a run.
	EventLogFile StreamEventType = "log_file"
	// EventDone closes the stream with the final result.
	EventDone StreamEventType = "done"
	// EventError closes the stream with a terminal error.
	EventError StreamEventType = "error"
)

// StreamEvent is a typed event emitted during agent streaming.
// Consumers receive these on the channel passed to ExecuteStream.
type StreamEvent struct {
	Type StreamEventType `json:"type"`
	// ID is the tool call id (tool events only).
	ID string `json:"id,omitempty"`
	// Name is the tool or agent name.
	Name string `json:"name,omitempty"`
	// Content carries the delta text, tool result, or log path.
	Content string `json:"content,omitempty"`
	// Args carries tool call arguments (tool_call) or partial chunks
	// (tool_call_delta).
	Args json.RawMessage `json:"args,omitempty"`
	// Step, TokenCount, TokenLimit are set on step events.
	Step       int `json:"step,omitempty"`
	TokenCount int `json:"token_count,omitempty"`
	TokenLimit int `json:"token_limit,omitempty"`
	// Duration is the wall-clock time of a completed tool call.
	Duration time.Duration `json:"duration,omitempty"`
	// Input is set on user_input_required events.
	Input *InputRequest `json:"input,omitempty"`
}
