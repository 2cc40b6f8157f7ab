package openaicompat

import (
	"encoding/json"

	kestrel "github.com/kestrelai/kestrel"
)

// ParseResponse converts an OpenAI-format ChatResponse to a kestrel
// ChatResponse. It extracts content, reasoning, tool calls, and usage from
// choices[0].
func ParseResponse(resp ChatResponse) (kestrel.ChatResponse, error) {
	var out kestrel.ChatResponse

	if len(resp.Choices) == 0 {
		return out, nil
	}

	choice := resp.Choices[0]
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.Thinking = choice.Message.ReasoningContent
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}

	if resp.Usage != nil {
		out.Usage = kestrel.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	return out, nil
}

// ParseToolCalls converts OpenAI tool call requests to kestrel ToolCalls.
// OpenAI returns function.arguments as a JSON string. Arguments that are not
// valid JSON are kept verbatim in RawArgs so the dispatcher can report them
// back to the model as a tool failure instead of silently dropping them.
func ParseToolCalls(tcs []ToolCallRequest) []kestrel.ToolCall {
	if len(tcs) == 0 {
		return nil
	}

	out := make([]kestrel.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		call := kestrel.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		}
		if !json.Valid(call.Args) {
			call.RawArgs = tc.Function.Arguments
			call.Args = json.RawMessage(`{}`)
		}
		out = append(out, call)
	}
	return out
}
