package kestrel

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// InputField describes one value the agent needs from the human.
type InputField struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // "string", "int", "float", "bool"
	Description string `json:"description"`
}

// InputRequest is yielded to the caller when a run pauses for human input.
type InputRequest struct {
	ToolCallID string       `json:"tool_call_id"`
	Fields     []InputField `json:"fields"`
	Context    string       `json:"context,omitempty"`
}

// InputResponse is the human's reply, keyed by field name.
type InputResponse struct {
	Values map[string]string `json:"values"`
}

// InputHandler delivers an input request to a human and blocks until the
// response arrives or ctx is cancelled. When an agent has a handler, pauses
// resolve inline instead of suspending the run to the caller.
type InputHandler interface {
	RequestInput(ctx context.Context, req InputRequest) (InputResponse, error)
}

// inputPayload is the flagged tool result content that marks a pause.
type inputPayload struct {
	UserInputRequest bool         `json:"__user_input_request__"`
	Fields           []InputField `json:"fields"`
	Context          string       `json:"context,omitempty"`
}

// UserInputTool is the native get_user_input tool. Executing it produces a
// flagged result the loop converts into a PAUSED_FOR_INPUT transition; the
// tool itself never blocks.
type UserInputTool struct{}

func (UserInputTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{
		Name:        "get_user_input",
		Description: "Ask the user for missing information. Provide the fields you need; the run pauses until the user answers.",
		Source:      SourceNative,
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"fields": {
					"type": "array",
					"items": {
						"type": "object",
						"properties": {
							"name": {"type": "string"},
							"type": {"type": "string", "enum": ["string", "int", "float", "bool"]},
							"description": {"type": "string"}
						},
						"required": ["name", "type", "description"]
					}
				},
				"context": {"type": "string", "description": "Why the input is needed"}
			},
			"required": ["fields"]
		}`),
	}}
}

func (UserInputTool) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	var params struct {
		Fields  []InputField `json:"fields"`
		Context string       `json:"context"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return ToolResult{Success: false, Error: "invalid arguments: " + err.Error()}, nil
	}
	if len(params.Fields) == 0 {
		return ToolResult{Success: false, Error: "fields must not be empty"}, nil
	}
	content, err := json.Marshal(inputPayload{
		UserInputRequest: true,
		Fields:           params.Fields,
		Context:          params.Context,
	})
	if err != nil {
		return ToolResult{Success: false, Error: err.Error()}, nil
	}
	return ToolResult{Success: true, Content: string(content)}, nil
}

// parseInputPayload detects the flagged pause payload in a tool result.
func parseInputPayload(content string) (*inputPayload, bool) {
	if !strings.Contains(content, "__user_input_request__") {
		return nil, false
	}
	var p inputPayload
	if err := json.Unmarshal([]byte(content), &p); err != nil || !p.UserInputRequest {
		return nil, false
	}
	return &p, true
}

// FormatUserInput renders the human's answers as the follow-up user message
// delivered on resume.
func FormatUserInput(values map[string]string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("[user_input]")
	for _, k := range keys {
		fmt.Fprintf(&b, " %s: %s", k, values[k])
	}
	return b.String()
}

// ErrSuspended is returned by Execute when a run pauses for human input.
// Inspect Request for the field list, then call Resume with the answers.
type ErrSuspended struct {
	// RunID identifies the paused run.
	RunID string
	// Request carries the field descriptors and originating tool call id.
	Request InputRequest
	// resume continues the loop with the human's answers.
	resume func(ctx context.Context, values map[string]string) (AgentResult, error)
}

func (e *ErrSuspended) Error() string {
	return fmt.Sprintf("run %s paused for user input (%d fields)", e.RunID, len(e.Request.Fields))
}

// Resume continues execution with the human's answers. Single-use: calling
// it more than once is undefined behavior.
func (e *ErrSuspended) Resume(ctx context.Context, values map[string]string) (AgentResult, error) {
	if e.resume == nil {
		return AgentResult{}, fmt.Errorf("ErrSuspended: resume closure is nil (constructed outside the loop)")
	}
	return e.resume(ctx, values)
}
