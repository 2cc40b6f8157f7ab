package kestrel

import "encoding/json"

// --- LLM protocol types ---

type ChatMessage struct {
	Role       string          `json:"role"` // "system", "user", "assistant", "tool"
	Content    string          `json:"content"`
	Thinking   string          `json:"thinking,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"` // provider-specific extras
}

type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
	// RawArgs carries the unparsed argument text when the provider returned
	// malformed JSON after stream reassembly. Args is `{}` in that case and
	// the dispatcher reports invalid_tool_arguments.
	RawArgs string `json:"raw_args,omitempty"`
}

type ChatRequest struct {
	Messages  []ChatMessage    `json:"messages"`
	Tools     []ToolDefinition `json:"tools,omitempty"`
	MaxTokens int              `json:"max_tokens,omitempty"` // 0 = provider default
}

type ChatResponse struct {
	Content   string     `json:"content"`
	Thinking  string     `json:"thinking,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolSource identifies where a tool definition came from. Later sources
// shadow earlier ones on name collision (native < mcp < sandbox < spawn).
type ToolSource string

const (
	SourceNative  ToolSource = "native"
	SourceMCP     ToolSource = "mcp"
	SourceSandbox ToolSource = "sandbox"
	SourceSpawn   ToolSource = "spawn"
)

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
	Source      ToolSource      `json:"source,omitempty"`
	// Instructions is free-form usage guidance. When AddInstructionsToPrompt
	// is set, the prompt assembler appends it to <tool_usage_guidelines>.
	Instructions            string `json:"instructions,omitempty"`
	AddInstructionsToPrompt bool   `json:"add_instructions_to_prompt,omitempty"`
}

// ToolResult is the outcome of a tool execution. Content is always a UTF-8
// string; tools serialize structured output themselves.
type ToolResult struct {
	Success bool   `json:"success"`
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}
