// Package sandbox executes code and shell commands in an isolated remote
// runtime and substitutes sandboxed tools into an agent's registry per
// session.
//
// A session keeps one workspace inside the sandbox service: executions that
// share a session id see each other's files. The Manager tracks sessions and
// evicts idle ones after a TTL.
package sandbox

import (
	"context"
	"time"

	kestrel "github.com/kestrelai/kestrel"
)

// Runner executes code in a sandboxed environment. The dispatch function
// bridges code back to the agent's tool registry, so sandboxed code can call
// any tool the agent has access to via call_tool().
type Runner interface {
	Run(ctx context.Context, req ExecRequest, dispatch DispatchFunc) (ExecResult, error)
}

// DispatchFunc resolves one tool call from sandboxed code.
// kestrel.Dispatcher.Invoke satisfies this signature.
type DispatchFunc func(ctx context.Context, call kestrel.ToolCall) kestrel.ToolResult

// ExecRequest is the input to Runner.Run.
type ExecRequest struct {
	// Code is the source code to execute.
	Code string `json:"code"`
	// Runtime selects the execution environment ("python", "node", "shell").
	// Empty defaults to "python".
	Runtime string `json:"runtime,omitempty"`
	// Timeout is the maximum execution duration. Zero means runner default.
	Timeout time.Duration `json:"-"`
	// SessionID selects the persistent workspace. Same session id = same
	// workspace directory. Empty = isolated per execution.
	SessionID string `json:"session_id,omitempty"`
	// Files are placed in the workspace before execution.
	Files []File `json:"files,omitempty"`
}

// ExecResult is the output of Runner.Run.
type ExecResult struct {
	// Output is the structured result set via set_result() in code.
	Output string `json:"output"`
	// Logs captures print() output and stderr.
	Logs string `json:"logs,omitempty"`
	// ExitCode is the process exit code (0 = success).
	ExitCode int `json:"exit_code"`
	// Error describes execution failure (timeout, syntax error, etc).
	Error string `json:"error,omitempty"`
	// Files are explicitly returned by the code.
	Files []File `json:"files,omitempty"`
}

// File is a file transferred between agent and sandbox.
//
// For input: Name + Data (inline bytes) or Name + URL (sandbox downloads).
// For output: Name + MIME + Data.
type File struct {
	Name string `json:"name"`
	MIME string `json:"mime,omitempty"`
	// Data holds inline file bytes. Tagged json:"-" to avoid double-encoding;
	// wire format uses base64 in a separate field.
	Data []byte `json:"-"`
	URL  string `json:"url,omitempty"`
}
