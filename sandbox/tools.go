package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	kestrel "github.com/kestrelai/kestrel"
)

// execTool exposes the sandbox as the run_code and shell_exec tools for one
// session. Registered via Manager.Substitute, it shadows any same-named
// native tools with sandboxed versions.
type execTool struct {
	mgr       *Manager
	sessionID string
	dispatch  DispatchFunc
}

var _ kestrel.Tool = (*execTool)(nil)

func (t *execTool) Definitions() []kestrel.ToolDefinition {
	return []kestrel.ToolDefinition{
		{
			Name:        "run_code",
			Description: "Execute code in a sandboxed runtime with a persistent per-session workspace. Use call_tool(name, args) inside the code to invoke other tools.",
			Source:      kestrel.SourceSandbox,
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"code": {"type": "string", "description": "Source code to execute"},
					"runtime": {"type": "string", "enum": ["python", "node"], "description": "Execution runtime, default python"}
				},
				"required": ["code"]
			}`),
		},
		{
			Name:        "shell_exec",
			Description: "Run a shell command inside the sandbox workspace.",
			Source:      kestrel.SourceSandbox,
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"command": {"type": "string", "description": "Shell command line to run"}
				},
				"required": ["command"]
			}`),
		},
	}
}

func (t *execTool) Execute(ctx context.Context, name string, args json.RawMessage) (kestrel.ToolResult, error) {
	t.mgr.Touch(t.sessionID)

	var req ExecRequest
	switch name {
	case "run_code":
		var params struct {
			Code    string `json:"code"`
			Runtime string `json:"runtime"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return kestrel.ToolResult{Success: false, Error: "invalid arguments: " + err.Error()}, nil
		}
		req = ExecRequest{Code: params.Code, Runtime: params.Runtime, SessionID: t.sessionID}
	case "shell_exec":
		var params struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return kestrel.ToolResult{Success: false, Error: "invalid arguments: " + err.Error()}, nil
		}
		req = ExecRequest{Code: params.Command, Runtime: "shell", SessionID: t.sessionID}
	default:
		return kestrel.ToolResult{Success: false, Error: "unknown tool " + name}, nil
	}

	res, err := t.mgr.runner.Run(ctx, req, t.dispatch)
	if err != nil {
		return kestrel.ToolResult{Success: false, Error: err.Error()}, nil
	}
	if res.Error != "" {
		return kestrel.ToolResult{Success: false, Error: res.Error}, nil
	}
	return kestrel.ToolResult{Success: true, Content: formatResult(res)}, nil
}

// formatResult merges output, logs, and returned file names into the tool
// result content.
func formatResult(res ExecResult) string {
	var b strings.Builder
	if res.Output != "" {
		b.WriteString(res.Output)
	}
	if res.Logs != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "logs:\n%s", res.Logs)
	}
	if len(res.Files) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("files:")
		for _, f := range res.Files {
			fmt.Fprintf(&b, " %s", f.Name)
		}
	}
	if b.Len() == 0 {
		fmt.Fprintf(&b, "exit code %d", res.ExitCode)
	}
	return b.String()
}
