package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	kestrel "github.com/kestrelai/kestrel"
)

// preludeSource is prepended to user code. It moves print() output to
// stderr, reserves stdout for the JSON protocol, and defines call_tool()
// and set_result() for the bridge back to the agent's registry.
const preludeSource = `import sys, json
_proto_out = sys.stdout
sys.stdout = sys.stderr
_final_result = None

def set_result(data):
    global _final_result
    _final_result = data

def call_tool(name, **args):
    _proto_out.write(json.dumps({"type": "tool_call", "id": name, "name": name, "args": args}) + "\n")
    _proto_out.flush()
    _line = sys.__stdin__.readline()
    _resp = json.loads(_line)
    if _resp.get("error"):
        raise RuntimeError(_resp["error"])
    return _resp.get("data", "")
`

// postludeSource is appended after user code to flush the final result.
const postludeSource = `
if _final_result is not None:
    _msg = json.dumps({"type": "result", "data": _final_result})
    _proto_out.write(_msg + '\n')
    _proto_out.flush()
`

// blockedPatterns are checked before execution to reject obviously dangerous code.
var blockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`os\.system\s*\(`),
	regexp.MustCompile(`subprocess\.\w+\s*\(`),
}

// SubprocessRunner executes Python code in a local subprocess with a JSON
// protocol bridge for tool calls. A lighter alternative to HTTPRunner when
// no sandbox service is deployed; isolation is limited to a pattern
// blocklist and a scoped environment.
type SubprocessRunner struct {
	pythonBin string
	workspace string // base dir for session workspaces; "" = os.TempDir()
	cfg       runnerConfig
}

var _ Runner = (*SubprocessRunner)(nil)

// NewSubprocessRunner creates a SubprocessRunner that executes Python code
// via the given Python binary (e.g. "python3"). workspace is the base
// directory for per-session workspaces.
func NewSubprocessRunner(pythonBin, workspace string, opts ...Option) *SubprocessRunner {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &SubprocessRunner{pythonBin: pythonBin, workspace: workspace, cfg: cfg}
}

// Run executes Python code in a subprocess. The dispatch function bridges
// call_tool() calls back to the agent's tool registry.
func (r *SubprocessRunner) Run(ctx context.Context, req ExecRequest, dispatch DispatchFunc) (ExecResult, error) {
	for _, pat := range blockedPatterns {
		if pat.MatchString(req.Code) {
			return ExecResult{
				Error:    fmt.Sprintf("blocked: code contains prohibited pattern: %s", pat.String()),
				ExitCode: 1,
			}, nil
		}
	}

	timeout := r.cfg.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	workDir, err := r.sessionWorkspace(req.SessionID)
	if err != nil {
		return ExecResult{}, err
	}

	// Place input files in the workspace.
	for _, f := range req.Files {
		if len(f.Data) == 0 || strings.ContainsAny(f.Name, `/\`) {
			continue
		}
		if err := os.WriteFile(filepath.Join(workDir, f.Name), f.Data, 0o644); err != nil {
			return ExecResult{}, fmt.Errorf("subprocess runner: write input file: %w", err)
		}
	}

	tmpFile, err := os.CreateTemp("", "kestrel-code-*.py")
	if err != nil {
		return ExecResult{}, fmt.Errorf("subprocess runner: create temp file: %w", err)
	}
	defer os.Remove(tmpFile.Name())

	script := preludeSource + "\n" + req.Code + "\n" + postludeSource
	if _, err := tmpFile.WriteString(script); err != nil {
		tmpFile.Close()
		return ExecResult{}, fmt.Errorf("subprocess runner: write script: %w", err)
	}
	tmpFile.Close()

	cmd := exec.CommandContext(ctx, r.pythonBin, tmpFile.Name())
	cmd.Dir = workDir
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
		"LANG=en_US.UTF-8",
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return ExecResult{}, fmt.Errorf("subprocess runner: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return ExecResult{}, fmt.Errorf("subprocess runner: stdout pipe: %w", err)
	}

	var stderrBuf strings.Builder
	cmd.Stderr = &stderrWriter{w: &stderrBuf, max: r.cfg.maxOutput}

	if err := cmd.Start(); err != nil {
		return ExecResult{}, fmt.Errorf("subprocess runner: start subprocess: %w", err)
	}

	// Protocol loop: read JSON messages from stdout, dispatch tool calls,
	// write results to stdin.
	var finalOutput string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, r.cfg.maxOutput), r.cfg.maxOutput)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		var msg protocolMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue // skip malformed lines
		}

		switch msg.Type {
		case "tool_call":
			writeJSON(stdin, r.handleToolCall(ctx, msg, dispatch))
		case "result":
			data, _ := json.Marshal(msg.Data)
			finalOutput = string(data)
		}
	}

	err = cmd.Wait()
	logs := stderrBuf.String()
	if len(logs) > r.cfg.maxOutput {
		logs = logs[:r.cfg.maxOutput] + "\n... (truncated)"
	}

	result := ExecResult{
		Output: finalOutput,
		Logs:   logs,
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			result.Error = fmt.Sprintf("execution timed out after %s", timeout)
			result.ExitCode = -1
		} else if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			result.Error = fmt.Sprintf("exit code %d", exitErr.ExitCode())
		} else {
			result.Error = err.Error()
			result.ExitCode = -1
		}
	}

	return result, nil
}

// sessionWorkspace returns the working directory for the execution,
// creating the per-session subdirectory when needed.
func (r *SubprocessRunner) sessionWorkspace(sessionID string) (string, error) {
	base := r.workspace
	if base == "" {
		base = os.TempDir()
	}
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) {
		return base, nil
	}
	dir := filepath.Join(base, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("subprocess runner: create workspace: %w", err)
	}
	return dir, nil
}

// CleanupSession removes the session workspace directory.
func (r *SubprocessRunner) CleanupSession(_ context.Context, sessionID string) error {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) || r.workspace == "" {
		return nil
	}
	return os.RemoveAll(filepath.Join(r.workspace, sessionID))
}

// --- protocol types ---

type protocolMessage struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`
	Data any             `json:"data,omitempty"`
}

type protocolResponse struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Data  string `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// handleToolCall dispatches a single tool call and returns the protocol response.
func (r *SubprocessRunner) handleToolCall(ctx context.Context, msg protocolMessage, dispatch DispatchFunc) protocolResponse {
	// No recursion: sandboxed code cannot reach the sandbox tools again.
	if msg.Name == "run_code" || msg.Name == "shell_exec" {
		return protocolResponse{
			Type:  "tool_error",
			ID:    msg.ID,
			Error: "sandboxed code cannot call " + msg.Name,
		}
	}

	res := dispatch(ctx, kestrel.ToolCall{
		ID:   msg.ID,
		Name: msg.Name,
		Args: msg.Args,
	})
	if !res.Success {
		return protocolResponse{Type: "tool_error", ID: msg.ID, Error: res.Error}
	}
	return protocolResponse{Type: "tool_result", ID: msg.ID, Data: res.Content}
}

// writeJSON writes a JSON-encoded message to the writer, followed by a newline.
func writeJSON(w io.Writer, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "%s\n", data)
}

// stderrWriter limits stderr capture to a maximum size.
type stderrWriter struct {
	w   *strings.Builder
	max int
}

func (sw *stderrWriter) Write(p []byte) (int, error) {
	if sw.w.Len() < sw.max {
		remaining := sw.max - sw.w.Len()
		if len(p) > remaining {
			p = p[:remaining]
		}
		sw.w.Write(p)
	}
	return len(p), nil
}
