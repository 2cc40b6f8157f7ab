package sandbox

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	kestrel "github.com/kestrelai/kestrel"
)

func TestSubprocessBlockedPatterns(t *testing.T) {
	r := NewSubprocessRunner("python3", t.TempDir())

	for _, code := range []string{
		`import os; os.system("rm -rf /")`,
		`import subprocess; subprocess.run(["ls"])`,
	} {
		res, err := r.Run(context.Background(), ExecRequest{Code: code}, noDispatch)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(res.Error, "blocked") || res.ExitCode != 1 {
			t.Errorf("code %q: result = %+v", code, res)
		}
	}
}

func TestSessionWorkspace(t *testing.T) {
	base := t.TempDir()
	r := NewSubprocessRunner("python3", base)

	dir, err := r.sessionWorkspace("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if dir != filepath.Join(base, "sess-1") {
		t.Errorf("dir = %q", dir)
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		t.Errorf("workspace not created: %v", err)
	}

	// Empty or path-traversing ids fall back to the base directory.
	for _, id := range []string{"", "a/b", `a\b`} {
		dir, err := r.sessionWorkspace(id)
		if err != nil {
			t.Fatal(err)
		}
		if dir != base {
			t.Errorf("session %q: dir = %q, want base", id, dir)
		}
	}
}

func TestSubprocessCleanupSession(t *testing.T) {
	base := t.TempDir()
	r := NewSubprocessRunner("python3", base)

	dir, err := r.sessionWorkspace("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.CleanupSession(context.Background(), "sess-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("workspace not removed")
	}

	// Traversing ids are refused silently, nothing outside base is touched.
	if err := r.CleanupSession(context.Background(), "../oops"); err != nil {
		t.Errorf("traversal cleanup = %v", err)
	}
}

func TestHandleToolCall(t *testing.T) {
	r := NewSubprocessRunner("python3", "")
	dispatch := func(_ context.Context, call kestrel.ToolCall) kestrel.ToolResult {
		if call.Name == "fail" {
			return kestrel.ToolResult{Success: false, Error: "tool broken"}
		}
		return kestrel.ToolResult{Success: true, Content: "echo: " + call.Name}
	}

	resp := r.handleToolCall(context.Background(), protocolMessage{
		Type: "tool_call", ID: "1", Name: "lookup", Args: json.RawMessage(`{}`),
	}, dispatch)
	if resp.Type != "tool_result" || resp.Data != "echo: lookup" {
		t.Errorf("response = %+v", resp)
	}

	resp = r.handleToolCall(context.Background(), protocolMessage{Type: "tool_call", ID: "2", Name: "fail"}, dispatch)
	if resp.Type != "tool_error" || resp.Error != "tool broken" {
		t.Errorf("response = %+v", resp)
	}

	// Sandboxed code cannot recurse into the sandbox tools.
	for _, name := range []string{"run_code", "shell_exec"} {
		resp = r.handleToolCall(context.Background(), protocolMessage{Type: "tool_call", Name: name}, dispatch)
		if resp.Type != "tool_error" || !strings.Contains(resp.Error, "cannot call "+name) {
			t.Errorf("%s: response = %+v", name, resp)
		}
	}
}

func TestStderrWriterCapsOutput(t *testing.T) {
	var b strings.Builder
	sw := &stderrWriter{w: &b, max: 10}

	n, err := sw.Write([]byte("0123456789abcdef"))
	if err != nil || n != 16 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if b.String() != "0123456789" {
		t.Errorf("captured = %q", b.String())
	}

	// Further writes are swallowed but still report success.
	n, err = sw.Write([]byte("more"))
	if err != nil || n != 4 {
		t.Errorf("Write after cap = %d, %v", n, err)
	}
	if b.String() != "0123456789" {
		t.Errorf("captured after cap = %q", b.String())
	}
}
