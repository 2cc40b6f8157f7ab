package file

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	kestrel "github.com/kestrelai/kestrel"
)

func exec(t *testing.T, tool *Tool, name, args string) kestrel.ToolResult {
	t.Helper()
	res, err := tool.Execute(context.Background(), name, json.RawMessage(args))
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestWriteThenRead(t *testing.T) {
	tool := New(t.TempDir())

	res := exec(t, tool, "file_write", `{"path":"notes/todo.txt","content":"buy milk"}`)
	if !res.Success || !strings.Contains(res.Content, "todo.txt") {
		t.Fatalf("write = %+v", res)
	}

	res = exec(t, tool, "file_read", `{"path":"notes/todo.txt"}`)
	if !res.Success || res.Content != "buy milk" {
		t.Errorf("read = %+v", res)
	}
}

func TestReadMissingFile(t *testing.T) {
	tool := New(t.TempDir())
	res := exec(t, tool, "file_read", `{"path":"ghost.txt"}`)
	if res.Success || !strings.Contains(res.Error, "read error") {
		t.Errorf("result = %+v", res)
	}
}

func TestReadTruncatesLargeFiles(t *testing.T) {
	dir := t.TempDir()
	big := strings.Repeat("a", 9000)
	if err := os.WriteFile(filepath.Join(dir, "big.txt"), []byte(big), 0o644); err != nil {
		t.Fatal(err)
	}
	tool := New(dir)
	res := exec(t, tool, "file_read", `{"path":"big.txt"}`)
	if !res.Success || !strings.HasSuffix(res.Content, "... (truncated)") {
		t.Errorf("result = %+v", res)
	}
	if len(res.Content) > 8100 {
		t.Errorf("content = %d chars", len(res.Content))
	}
}

func TestPathRestrictions(t *testing.T) {
	tool := New(t.TempDir())
	cases := []struct {
		path string
		want string
	}{
		{"/etc/passwd", "absolute paths"},
		{"../outside.txt", "path traversal"},
		{"a/../../outside.txt", "path traversal"},
	}
	for _, tc := range cases {
		args, _ := json.Marshal(map[string]string{"path": tc.path})
		res := exec(t, tool, "file_read", string(args))
		if res.Success || !strings.Contains(res.Error, tc.want) {
			t.Errorf("path %q: result = %+v", tc.path, res)
		}
	}
}

func TestUnknownOperation(t *testing.T) {
	tool := New(t.TempDir())
	res := exec(t, tool, "file_delete", `{"path":"x"}`)
	if res.Success || !strings.Contains(res.Error, "unknown file tool") {
		t.Errorf("result = %+v", res)
	}
}

func TestExtractPDFRejectsGarbage(t *testing.T) {
	if _, err := extractPDF(nil); err == nil {
		t.Error("empty content accepted")
	}
	if _, err := extractPDF([]byte("not a pdf")); err == nil {
		t.Error("non-PDF content accepted")
	}
}
