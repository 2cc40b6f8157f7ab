// Package file provides file read/write tools restricted to a workspace
// directory. PDF files are read through text extraction.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	kestrel "github.com/kestrelai/kestrel"
)

// Tool provides file read/write within a workspace.
type Tool struct {
	workspacePath string
}

// New creates a file Tool restricted to workspacePath.
func New(workspacePath string) *Tool {
	return &Tool{workspacePath: workspacePath}
}

func (t *Tool) Definitions() []kestrel.ToolDefinition {
	return []kestrel.ToolDefinition{
		{
			Name:        "file_read",
			Description: "Read a file from the workspace. PDF files are converted to plain text. Returns the content (truncated to 8000 chars if large).",
			Source:      kestrel.SourceNative,
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to workspace"}},"required":["path"]}`),
		},
		{
			Name:        "file_write",
			Description: "Write content to a file in the workspace. Creates parent directories if needed.",
			Source:      kestrel.SourceNative,
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to workspace"},"content":{"type":"string","description":"Content to write"}},"required":["path","content"]}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (kestrel.ToolResult, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return kestrel.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	resolved, err := t.resolvePath(params.Path)
	if err != nil {
		return kestrel.ToolResult{Error: err.Error()}, nil
	}

	switch name {
	case "file_read":
		return t.read(resolved)
	case "file_write":
		return t.write(resolved, params.Content)
	default:
		return kestrel.ToolResult{Error: "unknown file tool: " + name}, nil
	}
}

func (t *Tool) resolvePath(path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal not allowed: %s", path)
	}
	resolved := filepath.Join(t.workspacePath, path)
	// Double-check it's still within workspace
	if !strings.HasPrefix(resolved, t.workspacePath) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return resolved, nil
}

func (t *Tool) read(path string) (kestrel.ToolResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return kestrel.ToolResult{Error: "read error: " + err.Error()}, nil
	}

	var content string
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		content, err = extractPDF(data)
		if err != nil {
			return kestrel.ToolResult{Error: "pdf error: " + err.Error()}, nil
		}
	} else {
		content = string(data)
	}

	if len(content) > 8000 {
		content = content[:8000] + "\n... (truncated)"
	}
	return kestrel.ToolResult{Success: true, Content: content}, nil
}

func (t *Tool) write(path, content string) (kestrel.ToolResult, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return kestrel.ToolResult{Error: "mkdir error: " + err.Error()}, nil
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return kestrel.ToolResult{Error: "write error: " + err.Error()}, nil
	}
	return kestrel.ToolResult{Success: true, Content: fmt.Sprintf("Written %d bytes to %s", len(content), filepath.Base(path))}, nil
}

// extractPDF returns the plain text of a PDF, page by page.
func extractPDF(content []byte) (string, error) {
	if len(content) == 0 {
		return "", fmt.Errorf("empty PDF content")
	}
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	var text strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(pageText)
	}
	return strings.TrimSpace(text.String()), nil
}
