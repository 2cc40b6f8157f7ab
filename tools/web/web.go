// Package web provides a native tool that fetches URLs and extracts readable
// text content.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/go-shiori/go-readability"

	kestrel "github.com/kestrelai/kestrel"
)

// Tool fetches URLs and extracts readable content.
type Tool struct {
	client *http.Client
}

// New creates a web Tool with a 15-second timeout.
func New() *Tool {
	return &Tool{
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (t *Tool) Definitions() []kestrel.ToolDefinition {
	return []kestrel.ToolDefinition{{
		Name:        "web_fetch",
		Description: "Fetch a URL and extract its readable text content. Use for reading web pages, articles, documentation.",
		Source:      kestrel.SourceNative,
		Parameters:  json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"URL to fetch"}},"required":["url"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (kestrel.ToolResult, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return kestrel.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	content, err := t.Fetch(ctx, params.URL)
	if err != nil {
		return kestrel.ToolResult{Error: err.Error()}, nil
	}

	if len(content) > 8000 {
		content = content[:8000] + "\n... (truncated)"
	}

	return kestrel.ToolResult{Success: true, Content: content}, nil
}

// Fetch downloads a URL and extracts readable text. Exported for use by
// other tools.
func (t *Tool) Fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; KestrelBot/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1MB limit
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}

	html := string(body)

	// Try readability extraction
	parsedURL, _ := url.Parse(rawURL)
	article, err := readability.FromReader(strings.NewReader(html), parsedURL)
	if err == nil && article.TextContent != "" {
		return strings.TrimSpace(article.TextContent), nil
	}

	// Fallback: simple HTML stripping
	return stripHTML(html), nil
}

// stripHTML removes tags, scripts, and styles, collapsing whitespace.
// Used when readability cannot parse the document.
func stripHTML(content string) string {
	var b strings.Builder
	b.Grow(len(content))

	inTag, inScript, inStyle, naming := false, false, false, false
	var tag strings.Builder

	for _, r := range content {
		switch {
		case r == '<':
			inTag, naming = true, true
			tag.Reset()
		case inTag && r == '>':
			inTag = false
			switch strings.ToLower(tag.String()) {
			case "script":
				inScript = true
			case "/script":
				inScript = false
			case "style":
				inStyle = true
			case "/style":
				inStyle = false
			}
			b.WriteByte(' ')
		case inTag:
			if unicode.IsSpace(r) {
				naming = false
			} else if naming {
				tag.WriteRune(r)
			}
		case !inScript && !inStyle:
			b.WriteRune(r)
		}
	}

	return strings.Join(strings.Fields(b.String()), " ")
}
