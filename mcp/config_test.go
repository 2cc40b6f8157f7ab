package mcp

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mcp.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `{
		"mcpServers": {
			"filesystem": {
				"command": "npx",
				"args": ["-y", "@modelcontextprotocol/server-filesystem", "/tmp"],
				"env": {"DEBUG": "1"}
			},
			"search": {
				"transport": "http",
				"url": "http://localhost:3000/mcp"
			},
			"off": {
				"command": "anything",
				"disabled": true
			}
		}
	}`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Servers) != 3 {
		t.Fatalf("servers = %d, want 3", len(cfg.Servers))
	}

	fs := cfg.Servers["filesystem"]
	if fs.Command != "npx" || len(fs.Args) != 3 || fs.Env["DEBUG"] != "1" {
		t.Errorf("filesystem = %+v", fs)
	}
	if cfg.Servers["search"].URL != "http://localhost:3000/mcp" {
		t.Errorf("search = %+v", cfg.Servers["search"])
	}
	if !cfg.Servers["off"].Disabled {
		t.Error("disabled flag not parsed")
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("missing file accepted")
	}

	path := writeConfig(t, `{not json`)
	if _, err := LoadConfig(path); err == nil {
		t.Error("invalid JSON accepted")
	}

	path = writeConfig(t, `{"mcpServers": {"bare": {}}}`)
	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "needs a command or a url") {
		t.Errorf("err = %v, want command-or-url error", err)
	}

	path = writeConfig(t, `{"mcpServers": {"weird": {"command": "x", "transport": "carrier-pigeon"}}}`)
	_, err = LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "unknown transport") {
		t.Errorf("err = %v, want transport error", err)
	}
}

func TestEffectiveTransport(t *testing.T) {
	cases := []struct {
		sc   ServerConfig
		want string
	}{
		{ServerConfig{Command: "npx"}, "stdio"},
		{ServerConfig{URL: "http://x"}, "http"},
		{ServerConfig{Command: "npx", Transport: "sse"}, "sse"},
		{ServerConfig{URL: "http://x", Transport: "http"}, "http"},
	}
	for _, tc := range cases {
		if got := tc.sc.transport(); got != tc.want {
			t.Errorf("transport(%+v) = %q, want %q", tc.sc, got, tc.want)
		}
	}
}
