// Package mcp connects to MCP (Model Context Protocol) servers and exposes
// their tools through a kestrel.Registry.
//
// Servers are declared in a JSON config file:
//
//	{
//	  "mcpServers": {
//	    "filesystem": {
//	      "command": "npx",
//	      "args": ["-y", "@modelcontextprotocol/server-filesystem", "/tmp"],
//	      "env": {"DEBUG": "1"}
//	    },
//	    "search": {
//	      "transport": "http",
//	      "url": "http://localhost:3000/mcp"
//	    }
//	  }
//	}
//
// Transport defaults to "stdio" when a command is given, "http" otherwise.
// A server marked "disabled": true is skipped at load time.
package mcp

import (
	"encoding/json"
	"fmt"
	"os"
)

// ServerConfig declares one MCP server connection.
type ServerConfig struct {
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
	Transport string            `json:"transport,omitempty"` // stdio, sse, http
	Disabled  bool              `json:"disabled,omitempty"`
}

// Config is the parsed mcpServers file.
type Config struct {
	Servers map[string]ServerConfig `json:"mcpServers"`
}

// LoadConfig reads and validates an mcpServers JSON file.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("mcp: read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("mcp: parse config: %w", err)
	}
	for name, sc := range cfg.Servers {
		if sc.Command == "" && sc.URL == "" {
			return Config{}, fmt.Errorf("mcp: server %q needs a command or a url", name)
		}
		if sc.Transport != "" && sc.Transport != "stdio" && sc.Transport != "sse" && sc.Transport != "http" {
			return Config{}, fmt.Errorf("mcp: server %q has unknown transport %q", name, sc.Transport)
		}
	}
	return cfg, nil
}

// transport returns the effective transport for a server.
func (sc ServerConfig) transport() string {
	if sc.Transport != "" {
		return sc.Transport
	}
	if sc.Command != "" {
		return "stdio"
	}
	return "http"
}
