package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	kestrel "github.com/kestrelai/kestrel"
)

const (
	protocolVersion  = "2024-11-05"
	initialBackoff   = 1 * time.Second
	maxBackoff       = 30 * time.Second
	clientName       = "kestrel"
	clientVersionStr = "1.0"
)

// Server is a live connection to one MCP server. It implements kestrel.Tool:
// every tool the server advertises becomes one definition with SourceMCP.
//
// A failed call marks the connection broken; the next call reconnects with
// exponential backoff (1s doubling to 30s between attempts).
type Server struct {
	name   string
	cfg    ServerConfig
	logger *slog.Logger

	mu        sync.Mutex
	client    *client.Client
	defs      []kestrel.ToolDefinition
	connected bool
	backoff   time.Duration
	nextRetry time.Time
}

var _ kestrel.Tool = (*Server)(nil)

// Connect establishes the connection and lists the server's tools.
func Connect(ctx context.Context, name string, cfg ServerConfig, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{name: name, cfg: cfg, logger: logger, backoff: initialBackoff}
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Name returns the configured server name.
func (s *Server) Name() string { return s.name }

// Definitions returns the server's advertised tools as of the last connect.
func (s *Server) Definitions() []kestrel.ToolDefinition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]kestrel.ToolDefinition(nil), s.defs...)
}

// Execute calls the named tool on the server. A transport failure triggers
// one reconnect attempt, rate-limited by the backoff schedule.
func (s *Server) Execute(ctx context.Context, name string, args json.RawMessage) (kestrel.ToolResult, error) {
	c, err := s.ensureConnected(ctx)
	if err != nil {
		return kestrel.ToolResult{Success: false, Error: err.Error()}, nil
	}

	var params map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return kestrel.ToolResult{Success: false, Error: "invalid arguments: " + err.Error()}, nil
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = params

	resp, err := c.CallTool(ctx, req)
	if err != nil {
		s.markBroken()
		return kestrel.ToolResult{Success: false, Error: fmt.Sprintf("mcp call failed: %v", err)}, nil
	}

	text := joinTextContent(resp.Content)
	if resp.IsError {
		if text == "" {
			text = "unknown error"
		}
		return kestrel.ToolResult{Success: false, Error: text}, nil
	}
	return kestrel.ToolResult{Success: true, Content: text}, nil
}

// Close shuts down the connection.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	s.connected = false
	return err
}

// ensureConnected returns the live client, reconnecting when the connection
// is broken and the backoff window has elapsed.
func (s *Server) ensureConnected(ctx context.Context) (*client.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return s.client, nil
	}
	if now := time.Now(); now.Before(s.nextRetry) {
		return nil, fmt.Errorf("mcp server %q disconnected, retry in %s", s.name, time.Until(s.nextRetry).Round(time.Second))
	}
	if err := s.connectLocked(ctx); err != nil {
		s.nextRetry = time.Now().Add(s.backoff)
		s.backoff = min(s.backoff*2, maxBackoff)
		return nil, fmt.Errorf("mcp server %q reconnect failed: %w", s.name, err)
	}
	return s.client, nil
}

func (s *Server) markBroken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Close() //nolint:errcheck
		s.client = nil
	}
	s.connected = false
	s.nextRetry = time.Now().Add(s.backoff)
	s.backoff = min(s.backoff*2, maxBackoff)
	s.logger.Warn("mcp server connection lost", "server", s.name)
}

func (s *Server) connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

// connectLocked dials, initializes, and lists tools. Caller holds s.mu.
func (s *Server) connectLocked(ctx context.Context) error {
	var (
		c   *client.Client
		err error
	)
	switch s.cfg.transport() {
	case "stdio":
		c, err = client.NewStdioMCPClient(s.cfg.Command, envSlice(s.cfg.Env), s.cfg.Args...)
	case "sse":
		c, err = client.NewSSEMCPClient(s.cfg.URL)
	case "http":
		c, err = client.NewStreamableHttpClient(s.cfg.URL)
	default:
		return fmt.Errorf("unknown transport %q", s.cfg.transport())
	}
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	if err := c.Start(ctx); err != nil {
		c.Close() //nolint:errcheck
		return fmt.Errorf("start client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersionStr}
	initReq.Params.ProtocolVersion = protocolVersion
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close() //nolint:errcheck
		return fmt.Errorf("initialize: %w", err)
	}

	listResp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.Close() //nolint:errcheck
		return fmt.Errorf("list tools: %w", err)
	}

	defs := make([]kestrel.ToolDefinition, 0, len(listResp.Tools))
	for _, t := range listResp.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		defs = append(defs, kestrel.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schema,
			Source:      kestrel.SourceMCP,
		})
	}

	s.client = c
	s.defs = defs
	s.connected = true
	s.backoff = initialBackoff
	s.logger.Info("connected to mcp server",
		"server", s.name, "transport", s.cfg.transport(), "tools", len(defs))
	return nil
}

// LoadAll connects every enabled server in cfg and registers its tools in
// reg. A server that fails to connect is logged and skipped so one bad
// server does not take down the rest. Returned servers should be closed on
// shutdown.
func LoadAll(ctx context.Context, cfg Config, reg *kestrel.Registry, logger *slog.Logger) []*Server {
	if logger == nil {
		logger = slog.Default()
	}
	var servers []*Server
	for name, sc := range cfg.Servers {
		if sc.Disabled {
			logger.Debug("mcp server disabled", "server", name)
			continue
		}
		srv, err := Connect(ctx, name, sc, logger)
		if err != nil {
			logger.Warn("mcp server unavailable", "server", name, "error", err)
			continue
		}
		reg.Register(srv)
		servers = append(servers, srv)
	}
	return servers
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func joinTextContent(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
