package kestrel

import (
	"context"
	"encoding/json"
	"fmt"
)

// spawnDepthKey carries the nesting depth of spawned agents through ctx.
type spawnDepthKey struct{}

func withSpawnDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, spawnDepthKey{}, depth)
}

// SpawnDepth returns the current spawn nesting depth (0 at the root run).
func SpawnDepth(ctx context.Context) int {
	if d, ok := ctx.Value(spawnDepthKey{}).(int); ok {
		return d
	}
	return 0
}

// SpawnTool is the spawn_agent tool: it creates a child agent holding a
// named subset of the parent's tools and runs it to completion as a
// synchronous call. Depth is tracked through ctx; exceeding the configured
// maximum fails the call and the parent continues.
type SpawnTool struct {
	provider Provider
	parent   *Registry
	cfg      agentConfig
}

// NewSpawnTool builds the spawn tool over the parent's run registry.
func NewSpawnTool(provider Provider, parent *Registry, cfg agentConfig) *SpawnTool {
	return &SpawnTool{provider: provider, parent: parent, cfg: cfg}
}

func (t *SpawnTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{
		Name:        "spawn_agent",
		Description: "Spawn a sub-agent with a subset of your tools to complete a focused task. Blocks until the sub-agent finishes and returns its final answer.",
		Source:      SourceSpawn,
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"task": {"type": "string", "description": "The task for the sub-agent"},
				"tools": {"type": "array", "items": {"type": "string"}, "description": "Names of parent tools the sub-agent may use"},
				"role": {"type": "string", "description": "Optional role description for the sub-agent"},
				"max_steps": {"type": "integer", "description": "Optional step cap for the sub-agent"}
			},
			"required": ["task"]
		}`),
	}}
}

func (t *SpawnTool) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	var params struct {
		Task     string   `json:"task"`
		Tools    []string `json:"tools"`
		Role     string   `json:"role"`
		MaxSteps int      `json:"max_steps"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return ToolResult{Success: false, Error: "invalid arguments: " + err.Error()}, nil
	}

	depth := SpawnDepth(ctx)
	if depth+1 > t.cfg.spawnDepth {
		return ToolResult{Success: false, Error: fmt.Sprintf("spawn depth exceeded (max %d)", t.cfg.spawnDepth)}, nil
	}

	sub := NewRegistry(RegistryLogger(t.cfg.logger))
	for _, toolName := range params.Tools {
		rt, ok := t.parent.Lookup(toolName)
		if !ok {
			return ToolResult{Success: false, Error: "unknown tool " + toolName}, nil
		}
		sub.RegisterTimeout(&boundTool{def: rt.def, inner: rt.tool}, rt.timeout)
	}

	maxSteps := t.cfg.maxSteps
	if params.MaxSteps > 0 && params.MaxSteps < maxSteps {
		maxSteps = params.MaxSteps
	}
	role := params.Role
	if role == "" {
		role = "You are a focused sub-agent. Complete the task and report the result."
	}

	child := NewLLMAgent("subagent", role, "", t.provider,
		WithRegistry(sub),
		WithPromptConfig(PromptConfig{Role: role}),
		WithMaxSteps(maxSteps),
		WithTokenLimit(t.cfg.tokenLimit),
		WithSummarization(t.cfg.summarize),
		WithSpawnDepth(t.cfg.spawnDepth),
		WithTokenCounter(t.cfg.counter),
		WithLogger(t.cfg.logger),
	)

	res, err := child.Execute(withSpawnDepth(ctx, depth+1), AgentTask{Input: params.Task})
	if err != nil {
		return ToolResult{Success: false, Error: err.Error()}, nil
	}
	return ToolResult{Success: res.Success, Content: res.Output}, nil
}

// boundTool exposes a single parent registration to a child registry.
type boundTool struct {
	def   ToolDefinition
	inner Tool
}

func (b *boundTool) Definitions() []ToolDefinition { return []ToolDefinition{b.def} }

func (b *boundTool) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	return b.inner.Execute(ctx, name, args)
}
