package kestrel

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Tool defines an agent capability with one or more tool functions.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// registeredTool binds one definition to the Tool that serves it.
type registeredTool struct {
	def     ToolDefinition
	tool    Tool
	timeout time.Duration // 0 = registry default
}

// Registry holds all tool definitions reachable by one agent and resolves
// names to implementations. Load order is native, then MCP, then sandbox
// substitutions, then spawn; a later registration shadows an earlier one
// with a warning. Reads vastly outnumber writes; a RWMutex guards dynamic
// reconfiguration.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	byName map[string]registeredTool
	logger *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// RegistryLogger sets the structured logger used for shadow warnings.
func RegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{byName: make(map[string]registeredTool)}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// Register adds every definition of t. Name collisions shadow the earlier
// registration.
func (r *Registry) Register(t Tool) {
	r.RegisterTimeout(t, 0)
}

// RegisterTimeout adds t with a per-tool execution timeout overriding the
// dispatcher default.
func (r *Registry) RegisterTimeout(t Tool, timeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, def := range t.Definitions() {
		if prev, ok := r.byName[def.Name]; ok {
			r.logger.Warn("tool shadowed",
				"name", def.Name,
				"previous_source", string(prev.def.Source),
				"new_source", string(def.Source))
		} else {
			r.order = append(r.order, def.Name)
		}
		r.byName[def.Name] = registeredTool{def: def, tool: t, timeout: timeout}
	}
}

// Clone returns an independent copy of the registry. Used to build
// per-session registries (sandbox substitution) without mutating the
// process-global base.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := &Registry{
		order:  append([]string(nil), r.order...),
		byName: make(map[string]registeredTool, len(r.byName)),
		logger: r.logger,
	}
	for k, v := range r.byName {
		c.byName[k] = v
	}
	return c
}

// Definitions returns all definitions in registration order.
func (r *Registry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.byName[name].def)
	}
	return defs
}

// Lookup returns the registration for name.
func (r *Registry) Lookup(name string) (registeredTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.byName[name]
	return rt, ok
}

// Instructions collects the usage notes of every tool that opted into
// prompt injection, in registration order. Feeds the prompt assembler's
// tool_usage_guidelines section.
func (r *Registry) Instructions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var notes []string
	for _, name := range r.order {
		d := r.byName[name].def
		if d.AddInstructionsToPrompt && d.Instructions != "" {
			notes = append(notes, d.Instructions)
		}
	}
	return notes
}

// FuncTool adapts a single function into a Tool. The common case for
// native tools with one definition.
type FuncTool struct {
	Def ToolDefinition
	Fn  func(ctx context.Context, args json.RawMessage) (ToolResult, error)
}

func (t *FuncTool) Definitions() []ToolDefinition { return []ToolDefinition{t.Def} }

func (t *FuncTool) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	return t.Fn(ctx, args)
}
