package main

import (
	"context"
	"log/slog"

	kestrel "github.com/kestrelai/kestrel"
	"github.com/kestrelai/kestrel/internal/config"
	"github.com/kestrelai/kestrel/provider/resolve"
	"github.com/kestrelai/kestrel/sandbox"
)

// agentFactory builds a per-session agent on each run. The base registry is
// shared; when the sandbox is enabled it is substituted per session so the
// run_code and shell_exec tools execute in that session's workspace.
type agentFactory struct {
	cfg       config.Config
	canonical string
	provider  kestrel.Provider
	registry  *kestrel.Registry
	sessions  kestrel.SessionStore
	skills    kestrel.SkillIndex
	sandbox   *sandbox.Manager
	tracer    kestrel.Tracer
	logger    *slog.Logger
}

func (f *agentFactory) Name() string        { return f.cfg.Agent.Name }
func (f *agentFactory) Description() string { return "general purpose agent" }

func (f *agentFactory) Execute(ctx context.Context, task kestrel.AgentTask) (kestrel.AgentResult, error) {
	return f.build(task.SessionID).Execute(ctx, task)
}

func (f *agentFactory) ExecuteStream(ctx context.Context, task kestrel.AgentTask, ch chan<- kestrel.StreamEvent) (kestrel.AgentResult, error) {
	return f.build(task.SessionID).ExecuteStream(ctx, task, ch)
}

func (f *agentFactory) build(sessionID string) *kestrel.LLMAgent {
	registry := f.registry
	if f.sandbox != nil && sessionID != "" {
		// Late-bound dispatcher: sandboxed call_tool requests route through
		// the substituted registry itself.
		var dispatcher *kestrel.Dispatcher
		registry = f.sandbox.Substitute(f.registry, sessionID,
			func(ctx context.Context, call kestrel.ToolCall) kestrel.ToolResult {
				return dispatcher.Invoke(ctx, call)
			})
		dispatcher = kestrel.NewDispatcher(registry, kestrel.DispatchLogger(f.logger))
	}

	opts := []kestrel.AgentOption{
		kestrel.WithRegistry(registry),
		kestrel.WithMaxSteps(f.cfg.Agent.MaxSteps),
		kestrel.WithTokenLimit(f.cfg.Agent.TokenLimit),
		kestrel.WithMaxTokens(resolve.MaxTokensCeiling(f.canonical)),
		kestrel.WithSpawnDepth(f.cfg.Agent.SpawnDepth),
		kestrel.WithSessions(f.sessions, f.cfg.Agent.HistoryRuns),
		kestrel.WithLogger(f.logger),
	}
	if f.skills != nil {
		opts = append(opts, kestrel.WithSkills(f.skills))
	}
	if f.tracer != nil {
		opts = append(opts, kestrel.WithTracer(f.tracer))
	}
	if f.cfg.Server.LogDir != "" {
		opts = append(opts, kestrel.WithRunLogDir(f.cfg.Server.LogDir))
	}

	_, model := resolve.Split(f.canonical)
	return kestrel.NewLLMAgent(f.cfg.Agent.Name, "general purpose agent", model, f.provider, opts...)
}

var _ kestrel.StreamingAgent = (*agentFactory)(nil)
