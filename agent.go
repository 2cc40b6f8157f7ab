package kestrel

import (
	"context"
	"log/slog"
)

// Agent is a unit of work that takes a task and returns a result.
// Implementations range from single LLM tool-calling agents (LLMAgent) to
// multi-agent coordinators (Team) and graph executors (StateGraph).
type Agent interface {
	// Name returns the agent's identifier.
	Name() string
	// Description returns a human-readable description of what the agent does.
	Description() string
	// Execute runs the agent on the given task. A run that pauses for human
	// input returns an *ErrSuspended carrying the resume closure.
	Execute(ctx context.Context, task AgentTask) (AgentResult, error)
}

// StreamingAgent is an optional capability for agents that support event
// streaming. Check via type assertion.
type StreamingAgent interface {
	Agent
	// ExecuteStream runs the agent like Execute but emits StreamEvent values
	// into ch throughout execution. The channel is closed when done.
	ExecuteStream(ctx context.Context, task AgentTask, ch chan<- StreamEvent) (AgentResult, error)
}

// AgentTask is the input to an Agent.
type AgentTask struct {
	// Input is the natural language task description.
	Input string
	// SessionID binds the run to a session for history replay and sandbox
	// substitution. Empty = no session.
	SessionID string
	// OwnerID identifies the caller, recorded on new sessions.
	OwnerID string
	// Metadata carries free-form run metadata copied onto the RunRecord.
	Metadata map[string]any
}

// AgentResult is the output of an Agent run.
type AgentResult struct {
	// RunID identifies this run in the session store and run logs.
	RunID string
	// Output is the final assistant text.
	Output string
	// Thinking is the last reasoning text the provider surfaced, if any.
	Thinking string
	// State is the terminal loop state (DONE_OK, DONE_MAX_STEPS, DONE_ERROR,
	// or PAUSED_FOR_INPUT).
	State RunState
	// Reason qualifies terminal states ("max_steps_reached",
	// "context_overflow", "cancelled", "provider_error").
	Reason string
	// Success is true for DONE_OK and DONE_MAX_STEPS.
	Success bool
	// Steps is the number of loop steps consumed.
	Steps int
	// Usage aggregates token usage across all LLM calls in the run.
	Usage Usage
	// InputRequest is set when State is PAUSED_FOR_INPUT.
	InputRequest *InputRequest
	// LogPath is the run's JSONL log file, when run logging is enabled.
	LogPath string
}

// agentConfig holds shared configuration for LLMAgent, Team, and AgentNode.
type agentConfig struct {
	tools        []Tool
	registry     *Registry
	prompt       PromptConfig
	maxSteps     int
	tokenLimit   int
	maxTokens    int
	summarize    bool
	skills       SkillIndex
	inputHandler InputHandler
	sessions     SessionStore
	historyRuns  int
	logDir       string
	trace        *TraceLogger
	tracer       Tracer
	logger       *slog.Logger
	spawnDepth   int
	counter      *TokenCounter
	fanOut       bool
}

// AgentOption configures an LLMAgent, Team, or AgentNode.
type AgentOption func(*agentConfig)

// WithTools adds tools to the agent.
func WithTools(tools ...Tool) AgentOption {
	return func(c *agentConfig) { c.tools = append(c.tools, tools...) }
}

// WithRegistry supplies a pre-built tool registry (native + MCP + sandbox).
// Tools added via WithTools are registered on top of it.
func WithRegistry(r *Registry) AgentOption {
	return func(c *agentConfig) { c.registry = r }
}

// WithPromptConfig sets the typed prompt configuration. The system message
// is assembled from it by BuildPrompt at the start of every run.
func WithPromptConfig(p PromptConfig) AgentOption {
	return func(c *agentConfig) { c.prompt = p }
}

// WithInstructions appends instruction bullets to the prompt configuration.
func WithInstructions(lines ...string) AgentOption {
	return func(c *agentConfig) { c.prompt.Instructions = append(c.prompt.Instructions, lines...) }
}

// WithMaxSteps sets the hard ceiling on loop steps (default 50, or
// AGENT_MAX_STEPS).
func WithMaxSteps(n int) AgentOption {
	return func(c *agentConfig) { c.maxSteps = n }
}

// WithTokenLimit sets the context budget that triggers compaction
// (default 120000, or TOKEN_LIMIT).
func WithTokenLimit(n int) AgentOption {
	return func(c *agentConfig) { c.tokenLimit = n }
}

// WithMaxTokens caps the per-request max_tokens sent to the provider.
func WithMaxTokens(n int) AgentOption {
	return func(c *agentConfig) { c.maxTokens = n }
}

// WithSummarization toggles LLM-driven compaction when the context exceeds
// the token limit. Enabled by default.
func WithSummarization(enabled bool) AgentOption {
	return func(c *agentConfig) { c.summarize = enabled }
}

// WithSkills attaches a skill index. Skill names and descriptions are
// listed in the prompt; the get_skill tool loads full content.
func WithSkills(idx SkillIndex) AgentOption {
	return func(c *agentConfig) { c.skills = idx }
}

// WithInputHandler sets the handler for human-in-the-loop pauses. When set,
// get_user_input resolves inline instead of suspending the run.
func WithInputHandler(h InputHandler) AgentOption {
	return func(c *agentConfig) { c.inputHandler = h }
}

// WithSessions binds the agent to a session store. The last historyRuns
// top-level runs are replayed into the prompt, and every run is appended.
func WithSessions(s SessionStore, historyRuns int) AgentOption {
	return func(c *agentConfig) {
		c.sessions = s
		c.historyRuns = historyRuns
	}
}

// WithRunLogDir enables per-run JSONL logging under dir.
func WithRunLogDir(dir string) AgentOption {
	return func(c *agentConfig) { c.logDir = dir }
}

// WithTraceLogger attaches the multi-agent trace event sink.
func WithTraceLogger(t *TraceLogger) AgentOption {
	return func(c *agentConfig) { c.trace = t }
}

// WithTracer sets the span tracer. Use observer.NewTracer() for an
// OTEL-backed implementation.
func WithTracer(t Tracer) AgentOption {
	return func(c *agentConfig) { c.tracer = t }
}

// WithLogger sets the structured logger. If not set, a no-op logger is used.
func WithLogger(l *slog.Logger) AgentOption {
	return func(c *agentConfig) { c.logger = l }
}

// WithSpawnDepth sets the spawn_agent recursion cap (default 3, or
// SPAWN_AGENT_MAX_DEPTH).
func WithSpawnDepth(n int) AgentOption {
	return func(c *agentConfig) { c.spawnDepth = n }
}

// WithTokenCounter overrides the model-derived token counter.
func WithTokenCounter(tc *TokenCounter) AgentOption {
	return func(c *agentConfig) { c.counter = tc }
}

// WithFanOut gives a Team leader the delegate_task_to_all_members tool,
// which runs one task across every member concurrently.
func WithFanOut() AgentOption {
	return func(c *agentConfig) { c.fanOut = true }
}

// nopLogger discards all output. Used when WithLogger is not set.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

func buildConfig(model string, opts []AgentOption) agentConfig {
	c := agentConfig{
		maxSteps:   DefaultMaxSteps(),
		tokenLimit: DefaultTokenLimit(),
		summarize:  true,
		spawnDepth: DefaultSpawnDepth(),
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.logger == nil {
		c.logger = nopLogger
	}
	if c.counter == nil {
		c.counter = NewTokenCounter(model)
	}
	return c
}
