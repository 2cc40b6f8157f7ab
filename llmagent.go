package kestrel

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"
)

// LLMAgent is an Agent that drives an LLM with tools through the bounded
// step loop. It owns prompt assembly, the tool registry, run logging, and
// session persistence for its runs.
type LLMAgent struct {
	name        string
	description string
	provider    Provider
	cfg         agentConfig
}

// NewLLMAgent creates an LLMAgent with the given provider and options.
// model is the canonical model id; it selects the token counting table.
func NewLLMAgent(name, description, model string, provider Provider, opts ...AgentOption) *LLMAgent {
	return &LLMAgent{
		name:        name,
		description: description,
		provider:    provider,
		cfg:         buildConfig(model, opts),
	}
}

func (a *LLMAgent) Name() string        { return a.name }
func (a *LLMAgent) Description() string { return a.description }

// Execute runs the step loop until the LLM produces a final text response.
// A get_user_input pause returns (*ErrSuspended) unless an InputHandler is
// configured.
func (a *LLMAgent) Execute(ctx context.Context, task AgentTask) (AgentResult, error) {
	return a.execute(ctx, task, nil)
}

// ExecuteStream runs like Execute but emits StreamEvent values into ch
// throughout execution. The channel is closed when streaming completes.
func (a *LLMAgent) ExecuteStream(ctx context.Context, task AgentTask, ch chan<- StreamEvent) (AgentResult, error) {
	return a.execute(ctx, task, ch)
}

func (a *LLMAgent) execute(ctx context.Context, task AgentTask, ch chan<- StreamEvent) (AgentResult, error) {
	var closeOnce sync.Once
	closeCh := func() {
		if ch != nil {
			closeOnce.Do(func() { close(ch) })
		}
	}
	defer closeCh()

	if a.cfg.tracer != nil {
		var span Span
		ctx, span = a.cfg.tracer.Start(ctx, "agent.execute",
			StringAttr("agent.name", a.name))
		defer span.End()
	}

	runID := NewID()
	startedAt := time.Now()

	registry, history := a.prepareRun(ctx, task, runID)
	dispatcher := NewDispatcher(registry, DispatchLogger(a.cfg.logger))

	var runLog *RunLogger
	var logPath string
	if a.cfg.logDir != "" {
		rl, err := NewRunLogger(a.cfg.logDir, startedAt)
		if err != nil {
			a.cfg.logger.Warn("run log disabled", "error", err)
		} else {
			runLog = rl
			logPath = rl.Path()
			if ch != nil {
				select {
				case ch <- StreamEvent{Type: EventLogFile, Content: logPath}:
				case <-ctx.Done():
				}
			}
		}
	}

	a.cfg.trace.Emit(ctx, TraceEvent{
		RunID: runID, EventType: TraceAgentStart,
		Payload: map[string]any{"agent": a.name, "task": truncateStr(task.Input, 200)},
	})

	system := a.buildSystemPrompt(registry, history)
	messages := []ChatMessage{SystemMessage(system), UserMessage(task.Input)}

	lc := loopConfig{
		name:         a.name,
		runID:        runID,
		provider:     a.provider,
		tools:        registry.Definitions(),
		dispatcher:   dispatcher,
		maxSteps:     a.cfg.maxSteps,
		tokenLimit:   a.cfg.tokenLimit,
		maxTokens:    a.cfg.maxTokens,
		summarize:    a.cfg.summarize,
		compactor:    NewCompactor(a.provider, a.cfg.counter, CompactorLogger(a.cfg.logger)),
		counter:      a.cfg.counter,
		inputHandler: a.cfg.inputHandler,
		runLog:       runLog,
		tracer:       a.cfg.tracer,
		logger:       a.cfg.logger,
	}

	result, _, err := runLoop(ctx, lc, messages, 0, ch)
	result.LogPath = logPath

	var suspended *ErrSuspended
	if errors.As(err, &suspended) {
		// Defer run finalization (session append, log close) to resume time.
		inner := suspended.resume
		suspended.resume = func(ctx context.Context, values map[string]string) (AgentResult, error) {
			res, rerr := inner(ctx, values)
			res.LogPath = logPath
			a.finishRun(ctx, task, res, rerr, startedAt, runLog)
			return res, rerr
		}
		return result, suspended
	}

	a.finishRun(ctx, task, result, err, startedAt, runLog)
	return result, err
}

// prepareRun builds the per-run registry (base + tools + built-ins + spawn)
// and loads session history context.
func (a *LLMAgent) prepareRun(ctx context.Context, task AgentTask, runID string) (*Registry, string) {
	var registry *Registry
	if a.cfg.registry != nil {
		registry = a.cfg.registry.Clone()
	} else {
		registry = NewRegistry(RegistryLogger(a.cfg.logger))
	}
	for _, t := range a.cfg.tools {
		registry.Register(t)
	}
	registry.Register(UserInputTool{})
	if a.cfg.skills != nil {
		registry.Register(&SkillTool{Index: a.cfg.skills})
	}
	registry.Register(NewSpawnTool(a.provider, registry, a.cfg))

	var history string
	if a.cfg.sessions != nil && task.SessionID != "" {
		if _, err := a.cfg.sessions.GetOrCreate(ctx, task.SessionID, task.OwnerID, a.name); err != nil {
			a.cfg.logger.Warn("session unavailable", "session", task.SessionID, "error", err)
		} else if a.cfg.historyRuns > 0 {
			h, err := a.cfg.sessions.HistoryContext(ctx, task.SessionID, a.cfg.historyRuns)
			if err != nil {
				a.cfg.logger.Warn("history context load failed", "session", task.SessionID, "error", err)
			} else {
				history = h
			}
		}
	}
	return registry, history
}

func (a *LLMAgent) buildSystemPrompt(registry *Registry, history string) string {
	cfg := a.cfg.prompt
	if cfg.Name == "" {
		cfg.Name = a.name
	}
	if cfg.Description == "" {
		cfg.Description = a.description
	}
	if history != "" {
		if cfg.AdditionalContext != "" {
			cfg.AdditionalContext += "\n\n"
		}
		cfg.AdditionalContext += history
	}
	var skills []SkillInfo
	if a.cfg.skills != nil {
		skills = a.cfg.skills.List()
	}
	wd, _ := os.Getwd()
	return BuildPrompt(cfg, registry.Instructions(), skills, PromptEnv{WorkDir: wd})
}

// finishRun appends the run record and closes the run log. Errors here are
// logged, never surfaced: the run outcome is already decided.
func (a *LLMAgent) finishRun(ctx context.Context, task AgentTask, result AgentResult, runErr error, startedAt time.Time, runLog *RunLogger) {
	defer runLog.Close()

	response := result.Output
	if runErr != nil && !errors.As(runErr, new(*ErrSuspended)) {
		response = runErr.Error()
	}
	a.cfg.trace.Emit(ctx, TraceEvent{
		RunID: result.RunID, EventType: TraceAgentEnd,
		Payload: map[string]any{"agent": a.name, "state": string(result.State), "steps": result.Steps},
	})

	if a.cfg.sessions == nil || task.SessionID == "" || result.State == StatePaused {
		return
	}
	rec := RunRecord{
		RunID:      result.RunID,
		RunnerType: RunnerSolo,
		RunnerName: a.name,
		Task:       task.Input,
		Response:   response,
		Success:    result.Success,
		Steps:      result.Steps,
		StartedAt:  startedAt.Unix(),
		EndedAt:    time.Now().Unix(),
		Metadata:   task.Metadata,
	}
	if err := a.cfg.sessions.AppendRun(ctx, task.SessionID, rec); err != nil {
		a.cfg.logger.Warn("append run failed", "session", task.SessionID, "run", result.RunID, "error", err)
	}
}

var (
	_ Agent          = (*LLMAgent)(nil)
	_ StreamingAgent = (*LLMAgent)(nil)
)
