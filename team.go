package kestrel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// maxParallelDelegates bounds concurrent member runs during fan-out.
const maxParallelDelegates = 10

// MemberConfig describes one team member. A fresh agent is built from it
// per delegation, holding only the named tools from the team's pool.
type MemberConfig struct {
	Name         string
	Role         string
	Instructions []string
	ToolNames    []string
	MaxSteps     int // 0 = team default
}

// Team is an Agent whose leader coordinates members through delegation
// tools. The leader runs its own loop; delegate_task_to_member runs the
// named member to completion and returns its final text as the tool result.
// Member runs are appended to the shared session with parent_run_id set to
// the leader's run id.
type Team struct {
	name        string
	description string
	model       string
	provider    Provider
	members     []MemberConfig
	cfg         agentConfig
}

// NewTeam creates a Team with the given leader provider, member roster, and
// options. Tools added via WithTools or WithRegistry form the pool members
// draw from by ToolNames.
func NewTeam(name, description, model string, provider Provider, members []MemberConfig, opts ...AgentOption) *Team {
	return &Team{
		name:        name,
		description: description,
		model:       model,
		provider:    provider,
		members:     members,
		cfg:         buildConfig(model, opts),
	}
}

func (t *Team) Name() string        { return t.name }
func (t *Team) Description() string { return t.description }

// Execute runs the leader loop until it produces a final text response,
// which becomes the team's answer.
func (t *Team) Execute(ctx context.Context, task AgentTask) (AgentResult, error) {
	return t.execute(ctx, task, nil)
}

// ExecuteStream runs like Execute but emits StreamEvent values into ch.
// The channel is closed when streaming completes.
func (t *Team) ExecuteStream(ctx context.Context, task AgentTask, ch chan<- StreamEvent) (AgentResult, error) {
	return t.execute(ctx, task, ch)
}

func (t *Team) execute(ctx context.Context, task AgentTask, ch chan<- StreamEvent) (AgentResult, error) {
	var closeOnce sync.Once
	closeCh := func() {
		if ch != nil {
			closeOnce.Do(func() { close(ch) })
		}
	}
	defer closeCh()

	if t.cfg.tracer != nil {
		var span Span
		ctx, span = t.cfg.tracer.Start(ctx, "team.execute",
			StringAttr("team.name", t.name),
			IntAttr("team.members", len(t.members)))
		defer span.End()
	}

	leaderRunID := NewID()
	startedAt := time.Now()

	t.cfg.trace.Emit(ctx, TraceEvent{
		RunID: leaderRunID, EventType: TraceWorkflowStart,
		Payload: map[string]any{"team": t.name, "task": truncateStr(task.Input, 200)},
	})
	t.cfg.trace.Emit(ctx, TraceEvent{
		RunID: leaderRunID, EventType: TraceAgentStart,
		Payload: map[string]any{"agent": t.name, "role": "leader"},
	})

	pool := t.toolPool()
	delegate := &delegateTool{team: t, pool: pool, leaderRunID: leaderRunID, task: task}

	leaderReg := pool.Clone()
	leaderReg.Register(UserInputTool{})
	leaderReg.Register(delegate)
	dispatcher := NewDispatcher(leaderReg, DispatchLogger(t.cfg.logger))

	var runLog *RunLogger
	var logPath string
	if t.cfg.logDir != "" {
		rl, err := NewRunLogger(t.cfg.logDir, startedAt)
		if err != nil {
			t.cfg.logger.Warn("run log disabled", "error", err)
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

	history := t.loadHistory(ctx, task)
	system := t.buildLeaderPrompt(leaderReg, history)
	messages := []ChatMessage{SystemMessage(system), UserMessage(task.Input)}

	lc := loopConfig{
		name:         "team:" + t.name,
		runID:        leaderRunID,
		provider:     t.provider,
		tools:        leaderReg.Definitions(),
		dispatcher:   dispatcher,
		maxSteps:     t.cfg.maxSteps,
		tokenLimit:   t.cfg.tokenLimit,
		maxTokens:    t.cfg.maxTokens,
		summarize:    t.cfg.summarize,
		compactor:    NewCompactor(t.provider, t.cfg.counter, CompactorLogger(t.cfg.logger)),
		counter:      t.cfg.counter,
		inputHandler: t.cfg.inputHandler,
		runLog:       runLog,
		tracer:       t.cfg.tracer,
		logger:       t.cfg.logger,
	}

	result, _, err := runLoop(ctx, lc, messages, 0, ch)
	result.LogPath = logPath

	var suspended *ErrSuspended
	if errors.As(err, &suspended) {
		inner := suspended.resume
		suspended.resume = func(ctx context.Context, values map[string]string) (AgentResult, error) {
			res, rerr := inner(ctx, values)
			res.LogPath = logPath
			t.finishRun(ctx, task, res, rerr, startedAt, runLog)
			return res, rerr
		}
		return result, suspended
	}

	t.finishRun(ctx, task, result, err, startedAt, runLog)
	return result, err
}

// toolPool builds the registry members draw from by ToolNames.
func (t *Team) toolPool() *Registry {
	var pool *Registry
	if t.cfg.registry != nil {
		pool = t.cfg.registry.Clone()
	} else {
		pool = NewRegistry(RegistryLogger(t.cfg.logger))
	}
	for _, tool := range t.cfg.tools {
		pool.Register(tool)
	}
	return pool
}

func (t *Team) loadHistory(ctx context.Context, task AgentTask) string {
	if t.cfg.sessions == nil || task.SessionID == "" {
		return ""
	}
	if _, err := t.cfg.sessions.GetOrCreate(ctx, task.SessionID, task.OwnerID, t.name); err != nil {
		t.cfg.logger.Warn("session unavailable", "session", task.SessionID, "error", err)
		return ""
	}
	if t.cfg.historyRuns <= 0 {
		return ""
	}
	h, err := t.cfg.sessions.HistoryContext(ctx, task.SessionID, t.cfg.historyRuns)
	if err != nil {
		t.cfg.logger.Warn("history context load failed", "session", task.SessionID, "error", err)
		return ""
	}
	return h
}

func (t *Team) buildLeaderPrompt(registry *Registry, history string) string {
	cfg := t.cfg.prompt
	if cfg.Name == "" {
		cfg.Name = t.name
	}
	if cfg.Description == "" {
		cfg.Description = t.description
	}
	if cfg.Role == "" {
		cfg.Role = "You are the leader of a team of agents. Break the task into sub-tasks, delegate them to the right members, and compose their answers into a final response."
	}

	var roster strings.Builder
	for _, m := range t.members {
		fmt.Fprintf(&roster, "- %s: %s\n", m.Name, m.Role)
	}
	cfg.CustomSections = append(cfg.CustomSections, PromptSection{
		Title: "team_members",
		Body:  strings.TrimRight(roster.String(), "\n"),
	})

	if history != "" {
		if cfg.AdditionalContext != "" {
			cfg.AdditionalContext += "\n\n"
		}
		cfg.AdditionalContext += history
	}
	wd, _ := os.Getwd()
	return BuildPrompt(cfg, registry.Instructions(), nil, PromptEnv{WorkDir: wd})
}

func (t *Team) finishRun(ctx context.Context, task AgentTask, result AgentResult, runErr error, startedAt time.Time, runLog *RunLogger) {
	defer runLog.Close()

	response := result.Output
	if runErr != nil && !errors.As(runErr, new(*ErrSuspended)) {
		response = runErr.Error()
	}
	t.cfg.trace.Emit(ctx, TraceEvent{
		RunID: result.RunID, EventType: TraceAgentEnd,
		Payload: map[string]any{"agent": t.name, "role": "leader", "state": string(result.State)},
	})
	t.cfg.trace.Emit(ctx, TraceEvent{
		RunID: result.RunID, EventType: TraceWorkflowEnd,
		Payload: map[string]any{"team": t.name, "success": result.Success, "steps": result.Steps},
	})

	if t.cfg.sessions == nil || task.SessionID == "" || result.State == StatePaused {
		return
	}
	rec := RunRecord{
		RunID:      result.RunID,
		RunnerType: RunnerLeader,
		RunnerName: t.name,
		Task:       task.Input,
		Response:   response,
		Success:    result.Success,
		Steps:      result.Steps,
		StartedAt:  startedAt.Unix(),
		EndedAt:    time.Now().Unix(),
		Metadata:   task.Metadata,
	}
	if err := t.cfg.sessions.AppendRun(ctx, task.SessionID, rec); err != nil {
		t.cfg.logger.Warn("append run failed", "session", task.SessionID, "run", result.RunID, "error", err)
	}
}

// runMember builds a fresh member agent, runs it to completion, and appends
// its run to the shared session under the leader's run id. Returns the
// member's response text and whether it succeeded.
func (t *Team) runMember(ctx context.Context, mc MemberConfig, taskStr, leaderRunID string, pool *Registry, task AgentTask) (string, bool) {
	t.cfg.trace.Emit(ctx, TraceEvent{
		RunID: leaderRunID, EventType: TraceDelegation,
		Payload: map[string]any{"from": t.name, "to": mc.Name, "task": truncateStr(taskStr, 200)},
	})

	memberReg := NewRegistry(RegistryLogger(t.cfg.logger))
	for _, name := range mc.ToolNames {
		rt, ok := pool.Lookup(name)
		if !ok {
			return fmt.Sprintf("unknown tool %q in member %q config", name, mc.Name), false
		}
		memberReg.RegisterTimeout(&boundTool{def: rt.def, inner: rt.tool}, rt.timeout)
	}

	maxSteps := t.cfg.maxSteps
	if mc.MaxSteps > 0 {
		maxSteps = mc.MaxSteps
	}
	member := NewLLMAgent(mc.Name, mc.Role, t.model, t.provider,
		WithRegistry(memberReg),
		WithPromptConfig(PromptConfig{Role: mc.Role, Instructions: mc.Instructions}),
		WithMaxSteps(maxSteps),
		WithTokenLimit(t.cfg.tokenLimit),
		WithSummarization(t.cfg.summarize),
		WithSpawnDepth(t.cfg.spawnDepth),
		WithTokenCounter(t.cfg.counter),
		WithTracer(t.cfg.tracer),
		WithLogger(t.cfg.logger),
	)

	started := time.Now()
	t.cfg.trace.Emit(ctx, TraceEvent{
		RunID: leaderRunID, EventType: TraceTaskStart,
		Payload: map[string]any{"member": mc.Name},
	})

	// Run the member through a handle so a panicking member surfaces as a
	// failed delegation instead of tearing down the leader's loop.
	handle := Spawn(ctx, member, AgentTask{Input: taskStr}, SpawnLogger(t.cfg.logger))
	res, err := handle.Await(ctx)

	response := res.Output
	success := err == nil && res.Success
	if err != nil {
		if errors.As(err, new(*ErrSuspended)) {
			response = "member requested user input, which is not supported inside delegation"
		} else {
			response = err.Error()
		}
	}

	runID := res.RunID
	if runID == "" {
		runID = NewID()
	}
	t.cfg.trace.Emit(ctx, TraceEvent{
		RunID: runID, ParentRunID: leaderRunID, EventType: TraceTaskEnd,
		Payload: map[string]any{"member": mc.Name, "success": success, "steps": res.Steps},
	})
	t.cfg.trace.Emit(ctx, TraceEvent{
		RunID: runID, ParentRunID: leaderRunID, EventType: TraceMessagePass,
		Payload: map[string]any{"from": mc.Name, "to": t.name, "content": truncateStr(response, 200)},
	})

	if t.cfg.sessions != nil && task.SessionID != "" {
		rec := RunRecord{
			RunID:       runID,
			ParentRunID: leaderRunID,
			RunnerType:  RunnerMember,
			RunnerName:  mc.Name,
			Task:        taskStr,
			Response:    response,
			Success:     success,
			Steps:       res.Steps,
			StartedAt:   started.Unix(),
			EndedAt:     time.Now().Unix(),
		}
		if aerr := t.cfg.sessions.AppendRun(ctx, task.SessionID, rec); aerr != nil {
			t.cfg.logger.Warn("append member run failed", "session", task.SessionID, "run", runID, "error", aerr)
		}
	}
	return response, success
}

// delegateTool exposes delegation to the leader's loop. It holds the
// leader run id so member runs link back to it.
type delegateTool struct {
	team        *Team
	pool        *Registry
	leaderRunID string
	task        AgentTask
}

func (d *delegateTool) Definitions() []ToolDefinition {
	var names []string
	for _, m := range d.team.members {
		names = append(names, m.Name)
	}
	defs := []ToolDefinition{{
		Name:        "delegate_task_to_member",
		Description: "Delegate a task to a named team member and wait for its answer. Members: " + strings.Join(names, ", "),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"member_name": {"type": "string", "description": "Name of the member to delegate to"},
				"task": {"type": "string", "description": "The task for the member"}
			},
			"required": ["member_name", "task"]
		}`),
	}}
	if d.team.cfg.fanOut {
		defs = append(defs, ToolDefinition{
			Name:        "delegate_task_to_all_members",
			Description: "Send the same task to every team member concurrently and collect all answers.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"task": {"type": "string", "description": "The task for all members"}
				},
				"required": ["task"]
			}`),
		})
	}
	return defs
}

func (d *delegateTool) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	switch name {
	case "delegate_task_to_member":
		var params struct {
			MemberName string `json:"member_name"`
			Task       string `json:"task"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return ToolResult{Success: false, Error: "invalid arguments: " + err.Error()}, nil
		}
		mc, ok := d.member(params.MemberName)
		if !ok {
			return ToolResult{Success: false, Error: fmt.Sprintf("unknown member %q", params.MemberName)}, nil
		}
		response, success := d.team.runMember(ctx, mc, params.Task, d.leaderRunID, d.pool, d.task)
		if !success {
			return ToolResult{Success: false, Error: response}, nil
		}
		return ToolResult{Success: true, Content: response}, nil

	case "delegate_task_to_all_members":
		var params struct {
			Task string `json:"task"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return ToolResult{Success: false, Error: "invalid arguments: " + err.Error()}, nil
		}
		return ToolResult{Success: true, Content: d.fanOut(ctx, params.Task)}, nil
	}
	return ToolResult{Success: false, Error: "unknown tool " + name}, nil
}

func (d *delegateTool) member(name string) (MemberConfig, bool) {
	for _, m := range d.team.members {
		if m.Name == name {
			return m, true
		}
	}
	return MemberConfig{}, false
}

// fanOut runs the task across every member with bounded parallelism and
// concatenates the responses labelled by member name, in roster order. A
// failed member contributes its error string; the leader decides what to do.
func (d *delegateTool) fanOut(ctx context.Context, taskStr string) string {
	results := make([]string, len(d.team.members))
	sem := make(chan struct{}, maxParallelDelegates)
	var wg sync.WaitGroup
	for i, mc := range d.team.members {
		wg.Add(1)
		go func(i int, mc MemberConfig) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			response, success := d.team.runMember(ctx, mc, taskStr, d.leaderRunID, d.pool, d.task)
			if !success {
				response = "error: " + response
			}
			results[i] = response
		}(i, mc)
	}
	wg.Wait()

	var b strings.Builder
	for i, mc := range d.team.members {
		fmt.Fprintf(&b, "## %s\n%s\n\n", mc.Name, results[i])
	}
	return strings.TrimRight(b.String(), "\n")
}

var (
	_ Agent          = (*Team)(nil)
	_ StreamingAgent = (*Team)(nil)
)
