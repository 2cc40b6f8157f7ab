package kestrel

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// AgentState is the lifecycle state of a background agent run.
type AgentState int32

const (
	// StatePending: spawned, Execute not yet started.
	StatePending AgentState = iota
	// StateRunning: Execute in progress.
	StateRunning
	// StateCompleted: Execute returned without error.
	StateCompleted
	// StateFailed: Execute returned an error or panicked.
	StateFailed
	// StateCancelled: the run was cancelled via Cancel or the parent context.
	StateCancelled
)

var stateNames = map[AgentState]string{
	StatePending:   "pending",
	StateRunning:   "running",
	StateCompleted: "completed",
	StateFailed:    "failed",
	StateCancelled: "cancelled",
}

// String returns the state name.
func (s AgentState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// IsTerminal reports whether the run has finished, in any of the three
// final states.
func (s AgentState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// SpawnOption configures a Spawn call.
type SpawnOption func(*spawnConfig)

type spawnConfig struct {
	logger *slog.Logger
}

// SpawnLogger enables lifecycle logging for the spawned run: start,
// completion, failure, cancellation, and panic recovery.
func SpawnLogger(l *slog.Logger) SpawnOption {
	return func(c *spawnConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// AgentHandle tracks one background agent execution. All methods are safe
// for concurrent use.
type AgentHandle struct {
	id     string
	agent  Agent
	state  atomic.Int32
	result AgentResult
	err    error
	done   chan struct{}
	cancel context.CancelFunc
	logger *slog.Logger
}

// Spawn starts agent.Execute(ctx, task) on its own goroutine and returns a
// handle immediately. The run inherits ctx: cancelling the parent cancels
// the run. A panic inside Execute is recovered and reported as a failed
// run, so a broken agent cannot take its spawner down with it.
func Spawn(ctx context.Context, agent Agent, task AgentTask, opts ...SpawnOption) *AgentHandle {
	cfg := spawnConfig{logger: nopLogger}
	for _, opt := range opts {
		opt(&cfg)
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &AgentHandle{
		id:     NewID(),
		agent:  agent,
		done:   make(chan struct{}),
		cancel: cancel,
		logger: cfg.logger,
	}
	h.state.Store(int32(StatePending))
	h.logger.Info("agent spawned", "agent", agent.Name(), "handle_id", h.id)

	go h.run(runCtx, task)
	return h
}

func (h *AgentHandle) run(ctx context.Context, task AgentTask) {
	defer h.cancel()
	defer func() {
		if p := recover(); p != nil {
			h.logger.Error("spawned agent panic",
				"agent", h.agent.Name(), "handle_id", h.id, "panic", fmt.Sprintf("%v", p))
			h.finish(StateFailed, AgentResult{}, fmt.Errorf("agent panic: %v", p))
		}
	}()

	h.state.Store(int32(StateRunning))
	start := time.Now()
	result, err := h.agent.Execute(ctx, task)
	elapsed := time.Since(start)

	switch {
	case ctx.Err() != nil && err != nil:
		h.logger.Info("spawned agent cancelled",
			"agent", h.agent.Name(), "handle_id", h.id, "duration", elapsed)
		h.finish(StateCancelled, result, err)
	case err != nil:
		h.logger.Error("spawned agent failed",
			"agent", h.agent.Name(), "handle_id", h.id, "error", err, "duration", elapsed)
		h.finish(StateFailed, result, err)
	default:
		h.logger.Info("spawned agent completed",
			"agent", h.agent.Name(), "handle_id", h.id, "duration", elapsed,
			"tokens.input", result.Usage.InputTokens,
			"tokens.output", result.Usage.OutputTokens)
		h.finish(StateCompleted, result, nil)
	}
}

// finish records the outcome and releases waiters. result and err must be
// written before close(done): the close is the happens-before barrier that
// makes them visible to State, Await, and Result.
func (h *AgentHandle) finish(state AgentState, result AgentResult, err error) {
	h.result = result
	h.err = err
	h.state.Store(int32(state))
	close(h.done)
}

// ID returns the unique execution identifier (UUIDv7, time-sortable).
func (h *AgentHandle) ID() string { return h.id }

// Agent returns the agent being executed.
func (h *AgentHandle) Agent() Agent { return h.agent }

// State returns the current execution state. When the state is terminal it
// waits for done to close first, so Result is valid whenever
// State().IsTerminal() holds.
func (h *AgentHandle) State() AgentState {
	s := AgentState(h.state.Load())
	if s.IsTerminal() {
		<-h.done
	}
	return s
}

// Done returns a channel closed once the run reaches a terminal state.
// Select over several handles to multiplex runs.
func (h *AgentHandle) Done() <-chan struct{} { return h.done }

// Await blocks until the run finishes or ctx is cancelled. On completion it
// returns the run's result and error; on ctx cancellation it returns a zero
// result and ctx.Err().
func (h *AgentHandle) Await(ctx context.Context) (AgentResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return AgentResult{}, ctx.Err()
	}
}

// Result returns the outcome once Done is closed. Before then it returns a
// zero result and nil error.
func (h *AgentHandle) Result() (AgentResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	default:
		return AgentResult{}, nil
	}
}

// Cancel requests cancellation without blocking. The run sees a cancelled
// context and transitions to StateCancelled when Execute returns.
func (h *AgentHandle) Cancel() { h.cancel() }
