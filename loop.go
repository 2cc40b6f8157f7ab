package kestrel

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// RunState is the agent loop state machine position.
type RunState string

const (
	StateIdle         RunState = "IDLE"
	StateThinking     RunState = "THINKING"
	StateTools        RunState = "TOOLS"
	StatePaused       RunState = "PAUSED_FOR_INPUT"
	StateDoneOK       RunState = "DONE_OK"
	StateDoneMaxSteps RunState = "DONE_MAX_STEPS"
	StateDoneError    RunState = "DONE_ERROR"
)

// maxToolResultMessageLen is the maximum rune length for a tool result kept
// in the conversation history. Longer results are truncated with a marker so
// the LLM knows content was trimmed. Stream events and run logs retain the
// full content.
const maxToolResultMessageLen = 100_000

// loopConfig holds everything the shared runLoop needs to run.
type loopConfig struct {
	name         string
	runID        string
	provider     Provider
	tools        []ToolDefinition
	dispatcher   *Dispatcher
	maxSteps     int
	tokenLimit   int
	maxTokens    int // request max_tokens ceiling, 0 = provider default
	summarize    bool
	compactor    *Compactor // nil when summarize is false
	counter      *TokenCounter
	inputHandler InputHandler // non-nil = pauses resolve inline
	runLog       *RunLogger   // nil = no per-run file
	tracer       Tracer       // nil = no tracing
	logger       *slog.Logger // never nil
}

// runLoop drives the bounded step machine: compact, model call, tool
// dispatch, repeat. When ch is non-nil it emits StreamEvent values; the
// channel is NOT closed here, callers own its lifecycle. startStep carries
// steps already consumed before a resume so suspension costs nothing.
func runLoop(ctx context.Context, cfg loopConfig, messages []ChatMessage, startStep int, ch chan<- StreamEvent) (AgentResult, []ChatMessage, error) {
	var totalUsage Usage
	var lastContent, lastThinking string

	emit := func(ev StreamEvent) {
		if ch == nil {
			return
		}
		select {
		case ch <- ev:
		case <-ctx.Done():
		}
	}

	fail := func(step int, reason string, err error) (AgentResult, []ChatMessage, error) {
		cfg.runLog.Log("completion", map[string]any{
			"state": string(StateDoneError), "reason": reason, "steps": step, "error": err.Error(),
		})
		return AgentResult{
			RunID: cfg.runID, State: StateDoneError, Reason: reason,
			Steps: step, Usage: totalUsage, Output: lastContent, Thinking: lastThinking,
		}, messages, err
	}

	step := startStep
	for {
		if step >= cfg.maxSteps {
			cfg.logger.Warn("max steps reached", "run", cfg.runID, "steps", step)
			cfg.runLog.Log("completion", map[string]any{
				"state": string(StateDoneMaxSteps), "reason": ReasonMaxSteps, "steps": step,
			})
			return AgentResult{
				RunID: cfg.runID, State: StateDoneMaxSteps, Reason: ReasonMaxSteps, Success: true,
				Output: lastContent, Thinking: lastThinking, Steps: step, Usage: totalUsage,
			}, messages, nil
		}
		if err := ctx.Err(); err != nil {
			return fail(step, ReasonCancelled, err)
		}

		// IDLE: account tokens, compact when over budget.
		count := cfg.counter.Count(messages)
		if cfg.summarize && count > cfg.tokenLimit && cfg.compactor != nil {
			compacted, err := cfg.compactor.MaybeCompact(ctx, messages, cfg.tokenLimit)
			if err != nil {
				return fail(step, ReasonContextOverflow, err)
			}
			messages = compacted
			count = cfg.counter.Count(messages)
		}
		step++
		emit(StreamEvent{Type: EventStep, Step: step, TokenCount: count, TokenLimit: cfg.tokenLimit})
		cfg.runLog.Log("step", map[string]any{
			"step": step, "token_count": count, "token_limit": cfg.tokenLimit,
		})

		// THINKING: one model turn.
		stepCtx := ctx
		var span Span
		if cfg.tracer != nil {
			stepCtx, span = cfg.tracer.Start(ctx, "agent.loop.step",
				IntAttr("step", step),
				BoolAttr("has_tools", len(cfg.tools) > 0))
		}
		endSpan := func() {
			if span != nil {
				span.End()
			}
		}

		req := ChatRequest{Messages: messages, Tools: cfg.tools, MaxTokens: cfg.maxTokens}
		cfg.runLog.Log("request", map[string]any{
			"step": step, "provider": cfg.provider.Name(),
			"message_count": len(req.Messages), "tool_count": len(req.Tools),
		})

		resp, err := callProvider(stepCtx, cfg.provider, req, ch)
		if err != nil {
			endSpan()
			reason := "provider_error"
			if stepCtx.Err() != nil {
				reason = ReasonCancelled
			}
			return fail(step, reason, err)
		}
		totalUsage.InputTokens += resp.Usage.InputTokens
		totalUsage.OutputTokens += resp.Usage.OutputTokens
		if resp.Thinking != "" {
			lastThinking = resp.Thinking
		}
		cfg.runLog.Log("response", map[string]any{
			"step": step, "content": truncateStr(resp.Content, 2000),
			"tool_calls": toolCallNames(resp.ToolCalls),
			"usage":      resp.Usage,
		})

		// No tool calls: terminal response.
		if len(resp.ToolCalls) == 0 {
			messages = append(messages, ChatMessage{Role: "assistant", Content: resp.Content, Thinking: resp.Thinking})
			endSpan()
			cfg.runLog.Log("completion", map[string]any{
				"state": string(StateDoneOK), "steps": step, "output": truncateStr(resp.Content, 2000),
			})
			return AgentResult{
				RunID: cfg.runID, State: StateDoneOK, Success: true,
				Output: resp.Content, Thinking: lastThinking, Steps: step, Usage: totalUsage,
			}, messages, nil
		}

		if resp.Content != "" {
			lastContent = resp.Content
		}
		messages = append(messages, ChatMessage{
			Role: "assistant", Content: resp.Content, Thinking: resp.Thinking, ToolCalls: resp.ToolCalls,
		})
		if span != nil {
			span.SetAttr(IntAttr("tool_count", len(resp.ToolCalls)))
		}

		// TOOLS: invoke in order. A flagged get_user_input result pauses the
		// run after the remaining calls of this turn have been dispatched.
		var pause *InputRequest
		for _, tc := range resp.ToolCalls {
			emit(StreamEvent{Type: EventToolCall, ID: tc.ID, Name: tc.Name, Args: tc.Args})

			start := time.Now()
			result := cfg.dispatcher.Invoke(stepCtx, tc)
			elapsed := time.Since(start)

			if payload, ok := parseInputPayload(result.Content); ok && pause == nil {
				pause = &InputRequest{ToolCallID: tc.ID, Fields: payload.Fields, Context: payload.Context}
				emit(StreamEvent{Type: EventInputRequired, ID: tc.ID, Input: pause})
				continue
			}

			content := result.Content
			if !result.Success {
				content = "error: " + result.Error
			}
			// Sub-millisecond tools still report a positive duration.
			durationMs := elapsed.Milliseconds()
			if durationMs < 1 {
				durationMs = 1
			}
			cfg.runLog.Log("tool_execution", map[string]any{
				"step": step, "id": tc.ID, "name": tc.Name,
				"success": result.Success, "duration_ms": durationMs,
			})
			emit(StreamEvent{Type: EventToolResult, ID: tc.ID, Name: tc.Name, Content: content, Duration: elapsed})

			if n := len([]rune(content)); n > maxToolResultMessageLen {
				content = truncateStr(content, maxToolResultMessageLen) + "\n\n[output truncated]"
			}
			messages = append(messages, ToolResultMessage(tc.ID, content))
		}
		endSpan()

		if pause != nil {
			if cfg.inputHandler != nil {
				resp, err := cfg.inputHandler.RequestInput(ctx, *pause)
				if err != nil {
					return fail(step, ReasonCancelled, err)
				}
				messages = appendResumeMessages(messages, pause.ToolCallID, resp.Values)
				continue
			}
			return suspendLoop(cfg, messages, step, *pause, totalUsage)
		}
	}
}

// callProvider runs one model turn, streaming deltas into ch when set.
// The forwarding channel is internal; ch is never closed here.
func callProvider(ctx context.Context, p Provider, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	if ch == nil {
		return p.Chat(ctx, req)
	}
	mid := make(chan StreamEvent, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range mid {
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
		}
	}()
	resp, err := p.ChatStream(ctx, req, mid)
	<-done
	return resp, err
}

// appendResumeMessages answers the pausing tool call with a synthetic tool
// message and delivers the human's values as a new user message.
func appendResumeMessages(messages []ChatMessage, toolCallID string, values map[string]string) []ChatMessage {
	encoded, _ := json.Marshal(values)
	messages = append(messages, ToolResultMessage(toolCallID, string(encoded)))
	return append(messages, UserMessage(FormatUserInput(values)))
}

// suspendLoop snapshots the conversation and returns an ErrSuspended whose
// resume closure re-enters runLoop with the steps already consumed, so the
// pause itself costs no steps.
func suspendLoop(cfg loopConfig, messages []ChatMessage, step int, req InputRequest, usage Usage) (AgentResult, []ChatMessage, error) {
	snapshot := make([]ChatMessage, len(messages))
	for i, m := range messages {
		snapshot[i] = m
		if len(m.ToolCalls) > 0 {
			snapshot[i].ToolCalls = make([]ToolCall, len(m.ToolCalls))
			copy(snapshot[i].ToolCalls, m.ToolCalls)
		}
		if len(m.Metadata) > 0 {
			snapshot[i].Metadata = make(json.RawMessage, len(m.Metadata))
			copy(snapshot[i].Metadata, m.Metadata)
		}
	}

	cfg.runLog.Log("step", map[string]any{
		"step": step, "state": string(StatePaused), "tool_call_id": req.ToolCallID,
	})

	result := AgentResult{
		RunID: cfg.runID, State: StatePaused, Steps: step, Usage: usage,
		InputRequest: &req,
	}
	return result, messages, &ErrSuspended{
		RunID:   cfg.runID,
		Request: req,
		resume: func(ctx context.Context, values map[string]string) (AgentResult, error) {
			resumed := appendResumeMessages(snapshot, req.ToolCallID, values)
			res, _, err := runLoop(ctx, cfg, resumed, step, nil)
			res.Usage.InputTokens += usage.InputTokens
			res.Usage.OutputTokens += usage.OutputTokens
			return res, err
		},
	}
}

func toolCallNames(tcs []ToolCall) []string {
	names := make([]string, len(tcs))
	for i, tc := range tcs {
		names[i] = tc.Name
	}
	return names
}

// truncateStr truncates a string to n runes.
func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
