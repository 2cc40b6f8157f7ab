package kestrel

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"
)

// TraceEventType classifies the higher-level events of multi-agent runs.
type TraceEventType string

const (
	TraceWorkflowStart TraceEventType = "workflow_start"
	TraceAgentStart    TraceEventType = "agent_start"
	TraceDelegation    TraceEventType = "delegation"
	TraceTaskStart     TraceEventType = "task_start"
	TraceMessagePass   TraceEventType = "message_pass"
	TraceTaskEnd       TraceEventType = "task_end"
	TraceAgentEnd      TraceEventType = "agent_end"
	TraceWorkflowEnd   TraceEventType = "workflow_end"
)

// TraceEvent is one record of the multi-agent trace stream. The
// trace_id/run_id/parent_run_id triple is enough to reconstruct the
// fork/join topology of a team or graph run.
type TraceEvent struct {
	TraceID     string         `json:"trace_id"`
	RunID       string         `json:"run_id"`
	ParentRunID string         `json:"parent_run_id,omitempty"`
	EventType   TraceEventType `json:"event_type"`
	TS          int64          `json:"ts"` // unix millis
	Payload     map[string]any `json:"payload,omitempty"`
}

// TraceSink receives emitted trace events.
type TraceSink func(TraceEvent)

// TraceLogger records the higher-level event stream for multi-agent runs.
// Events go to an optional JSONL file and any subscribed sinks. A nil
// TraceLogger is a valid no-op.
type TraceLogger struct {
	mu      sync.Mutex
	traceID string
	f       *os.File
	enc     *json.Encoder
	sinks   []TraceSink
	events  []TraceEvent
}

// NewTraceLogger creates a trace logger with a fresh trace id.
func NewTraceLogger() *TraceLogger {
	return &TraceLogger{traceID: NewID()}
}

// NewTraceLoggerFile creates a trace logger that also appends JSONL to path.
func NewTraceLoggerFile(path string) (*TraceLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &TraceLogger{traceID: NewID(), f: f, enc: json.NewEncoder(f)}, nil
}

// Subscribe adds a sink that receives every subsequent event.
func (t *TraceLogger) Subscribe(sink TraceSink) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.sinks = append(t.sinks, sink)
	t.mu.Unlock()
}

// TraceID returns the trace id shared by all events of this logger.
func (t *TraceLogger) TraceID() string {
	if t == nil {
		return ""
	}
	return t.traceID
}

// Emit records one event, stamping the trace id and timestamp.
// Safe on a nil receiver.
func (t *TraceLogger) Emit(ctx context.Context, ev TraceEvent) {
	if t == nil {
		return
	}
	ev.TraceID = t.traceID
	ev.TS = time.Now().UnixMilli()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, ev)
	if t.enc != nil {
		_ = t.enc.Encode(ev)
	}
	for _, sink := range t.sinks {
		sink(ev)
	}
}

// Events returns a copy of all recorded events, in emission order.
func (t *TraceLogger) Events() []TraceEvent {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TraceEvent(nil), t.events...)
}

// Close closes the JSONL file, if any.
func (t *TraceLogger) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return nil
	}
	err := t.f.Close()
	t.f = nil
	t.enc = nil
	return err
}
