package kestrel

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// defaultToolTimeout bounds a single tool execution unless the registration
// overrides it.
const defaultToolTimeout = 60 * time.Second

// Dispatcher provides the uniform invoke(name, args) surface over the
// registry. Tool failures are never fatal: every outcome is a ToolResult
// the loop appends as a tool message.
type Dispatcher struct {
	reg     *Registry
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema // compiled per tool name, lazily
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// DispatchTimeout overrides the default 60s per-tool timeout.
func DispatchTimeout(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) { dp.timeout = d }
}

// DispatchLogger sets the structured logger for dispatch events.
func DispatchLogger(l *slog.Logger) DispatcherOption {
	return func(dp *Dispatcher) { dp.logger = l }
}

// NewDispatcher creates a dispatcher over reg.
func NewDispatcher(reg *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		reg:     reg,
		timeout: defaultToolTimeout,
		schemas: make(map[string]*jsonschema.Schema),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = nopLogger
	}
	return d
}

// Invoke executes one tool call. Unknown names, invalid arguments, panics,
// timeouts, and tool errors all come back as failed ToolResults.
func (d *Dispatcher) Invoke(ctx context.Context, tc ToolCall) ToolResult {
	rt, ok := d.reg.Lookup(tc.Name)
	if !ok {
		return ToolResult{Success: false, Error: "unknown tool " + tc.Name}
	}

	if tc.RawArgs != "" {
		return ToolResult{Success: false, Error: "invalid_tool_arguments: " + truncateStr(tc.RawArgs, 200)}
	}
	if err := d.validate(rt.def, tc.Args); err != nil {
		return ToolResult{Success: false, Error: "invalid arguments: " + err.Error()}
	}

	timeout := d.timeout
	if rt.timeout > 0 {
		timeout = rt.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result ToolResult
		err    error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("tool %q panic: %v", tc.Name, p)}
			}
		}()
		res, err := rt.tool.Execute(callCtx, tc.Name, tc.Args)
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return ToolResult{Success: false, Error: o.err.Error()}
		}
		if o.result.Error != "" && !o.result.Success {
			return o.result
		}
		o.result.Success = o.result.Error == ""
		return o.result
	case <-callCtx.Done():
		elapsed := time.Since(start)
		if ctx.Err() != nil {
			return ToolResult{Success: false, Error: "cancelled: " + ctx.Err().Error()}
		}
		d.logger.Warn("tool timed out", "tool", tc.Name, "timeout", timeout)
		return ToolResult{Success: false, Error: fmt.Sprintf("timeout after %dms", elapsed.Milliseconds())}
	}
}

// validate checks args against the tool's parameter schema. Best-effort:
// a schema that fails to compile disables validation for that tool, and
// extra fields pass through (tool schemas do not forbid them).
func (d *Dispatcher) validate(def ToolDefinition, args []byte) error {
	if len(def.Parameters) == 0 {
		return nil
	}
	sch, err := d.schemaFor(def)
	if err != nil || sch == nil {
		return nil
	}
	if len(args) == 0 {
		args = []byte(`{}`)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return fmt.Errorf("arguments are not valid JSON: %v", err)
	}
	return sch.Validate(inst)
}

func (d *Dispatcher) schemaFor(def ToolDefinition) (*jsonschema.Schema, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sch, ok := d.schemas[def.Name]; ok {
		return sch, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(def.Parameters))
	if err != nil {
		d.schemas[def.Name] = nil
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(def.Name+".json", doc); err != nil {
		d.schemas[def.Name] = nil
		return nil, err
	}
	sch, err := c.Compile(def.Name + ".json")
	if err != nil {
		d.logger.Warn("tool schema does not compile, skipping validation", "tool", def.Name, "error", err)
		d.schemas[def.Name] = nil
		return nil, err
	}
	d.schemas[def.Name] = sch
	return sch, nil
}
