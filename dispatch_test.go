package kestrel

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestInvokeSuccess(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool())
	d := NewDispatcher(r)

	res := d.Invoke(context.Background(), ToolCall{
		ID: "1", Name: "echo", Args: json.RawMessage(`{"message":"hi"}`),
	})
	if !res.Success {
		t.Fatalf("Success = false, error = %q", res.Error)
	}
	if res.Content != "echo: hi" {
		t.Errorf("Content = %q", res.Content)
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	d := NewDispatcher(NewRegistry())

	res := d.Invoke(context.Background(), ToolCall{Name: "ghost"})
	if res.Success {
		t.Fatal("Success = true for unknown tool")
	}
	if res.Error != "unknown tool ghost" {
		t.Errorf("Error = %q", res.Error)
	}
}

func TestInvokeRawArgs(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool())
	d := NewDispatcher(r)

	res := d.Invoke(context.Background(), ToolCall{
		Name: "echo", RawArgs: `{"message":"unterminated`,
	})
	if res.Success {
		t.Fatal("Success = true for unparseable arguments")
	}
	if !strings.HasPrefix(res.Error, "invalid_tool_arguments: ") {
		t.Errorf("Error = %q", res.Error)
	}
	if !strings.Contains(res.Error, "unterminated") {
		t.Errorf("Error does not carry the raw text: %q", res.Error)
	}
}

func TestInvokeSchemaValidation(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool())
	d := NewDispatcher(r)

	// Missing required "message".
	res := d.Invoke(context.Background(), ToolCall{
		Name: "echo", Args: json.RawMessage(`{}`),
	})
	if res.Success {
		t.Fatal("Success = true for schema violation")
	}
	if !strings.HasPrefix(res.Error, "invalid arguments: ") {
		t.Errorf("Error = %q", res.Error)
	}

	// Wrong type.
	res = d.Invoke(context.Background(), ToolCall{
		Name: "echo", Args: json.RawMessage(`{"message":42}`),
	})
	if res.Success {
		t.Fatal("Success = true for wrong argument type")
	}
}

func TestInvokeExtraFieldsPass(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool())
	d := NewDispatcher(r)

	res := d.Invoke(context.Background(), ToolCall{
		Name: "echo", Args: json.RawMessage(`{"message":"hi","extra":true}`),
	})
	if !res.Success {
		t.Errorf("extra fields rejected: %q", res.Error)
	}
}

func TestInvokeBadSchemaSkipsValidation(t *testing.T) {
	r := NewRegistry()
	r.Register(&FuncTool{
		Def: ToolDefinition{
			Name:       "loose",
			Parameters: json.RawMessage(`{"type": 42}`), // does not compile
		},
		Fn: func(_ context.Context, _ json.RawMessage) (ToolResult, error) {
			return ToolResult{Success: true, Content: "ran"}, nil
		},
	})
	d := NewDispatcher(r)

	res := d.Invoke(context.Background(), ToolCall{Name: "loose", Args: json.RawMessage(`{"anything":1}`)})
	if !res.Success {
		t.Errorf("uncompilable schema blocked execution: %q", res.Error)
	}
}

func TestInvokeToolError(t *testing.T) {
	r := NewRegistry()
	r.Register(errTool{})
	d := NewDispatcher(r)

	res := d.Invoke(context.Background(), ToolCall{Name: "fail", Args: json.RawMessage(`{}`)})
	if res.Success {
		t.Fatal("Success = true for failing tool")
	}
	if res.Error != "tool broken" {
		t.Errorf("Error = %q", res.Error)
	}
}

func TestInvokePanicRecovered(t *testing.T) {
	r := NewRegistry()
	r.Register(&FuncTool{
		Def: ToolDefinition{Name: "boom"},
		Fn: func(_ context.Context, _ json.RawMessage) (ToolResult, error) {
			panic("kaboom")
		},
	})
	d := NewDispatcher(r)

	res := d.Invoke(context.Background(), ToolCall{Name: "boom"})
	if res.Success {
		t.Fatal("Success = true after panic")
	}
	if !strings.Contains(res.Error, "panic") || !strings.Contains(res.Error, "kaboom") {
		t.Errorf("Error = %q", res.Error)
	}
}

func TestInvokeTimeout(t *testing.T) {
	r := NewRegistry()
	slow := &FuncTool{
		Def: ToolDefinition{Name: "slow"},
		Fn: func(ctx context.Context, _ json.RawMessage) (ToolResult, error) {
			<-ctx.Done()
			return ToolResult{}, ctx.Err()
		},
	}
	r.RegisterTimeout(slow, 30*time.Millisecond)
	d := NewDispatcher(r)

	start := time.Now()
	res := d.Invoke(context.Background(), ToolCall{Name: "slow"})
	if res.Success {
		t.Fatal("Success = true for timed-out tool")
	}
	if !strings.HasPrefix(res.Error, "timeout after ") {
		t.Errorf("Error = %q", res.Error)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("per-tool timeout did not override the 60s default")
	}
}

func TestInvokeParentCancellation(t *testing.T) {
	r := NewRegistry()
	r.Register(&FuncTool{
		Def: ToolDefinition{Name: "wait"},
		Fn: func(ctx context.Context, _ json.RawMessage) (ToolResult, error) {
			<-ctx.Done()
			return ToolResult{}, ctx.Err()
		},
	})
	d := NewDispatcher(r)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res := d.Invoke(ctx, ToolCall{Name: "wait"})
	if res.Success {
		t.Fatal("Success = true after cancellation")
	}
	if !strings.HasPrefix(res.Error, "cancelled: ") {
		t.Errorf("Error = %q", res.Error)
	}
}

func TestInvokeNormalizesSuccess(t *testing.T) {
	r := NewRegistry()
	r.Register(&FuncTool{
		Def: ToolDefinition{Name: "sloppy"},
		Fn: func(_ context.Context, _ json.RawMessage) (ToolResult, error) {
			// Tool forgot to set Success.
			return ToolResult{Content: "fine"}, nil
		},
	})
	d := NewDispatcher(r)

	res := d.Invoke(context.Background(), ToolCall{Name: "sloppy"})
	if !res.Success {
		t.Error("Success not normalized to true for error-free result")
	}
}

func TestInvokeEmptyArgsValidated(t *testing.T) {
	// nil args against a schema with required fields must fail as {}.
	r := NewRegistry()
	r.Register(echoTool())
	d := NewDispatcher(r)

	res := d.Invoke(context.Background(), ToolCall{Name: "echo"})
	if res.Success {
		t.Fatal("nil args passed a required-field schema")
	}
}
