package kestrel

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func spawnToolForTest(provider Provider, parent *Registry, maxDepth int) *SpawnTool {
	cfg := buildConfig("test-model", []AgentOption{
		WithSpawnDepth(maxDepth),
		WithTokenCounter(estCounter()),
	})
	return NewSpawnTool(provider, parent, cfg)
}

func TestSpawnToolRunsChild(t *testing.T) {
	provider := &mockProvider{
		responses: []ChatResponse{
			// Child uses its inherited echo tool, then answers.
			{ToolCalls: []ToolCall{{ID: "c1", Name: "echo", Args: json.RawMessage(`{"message":"sub"}`)}}},
			{Content: "child finished"},
		},
	}
	parent := NewRegistry()
	parent.Register(echoTool())
	st := spawnToolForTest(provider, parent, 3)

	res, err := st.Execute(context.Background(), "spawn_agent",
		json.RawMessage(`{"task":"do the sub task","tools":["echo"]}`))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("Success = false: %q", res.Error)
	}
	if res.Content != "child finished" {
		t.Errorf("Content = %q", res.Content)
	}
	if provider.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2", provider.callCount())
	}
}

func TestSpawnToolDepthCap(t *testing.T) {
	provider := &mockProvider{}
	st := spawnToolForTest(provider, NewRegistry(), 3)

	// At depth 3 the next spawn would be depth 4.
	ctx := withSpawnDepth(context.Background(), 3)
	res, err := st.Execute(ctx, "spawn_agent", json.RawMessage(`{"task":"too deep"}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Fatal("Success = true past the depth cap")
	}
	if !strings.Contains(res.Error, "spawn depth exceeded") {
		t.Errorf("Error = %q", res.Error)
	}
	if provider.callCount() != 0 {
		t.Errorf("provider called %d times, want 0", provider.callCount())
	}
}

func TestSpawnToolUnknownTool(t *testing.T) {
	st := spawnToolForTest(&mockProvider{}, NewRegistry(), 3)

	res, err := st.Execute(context.Background(), "spawn_agent",
		json.RawMessage(`{"task":"go","tools":["missing"]}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Fatal("Success = true for unknown tool subset")
	}
	if !strings.Contains(res.Error, "unknown tool missing") {
		t.Errorf("Error = %q", res.Error)
	}
}

func TestSpawnToolChildToolSubset(t *testing.T) {
	provider := &mockProvider{
		responses: []ChatResponse{{Content: "done without tools"}},
	}
	parent := NewRegistry()
	parent.Register(echoTool())
	parent.Register(multiTool{})
	st := spawnToolForTest(provider, parent, 3)

	if _, err := st.Execute(context.Background(), "spawn_agent",
		json.RawMessage(`{"task":"go","tools":["read"]}`)); err != nil {
		t.Fatal(err)
	}

	// The child's request exposes only the granted tool (plus built-ins).
	call := provider.lastCall()
	var sawRead, sawEcho bool
	for _, td := range call.Tools {
		switch td.Name {
		case "read":
			sawRead = true
		case "echo":
			sawEcho = true
		}
	}
	if !sawRead {
		t.Error("granted tool missing from child request")
	}
	if sawEcho {
		t.Error("ungranted parent tool leaked to child")
	}
}

func TestSpawnDepthFromContext(t *testing.T) {
	ctx := context.Background()
	if d := SpawnDepth(ctx); d != 0 {
		t.Errorf("root depth = %d, want 0", d)
	}
	ctx = withSpawnDepth(ctx, 2)
	if d := SpawnDepth(ctx); d != 2 {
		t.Errorf("depth = %d, want 2", d)
	}
}
