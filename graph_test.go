package kestrel

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func setNode(field string, value any) NodeFunc {
	return func(_ context.Context, _ GraphState) (GraphState, error) {
		return GraphState{field: value}, nil
	}
}

func TestGraphLinearRun(t *testing.T) {
	sg, err := NewGraph("linear").
		AddNode("first", setNode("a", 1), "a").
		AddNode("second", func(_ context.Context, s GraphState) (GraphState, error) {
			return GraphState{"b": s["a"].(int) + 1}, nil
		}, "b").
		AddEdge(START, "first").
		AddEdge("first", "second").
		AddEdge("second", END).
		Compile()
	if err != nil {
		t.Fatal(err)
	}

	final, err := sg.Run(context.Background(), GraphState{})
	if err != nil {
		t.Fatal(err)
	}
	if final["a"] != 1 || final["b"] != 2 {
		t.Errorf("final = %v, want a=1 b=2", final)
	}
}

func TestGraphConditionalRouting(t *testing.T) {
	route := func(s GraphState) []string {
		if s["score"].(int) > 5 {
			return []string{"high"}
		}
		return []string{"low"}
	}
	build := func() (*StateGraph, error) {
		return NewGraph("router").
			AddNode("score", setNode("score", 7), "score").
			AddNode("high", setNode("path", "high"), "path").
			AddNode("low", setNode("path", "low"), "path").
			AddEdge(START, "score").
			AddConditionalEdge("score", route, "high", "low").
			AddEdge("high", END).
			AddEdge("low", END).
			Compile()
	}

	sg, err := build()
	if err != nil {
		t.Fatal(err)
	}
	final, err := sg.Run(context.Background(), GraphState{})
	if err != nil {
		t.Fatal(err)
	}
	if final["path"] != "high" {
		t.Errorf("path = %v, want high", final["path"])
	}
}

func TestGraphParallelLayerWithReducer(t *testing.T) {
	sg, err := NewGraph("fan").
		AddNode("seed", setNode("topic", "cats"), "topic").
		AddNode("left", setNode("facts", "fact-left"), "facts").
		AddNode("right", setNode("facts", "fact-right"), "facts").
		AddNode("join", func(_ context.Context, s GraphState) (GraphState, error) {
			facts := s["facts"].([]any)
			parts := make([]string, len(facts))
			for i, f := range facts {
				parts[i] = f.(string)
			}
			return GraphState{"report": strings.Join(parts, "+")}, nil
		}, "report").
		SetReducer("facts", AppendReducer).
		AddEdge(START, "seed").
		AddEdge("seed", "left").
		AddEdge("seed", "right").
		AddEdge("left", "join").
		AddEdge("right", "join").
		AddEdge("join", END).
		Compile()
	if err != nil {
		t.Fatal(err)
	}

	final, err := sg.Run(context.Background(), GraphState{})
	if err != nil {
		t.Fatal(err)
	}
	report := final["report"].(string)
	if !strings.Contains(report, "fact-left") || !strings.Contains(report, "fact-right") {
		t.Errorf("report = %q, want both branches merged", report)
	}
}

func TestGraphCompileErrors(t *testing.T) {
	noop := setNode("x", 1)

	cases := []struct {
		name string
		def  *GraphDefinition
		want string
	}{
		{
			"reserved node name",
			NewGraph("g").AddNode(START, noop),
			"reserved",
		},
		{
			"duplicate node",
			NewGraph("g").AddNode("a", noop).AddNode("a", noop).
				AddEdge(START, "a").AddEdge("a", END),
			"duplicate",
		},
		{
			"unknown edge target",
			NewGraph("g").AddNode("a", noop).
				AddEdge(START, "a").AddEdge("a", "ghost"),
			"unknown node",
		},
		{
			"no start edge",
			NewGraph("g").AddNode("a", noop).AddEdge("a", END),
			"START has no outgoing edge",
		},
		{
			"dead-end node",
			NewGraph("g").AddNode("a", noop).AddNode("b", noop).
				AddEdge(START, "a").AddEdge("a", END).AddEdge(START, "b"),
			"no outgoing edge",
		},
		{
			"unreachable node",
			NewGraph("g").AddNode("a", noop).AddNode("island", noop).
				AddEdge(START, "a").AddEdge("a", END).AddEdge("island", END),
			"unreachable",
		},
		{
			"cycle",
			NewGraph("g").AddNode("a", noop).AddNode("b", noop).
				AddEdge(START, "a").AddEdge("a", "b").AddEdge("b", "a").AddEdge("b", END),
			"cycle",
		},
		{
			"concurrent writers without reducer",
			NewGraph("g").
				AddNode("seed", noop, "x").
				AddNode("l", setNode("y", 1), "y").
				AddNode("r", setNode("y", 2), "y").
				AddEdge(START, "seed").
				AddEdge("seed", "l").AddEdge("seed", "r").
				AddEdge("l", END).AddEdge("r", END),
			"needs a reducer",
		},
	}
	for _, tc := range cases {
		_, err := tc.def.Compile()
		if err == nil {
			t.Errorf("%s: Compile succeeded, want error", tc.name)
			continue
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: err = %q, want substring %q", tc.name, err, tc.want)
		}
	}
}

func TestGraphUndeclaredWrite(t *testing.T) {
	sg, err := NewGraph("g").
		AddNode("sneaky", func(_ context.Context, _ GraphState) (GraphState, error) {
			return GraphState{"undeclared": true}, nil
		}, "declared").
		AddEdge(START, "sneaky").
		AddEdge("sneaky", END).
		Compile()
	if err != nil {
		t.Fatal(err)
	}
	_, err = sg.Run(context.Background(), GraphState{})
	if err == nil || !strings.Contains(err.Error(), "undeclared field") {
		t.Errorf("err = %v, want undeclared field error", err)
	}
}

func TestGraphRouterOutsideCandidates(t *testing.T) {
	sg, err := NewGraph("g").
		AddNode("pick", setNode("x", 1), "x").
		AddNode("a", setNode("y", 1), "y").
		AddNode("b", setNode("z", 2), "z").
		AddEdge(START, "pick").
		AddConditionalEdge("pick", func(GraphState) []string { return []string{"b"} }, "a").
		AddEdge("a", "b").
		AddEdge("b", END).
		Compile()
	if err != nil {
		t.Fatal(err)
	}
	_, err = sg.Run(context.Background(), GraphState{})
	if err == nil || !strings.Contains(err.Error(), "not a candidate") {
		t.Errorf("err = %v, want candidate violation", err)
	}
}

func TestGraphNodeError(t *testing.T) {
	boom := errors.New("node exploded")
	sg, err := NewGraph("g").
		AddNode("bad", func(_ context.Context, _ GraphState) (GraphState, error) {
			return nil, boom
		}, "x").
		AddEdge(START, "bad").
		AddEdge("bad", END).
		Compile()
	if err != nil {
		t.Fatal(err)
	}
	_, err = sg.Run(context.Background(), GraphState{})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped node error", err)
	}
}

func TestGraphRunStream(t *testing.T) {
	sg, err := NewGraph("g").
		AddNode("one", setNode("a", 1), "a").
		AddNode("two", setNode("b", 2), "b").
		AddEdge(START, "one").
		AddEdge("one", "two").
		AddEdge("two", END).
		Compile()
	if err != nil {
		t.Fatal(err)
	}

	ch := make(chan NodeUpdate, 8)
	final, err := sg.RunStream(context.Background(), GraphState{}, ch)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for u := range ch {
		names = append(names, u.NodeName)
	}
	if len(names) != 2 || names[0] != "one" || names[1] != "two" {
		t.Errorf("updates = %v, want [one two]", names)
	}
	if final["a"] != 1 || final["b"] != 2 {
		t.Errorf("final = %v", final)
	}
}

func TestGraphAgentNode(t *testing.T) {
	provider := &mockProvider{
		responses: []ChatResponse{{Content: "agent output"}},
	}
	agent := newTestAgent(provider)

	sg, err := NewGraph("g").
		AddAgentNode("worker", agent, "question", "answer").
		AddEdge(START, "worker").
		AddEdge("worker", END).
		Compile()
	if err != nil {
		t.Fatal(err)
	}

	final, err := sg.Run(context.Background(), GraphState{"question": "what?"})
	if err != nil {
		t.Fatal(err)
	}
	if final["answer"] != "agent output" {
		t.Errorf("answer = %v", final["answer"])
	}

	// Missing input fails the node.
	if _, err := sg.Run(context.Background(), GraphState{}); err == nil {
		t.Error("empty input did not fail the agent node")
	}
}

func TestGraphInitialStateNotMutated(t *testing.T) {
	sg, err := NewGraph("g").
		AddNode("write", setNode("k", "new"), "k").
		AddEdge(START, "write").
		AddEdge("write", END).
		Compile()
	if err != nil {
		t.Fatal(err)
	}
	initial := GraphState{"k": "old"}
	final, err := sg.Run(context.Background(), initial)
	if err != nil {
		t.Fatal(err)
	}
	if initial["k"] != "old" {
		t.Error("initial state mutated")
	}
	if final["k"] != "new" {
		t.Errorf("final[k] = %v", final["k"])
	}
}

func TestAppendReducer(t *testing.T) {
	out := AppendReducer(nil, "a")
	out = AppendReducer(out, "b")
	out = AppendReducer(out, []any{"c", "d"})
	xs := out.([]any)
	if len(xs) != 4 || xs[0] != "a" || xs[3] != "d" {
		t.Errorf("AppendReducer chain = %v", xs)
	}

	// Non-slice existing value is wrapped.
	out = AppendReducer("first", "second")
	xs = out.([]any)
	if len(xs) != 2 || xs[0] != "first" {
		t.Errorf("AppendReducer wrap = %v", xs)
	}
}

func TestGraphExclusiveBranchesShareField(t *testing.T) {
	// Branches reachable only through one conditional edge are alternatives,
	// so they may share a replace-merged field.
	route := func(GraphState) []string { return []string{"b"} }
	sg, err := NewGraph("g").
		AddNode("pick", setNode("x", 1), "x").
		AddNode("a", setNode("out", "a"), "out").
		AddNode("b", setNode("out", "b"), "out").
		AddEdge(START, "pick").
		AddConditionalEdge("pick", route, "a", "b").
		AddEdge("a", END).
		AddEdge("b", END).
		Compile()
	if err != nil {
		t.Fatal(err)
	}
	final, err := sg.Run(context.Background(), GraphState{})
	if err != nil {
		t.Fatal(err)
	}
	if final["out"] != "b" {
		t.Errorf("out = %v, want b", final["out"])
	}
}

func TestGraphBranchWithStaticEdgeStillNeedsReducer(t *testing.T) {
	// A branch that can also be activated statically is not exclusive with
	// its sibling, so the shared field still needs a reducer.
	route := func(GraphState) []string { return []string{"a"} }
	_, err := NewGraph("g").
		AddNode("pick", setNode("x", 1), "x").
		AddNode("a", setNode("out", "a"), "out").
		AddNode("b", setNode("out", "b"), "out").
		AddEdge(START, "pick").
		AddConditionalEdge("pick", route, "a", "b").
		AddEdge("pick", "b").
		AddEdge("a", END).
		AddEdge("b", END).
		Compile()
	if err == nil || !strings.Contains(err.Error(), "needs a reducer") {
		t.Errorf("err = %v, want reducer requirement", err)
	}
}

func TestGraphRouterBothBranchesConflict(t *testing.T) {
	// A router is allowed to pick several candidates; when two of them write
	// the same replace field in one step, the run fails instead of silently
	// keeping whichever merged last.
	route := func(GraphState) []string { return []string{"a", "b"} }
	sg, err := NewGraph("g").
		AddNode("pick", setNode("x", 1), "x").
		AddNode("a", setNode("out", "a"), "out").
		AddNode("b", setNode("out", "b"), "out").
		AddEdge(START, "pick").
		AddConditionalEdge("pick", route, "a", "b").
		AddEdge("a", END).
		AddEdge("b", END).
		Compile()
	if err != nil {
		t.Fatal(err)
	}
	_, err = sg.Run(context.Background(), GraphState{})
	if err == nil || !strings.Contains(err.Error(), "without a reducer") {
		t.Errorf("err = %v, want same-step write conflict", err)
	}
}

func TestGraphSiblingCancelledOnError(t *testing.T) {
	boom := errors.New("branch exploded")
	siblingSawCancel := make(chan bool, 1)

	sg, err := NewGraph("g").
		AddNode("seed", setNode("x", 1), "x").
		AddNode("bad", func(_ context.Context, _ GraphState) (GraphState, error) {
			return nil, boom
		}, "a").
		AddNode("slow", func(ctx context.Context, _ GraphState) (GraphState, error) {
			select {
			case <-ctx.Done():
				siblingSawCancel <- true
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				siblingSawCancel <- false
				return GraphState{"b": 1}, nil
			}
		}, "b").
		AddEdge(START, "seed").
		AddEdge("seed", "bad").
		AddEdge("seed", "slow").
		AddEdge("bad", END).
		AddEdge("slow", END).
		Compile()
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, err = sg.Run(context.Background(), GraphState{})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want the failing branch's error", err)
	}
	if !<-siblingSawCancel {
		t.Error("sibling ran to completion instead of being cancelled")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("run took %v, failure did not cut the layer short", elapsed)
	}
}

func TestGraphAgentNodeExtraWrites(t *testing.T) {
	provider := &mockProvider{
		responses: []ChatResponse{{Content: `{"verdict":"approve","confidence":0.9}`}},
	}
	agent := newTestAgent(provider)

	sg, err := NewGraph("g").
		AddAgentNode("review", agent, "draft", "raw", "verdict", "confidence").
		AddEdge(START, "review").
		AddEdge("review", END).
		Compile()
	if err != nil {
		t.Fatal(err)
	}

	final, err := sg.Run(context.Background(), GraphState{"draft": "please review"})
	if err != nil {
		t.Fatal(err)
	}
	if final["raw"] != `{"verdict":"approve","confidence":0.9}` {
		t.Errorf("raw = %v", final["raw"])
	}
	if final["verdict"] != "approve" {
		t.Errorf("verdict = %v", final["verdict"])
	}
	if c, ok := final["confidence"].(float64); !ok || c != 0.9 {
		t.Errorf("confidence = %v", final["confidence"])
	}
}

func TestGraphAgentNodeExtraWritesNonJSON(t *testing.T) {
	provider := &mockProvider{
		responses: []ChatResponse{{Content: "plain text answer"}},
	}
	agent := newTestAgent(provider)

	sg, err := NewGraph("g").
		AddAgentNode("worker", agent, "q", "answer", "extra").
		AddEdge(START, "worker").
		AddEdge("worker", END).
		Compile()
	if err != nil {
		t.Fatal(err)
	}

	final, err := sg.Run(context.Background(), GraphState{"q": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if final["answer"] != "plain text answer" {
		t.Errorf("answer = %v", final["answer"])
	}
	if _, ok := final["extra"]; ok {
		t.Error("extra field written from non-JSON output")
	}
}
