package kestrel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Graph boundary pseudo-nodes. START is the entry point every graph wires
// its first edges from; END is the terminal sink.
const (
	START = "__start__"
	END   = "__end__"
)

// GraphState is the shared state folded across graph nodes. Nodes return
// partial updates; the executor merges them via the declared reducers.
type GraphState map[string]any

// Clone returns a shallow copy of the state.
func (s GraphState) Clone() GraphState {
	out := make(GraphState, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Reducer merges a node's update for one field into the existing value.
// Reducers must be associative and commutative: parallel nodes in the same
// layer merge in unspecified order.
type Reducer func(existing, update any) any

// ReplaceReducer is the default: the update wins. A field written by two
// concurrent nodes may not use it; Compile rejects such graphs.
func ReplaceReducer(existing, update any) any { return update }

// AppendReducer accumulates updates into a []any. A non-slice update is
// appended as a single element.
func AppendReducer(existing, update any) any {
	var out []any
	if existing != nil {
		if xs, ok := existing.([]any); ok {
			out = append(out, xs...)
		} else {
			out = append(out, existing)
		}
	}
	if update == nil {
		return out
	}
	if xs, ok := update.([]any); ok {
		return append(out, xs...)
	}
	return append(out, update)
}

// NodeFunc runs one graph node. It reads the live state and returns a
// partial update holding only the fields it writes.
type NodeFunc func(ctx context.Context, state GraphState) (GraphState, error)

// Router evaluates a conditional edge on the current state and returns the
// successor node names to activate. Every returned name must be among the
// edge's declared candidates.
type Router func(state GraphState) []string

// NodeUpdate is one streaming event of a graph run: the node that completed
// and the partial state it produced.
type NodeUpdate struct {
	NodeName   string
	StateDelta GraphState
}

type graphNode struct {
	name   string
	fn     NodeFunc
	writes []string
}

type graphEdge struct {
	from       string
	to         string   // static target, empty for conditional
	router     Router   // non-nil for conditional
	candidates []string // conditional candidates
}

// GraphDefinition accumulates nodes and edges before compilation.
type GraphDefinition struct {
	name     string
	nodes    map[string]*graphNode
	order    []string
	edges    []graphEdge
	reducers map[string]Reducer
	logger   *slog.Logger
	err      error // first definition error, surfaced by Compile
}

// NewGraph starts a graph definition.
func NewGraph(name string) *GraphDefinition {
	return &GraphDefinition{
		name:     name,
		nodes:    make(map[string]*graphNode),
		reducers: make(map[string]Reducer),
		logger:   nopLogger,
	}
}

// WithGraphLogger sets the structured logger for execution.
func (g *GraphDefinition) WithGraphLogger(l *slog.Logger) *GraphDefinition {
	g.logger = l
	return g
}

// AddNode registers a node. writes declares the state fields the node's
// updates may contain; undeclared fields in an update fail the run.
func (g *GraphDefinition) AddNode(name string, fn NodeFunc, writes ...string) *GraphDefinition {
	if name == START || name == END {
		g.fail(fmt.Errorf("graph %s: %q is reserved", g.name, name))
		return g
	}
	if _, exists := g.nodes[name]; exists {
		g.fail(fmt.Errorf("graph %s: duplicate node %q", g.name, name))
		return g
	}
	g.nodes[name] = &graphNode{name: name, fn: fn, writes: writes}
	g.order = append(g.order, name)
	return g
}

// AddAgentNode registers a node wrapping an agent loop: it reads
// state[inputKey] as the user message, runs the agent, and writes the final
// text to state[outputKey]. extraWrites declares additional fields the node
// may write; when the agent's output is a JSON object, any declared extra
// field present in it is copied into the state update.
func (g *GraphDefinition) AddAgentNode(name string, agent Agent, inputKey, outputKey string, extraWrites ...string) *GraphDefinition {
	fn := func(ctx context.Context, state GraphState) (GraphState, error) {
		input, _ := state[inputKey].(string)
		if input == "" {
			return nil, fmt.Errorf("node %s: state[%q] is empty", name, inputKey)
		}
		res, err := agent.Execute(ctx, AgentTask{Input: input})
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", name, err)
		}
		update := GraphState{outputKey: res.Output}
		if len(extraWrites) > 0 {
			var obj map[string]any
			if err := json.Unmarshal([]byte(res.Output), &obj); err == nil {
				for _, field := range extraWrites {
					if v, ok := obj[field]; ok {
						update[field] = v
					}
				}
			}
		}
		return update, nil
	}
	writes := append([]string{outputKey}, extraWrites...)
	return g.AddNode(name, fn, writes...)
}

// AddEdge adds a static edge from -> to.
func (g *GraphDefinition) AddEdge(from, to string) *GraphDefinition {
	g.edges = append(g.edges, graphEdge{from: from, to: to})
	return g
}

// AddConditionalEdge adds a router-controlled edge. All candidates count
// toward layering; at runtime the router picks the actual successors.
func (g *GraphDefinition) AddConditionalEdge(from string, router Router, candidates ...string) *GraphDefinition {
	g.edges = append(g.edges, graphEdge{from: from, router: router, candidates: candidates})
	return g
}

// SetReducer declares the merge function for a state field. Fields without
// a declared reducer use replace semantics and may only be written by one
// node per layer.
func (g *GraphDefinition) SetReducer(field string, r Reducer) *GraphDefinition {
	g.reducers[field] = r
	return g
}

func (g *GraphDefinition) fail(err error) {
	if g.err == nil {
		g.err = err
	}
}

// StateGraph is a compiled, executable graph.
type StateGraph struct {
	name     string
	nodes    map[string]*graphNode
	order    []string
	outgoing map[string][]graphEdge
	reducers map[string]Reducer
	layers   map[string]int
	maxLayer int
	logger   *slog.Logger
}

// Compile validates the definition and computes the layer schedule.
// Validation rejects: a START without outgoing edges, non-END nodes without
// outgoing edges, unreachable nodes, edges to unknown nodes, cycles, and
// fields written by two same-layer nodes without a declared reducer.
func (g *GraphDefinition) Compile() (*StateGraph, error) {
	if g.err != nil {
		return nil, g.err
	}

	outgoing := make(map[string][]graphEdge)
	targets := func(e graphEdge) []string {
		if e.router != nil {
			return e.candidates
		}
		return []string{e.to}
	}
	for _, e := range g.edges {
		if e.from != START {
			if _, ok := g.nodes[e.from]; !ok {
				return nil, fmt.Errorf("graph %s: edge from unknown node %q", g.name, e.from)
			}
		}
		for _, to := range targets(e) {
			if to == START {
				return nil, fmt.Errorf("graph %s: edge into START", g.name)
			}
			if to != END {
				if _, ok := g.nodes[to]; !ok {
					return nil, fmt.Errorf("graph %s: edge to unknown node %q", g.name, to)
				}
			}
		}
		outgoing[e.from] = append(outgoing[e.from], e)
	}

	if len(outgoing[START]) == 0 {
		return nil, fmt.Errorf("graph %s: START has no outgoing edge", g.name)
	}
	for _, name := range g.order {
		if len(outgoing[name]) == 0 {
			return nil, fmt.Errorf("graph %s: node %q has no outgoing edge", g.name, name)
		}
	}

	layers, err := g.computeLayers(outgoing, targets)
	if err != nil {
		return nil, err
	}
	for _, name := range g.order {
		if _, ok := layers[name]; !ok {
			return nil, fmt.Errorf("graph %s: node %q is unreachable from START", g.name, name)
		}
	}

	// Reject replace-merged fields written by two nodes that can run in the
	// same layer, unless the writers are alternatives of a single conditional
	// edge and have no other way to activate. Such nodes only run together if
	// the router picks several branches, which merge catches at runtime.
	incoming := make(map[string][]int)
	for idx, e := range g.edges {
		for _, to := range targets(e) {
			incoming[to] = append(incoming[to], idx)
		}
	}
	writersByLayer := make(map[int]map[string][]string)
	for _, name := range g.order {
		layer := layers[name]
		if writersByLayer[layer] == nil {
			writersByLayer[layer] = make(map[string][]string)
		}
		for _, field := range g.nodes[name].writes {
			writersByLayer[layer][field] = append(writersByLayer[layer][field], name)
		}
	}
	for layer, fields := range writersByLayer {
		for field, writers := range fields {
			if len(writers) > 1 {
				if _, ok := g.reducers[field]; !ok {
					if g.exclusiveBranches(writers, incoming) {
						continue
					}
					sort.Strings(writers)
					return nil, fmt.Errorf("graph %s: field %q written by concurrent nodes %v (layer %d) needs a reducer",
						g.name, field, writers, layer)
				}
			}
		}
	}

	maxLayer := 0
	for _, l := range layers {
		if l > maxLayer {
			maxLayer = l
		}
	}
	return &StateGraph{
		name:     g.name,
		nodes:    g.nodes,
		order:    g.order,
		outgoing: outgoing,
		reducers: g.reducers,
		layers:   layers,
		maxLayer: maxLayer,
		logger:   g.logger,
	}, nil
}

// exclusiveBranches reports whether every writer's sole incoming edge is
// one shared conditional edge, making the writers alternative branches
// rather than guaranteed-concurrent nodes.
func (g *GraphDefinition) exclusiveBranches(writers []string, incoming map[string][]int) bool {
	shared := -1
	for _, w := range writers {
		edges := incoming[w]
		if len(edges) != 1 {
			return false
		}
		if g.edges[edges[0]].router == nil {
			return false
		}
		if shared == -1 {
			shared = edges[0]
		} else if edges[0] != shared {
			return false
		}
	}
	return true
}

// computeLayers assigns each node its longest-path distance from START,
// treating conditional candidates as potential edges. Kahn's algorithm over
// the potential edge set also detects cycles.
func (g *GraphDefinition) computeLayers(outgoing map[string][]graphEdge, targets func(graphEdge) []string) (map[string]int, error) {
	indeg := make(map[string]int, len(g.nodes))
	succ := make(map[string][]string)
	for from, edges := range outgoing {
		for _, e := range edges {
			for _, to := range targets(e) {
				if to == END {
					continue
				}
				succ[from] = append(succ[from], to)
				indeg[to]++
			}
		}
	}

	layers := map[string]int{START: 0}
	queue := []string{START}
	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range succ[node] {
			if l := layers[node] + 1; l > layers[next] {
				layers[next] = l
			}
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	reachableWithIndeg := 1 // START
	for _, name := range g.order {
		if _, ok := layers[name]; ok {
			reachableWithIndeg++
		}
	}
	if visited != reachableWithIndeg {
		return nil, fmt.Errorf("graph %s: cycle detected", g.name)
	}
	delete(layers, START)
	return layers, nil
}

// Run executes the graph from the initial state and returns the final
// state. Nodes sharing a layer run in parallel; their updates are folded
// through the declared reducers.
func (sg *StateGraph) Run(ctx context.Context, initial GraphState) (GraphState, error) {
	return sg.run(ctx, initial, nil)
}

// RunStream executes like Run but emits a NodeUpdate into ch as each node
// completes, in completion order. The channel is closed when the run ends.
func (sg *StateGraph) RunStream(ctx context.Context, initial GraphState, ch chan<- NodeUpdate) (GraphState, error) {
	defer close(ch)
	return sg.run(ctx, initial, ch)
}

func (sg *StateGraph) run(ctx context.Context, initial GraphState, ch chan<- NodeUpdate) (GraphState, error) {
	state := initial.Clone()
	if state == nil {
		state = GraphState{}
	}

	activated := make(map[string]bool)
	if err := sg.activate(START, state, activated); err != nil {
		return state, err
	}

	for layer := 1; layer <= sg.maxLayer; layer++ {
		if err := ctx.Err(); err != nil {
			return state, err
		}

		var batch []*graphNode
		for _, name := range sg.order {
			if activated[name] && sg.layers[name] == layer {
				batch = append(batch, sg.nodes[name])
			}
		}
		if len(batch) == 0 {
			continue
		}

		// Siblings in the layer share a cancellable context: the first
		// failure cancels the rest instead of waiting them out.
		layerCtx, cancelLayer := context.WithCancel(ctx)
		updates := make([]GraphState, len(batch))
		errs := make([]error, len(batch))
		var wg sync.WaitGroup
		for i, node := range batch {
			wg.Add(1)
			go func(i int, node *graphNode) {
				defer wg.Done()
				sg.logger.Debug("graph node start", "graph", sg.name, "node", node.name, "layer", layer)
				update, err := node.fn(layerCtx, state.Clone())
				if err != nil {
					errs[i] = err
					cancelLayer()
					return
				}
				updates[i] = update
				if ch != nil {
					select {
					case ch <- NodeUpdate{NodeName: node.name, StateDelta: update}:
					case <-layerCtx.Done():
					}
				}
			}(i, node)
		}
		wg.Wait()
		cancelLayer()

		// Prefer the root-cause failure over a sibling's cancellation error.
		var firstErr error
		for i, err := range errs {
			if err == nil {
				continue
			}
			wrapped := fmt.Errorf("graph %s: node %s: %w", sg.name, batch[i].name, err)
			if firstErr == nil || (errors.Is(firstErr, context.Canceled) && !errors.Is(err, context.Canceled)) {
				firstErr = wrapped
			}
		}
		if firstErr != nil {
			return state, firstErr
		}

		wroteBy := make(map[string]string)
		for i, node := range batch {
			for field := range updates[i] {
				if _, ok := sg.reducers[field]; ok {
					continue
				}
				if prev, clash := wroteBy[field]; clash {
					return state, fmt.Errorf("graph %s: field %q written by both %s and %s in one step without a reducer",
						sg.name, field, prev, node.name)
				}
				wroteBy[field] = node.name
			}
			if err := sg.merge(state, node, updates[i]); err != nil {
				return state, err
			}
		}
		for _, node := range batch {
			if err := sg.activate(node.name, state, activated); err != nil {
				return state, err
			}
		}
	}
	return state, nil
}

// merge folds one node's partial update into the live state.
func (sg *StateGraph) merge(state GraphState, node *graphNode, update GraphState) error {
	for field, value := range update {
		declared := false
		for _, w := range node.writes {
			if w == field {
				declared = true
				break
			}
		}
		if !declared {
			return fmt.Errorf("graph %s: node %s wrote undeclared field %q", sg.name, node.name, field)
		}
		if r, ok := sg.reducers[field]; ok {
			state[field] = r(state[field], value)
		} else {
			state[field] = ReplaceReducer(state[field], value)
		}
	}
	return nil
}

// activate evaluates the outgoing edges of a completed node on the current
// state and marks the chosen successors runnable.
func (sg *StateGraph) activate(from string, state GraphState, activated map[string]bool) error {
	for _, e := range sg.outgoing[from] {
		if e.router == nil {
			if e.to != END {
				activated[e.to] = true
			}
			continue
		}
		chosen := e.router(state.Clone())
		for _, name := range chosen {
			if name == END {
				continue
			}
			valid := false
			for _, c := range e.candidates {
				if c == name {
					valid = true
					break
				}
			}
			if !valid {
				return fmt.Errorf("graph %s: router at %s chose %q, not a candidate", sg.name, from, name)
			}
			activated[name] = true
		}
	}
	return nil
}
