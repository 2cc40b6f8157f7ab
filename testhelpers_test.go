package kestrel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// mockProvider replays a scripted sequence of responses. Call i returns
// errs[i] when set, otherwise responses[i]; past the script it returns a
// plain "done" response. Safe for concurrent use (team delegation runs
// members against the shared script in dispatch order).
type mockProvider struct {
	name      string
	responses []ChatResponse
	errs      []error

	mu    sync.Mutex
	calls []ChatRequest
}

func (m *mockProvider) Name() string {
	if m.name == "" {
		return "mock"
	}
	return m.name
}

func (m *mockProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := len(m.calls)
	m.calls = append(m.calls, req)
	if i < len(m.errs) && m.errs[i] != nil {
		return ChatResponse{}, m.errs[i]
	}
	if i < len(m.responses) {
		return m.responses[i], nil
	}
	return ChatResponse{Content: "done"}, nil
}

func (m *mockProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	resp, err := m.Chat(ctx, req)
	if err != nil {
		close(ch)
		return ChatResponse{}, err
	}
	if resp.Content != "" {
		select {
		case ch <- StreamEvent{Type: EventTextDelta, Content: resp.Content}:
		case <-ctx.Done():
		}
	}
	close(ch)
	return resp, nil
}

// callCount returns how many chat calls the provider has served.
func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// lastCall returns the most recent request, or a zero request.
func (m *mockProvider) lastCall() ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return ChatRequest{}
	}
	return m.calls[len(m.calls)-1]
}

// memSessionStore is a minimal in-memory SessionStore for loop and team
// tests. The store/memory package provides the production equivalent.
type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: make(map[string]*Session)}
}

func (s *memSessionStore) GetOrCreate(_ context.Context, sessionID, ownerID, name string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return sess, nil
	}
	sess := &Session{
		SessionID: sessionID,
		OwnerID:   ownerID,
		Name:      name,
		CreatedAt: NowUnix(),
		UpdatedAt: NowUnix(),
	}
	s.sessions[sessionID] = sess
	return sess, nil
}

func (s *memSessionStore) AppendRun(_ context.Context, sessionID string, rec RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	sess.Runs = append(sess.Runs, rec)
	sess.UpdatedAt = NowUnix()
	return nil
}

func (s *memSessionStore) HistoryContext(_ context.Context, sessionID string, n int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return "", nil
	}
	return FormatHistory(sess.Runs, n), nil
}

func (s *memSessionStore) SetState(_ context.Context, sessionID, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	if sess.State == nil {
		sess.State = make(map[string]any)
	}
	sess.State[key] = value
	return nil
}

func (s *memSessionStore) GetState(_ context.Context, sessionID, key string) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.State == nil {
		return nil, false, nil
	}
	v, ok := sess.State[key]
	return v, ok, nil
}

// runs returns a copy of the run records of a session.
func (s *memSessionStore) runs(sessionID string) []RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	return append([]RunRecord(nil), sess.Runs...)
}

// --- Tool mocks ---

// echoTool returns a single-definition tool that echoes its message argument.
func echoTool() *FuncTool {
	return &FuncTool{
		Def: ToolDefinition{
			Name:        "echo",
			Description: "Echo the message back",
			Source:      SourceNative,
			Parameters:  json.RawMessage(`{"type":"object","properties":{"message":{"type":"string"}},"required":["message"]}`),
		},
		Fn: func(_ context.Context, args json.RawMessage) (ToolResult, error) {
			var p struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(args, &p); err != nil {
				return ToolResult{Success: false, Error: err.Error()}, nil
			}
			return ToolResult{Success: true, Content: "echo: " + p.Message}, nil
		},
	}
}

type errTool struct{}

func (errTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "fail", Description: "Always fails"}}
}

func (errTool) Execute(_ context.Context, _ string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{}, fmt.Errorf("tool broken")
}

type multiTool struct{}

func (multiTool) Definitions() []ToolDefinition {
	return []ToolDefinition{
		{Name: "read", Description: "Read file", Source: SourceNative},
		{Name: "write", Description: "Write file", Source: SourceNative},
	}
}

func (multiTool) Execute(_ context.Context, name string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{Success: true, Content: "did " + name}, nil
}

// estCounter returns a TokenCounter pinned to the chars/2.5 estimate so
// token-sensitive tests are deterministic and offline.
func estCounter() *TokenCounter { return &TokenCounter{} }
