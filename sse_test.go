package kestrel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
)

// scriptedStreamer emits a fixed event sequence then returns its result.
type scriptedStreamer struct {
	events []StreamEvent
	result AgentResult
	err    error
}

func (s *scriptedStreamer) Name() string        { return "scripted" }
func (s *scriptedStreamer) Description() string { return "" }

func (s *scriptedStreamer) Execute(ctx context.Context, task AgentTask) (AgentResult, error) {
	return s.result, s.err
}

func (s *scriptedStreamer) ExecuteStream(ctx context.Context, task AgentTask, ch chan<- StreamEvent) (AgentResult, error) {
	for _, ev := range s.events {
		ch <- ev
	}
	close(ch)
	return s.result, s.err
}

func TestServeSSESuccess(t *testing.T) {
	agent := &scriptedStreamer{
		events: []StreamEvent{
			{Type: EventStep, Step: 1},
			{Type: EventTextDelta, Content: "hello"},
		},
		result: AgentResult{RunID: "r1", Output: "hello", Success: true, State: StateDoneOK},
	}

	rec := httptest.NewRecorder()
	result, err := ServeSSE(context.Background(), rec, agent, AgentTask{Input: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Output != "hello" {
		t.Errorf("Output = %q", result.Output)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{"event: step\n", "event: content\n", "event: done\n"} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}

	// The done payload is the full result.
	i := strings.Index(body, "event: done\ndata: ")
	if i < 0 {
		t.Fatal("done event not found")
	}
	line := body[i+len("event: done\ndata: "):]
	line = line[:strings.Index(line, "\n")]
	var got AgentResult
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("done payload not JSON: %v", err)
	}
	if got.RunID != "r1" || !got.Success {
		t.Errorf("done payload = %+v", got)
	}
}

func TestServeSSEError(t *testing.T) {
	agent := &scriptedStreamer{
		result: AgentResult{State: StateDoneError},
		err:    errors.New("provider exploded"),
	}

	rec := httptest.NewRecorder()
	_, err := ServeSSE(context.Background(), rec, agent, AgentTask{})
	if err == nil {
		t.Fatal("expected error passthrough")
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: error\n") {
		t.Errorf("error event missing:\n%s", body)
	}
	if !strings.Contains(body, "provider exploded") {
		t.Errorf("error message missing:\n%s", body)
	}
	if strings.Contains(body, "event: done\n") {
		t.Error("done event emitted after error")
	}
}

func TestServeSSEUserInputRequired(t *testing.T) {
	susp := &ErrSuspended{
		RunID:   "r2",
		Request: InputRequest{ToolCallID: "q1", Fields: []InputField{{Name: "city", Type: "string"}}},
	}
	agent := &scriptedStreamer{
		result: AgentResult{RunID: "r2", State: StatePaused},
		err:    susp,
	}

	rec := httptest.NewRecorder()
	_, err := ServeSSE(context.Background(), rec, agent, AgentTask{})
	var got *ErrSuspended
	if !errors.As(err, &got) {
		t.Fatalf("err = %v, want *ErrSuspended", err)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: "+string(EventInputRequired)+"\n") {
		t.Errorf("user_input_required event missing:\n%s", body)
	}
	if strings.Contains(body, "event: error\n") {
		t.Error("suspension reported as error")
	}
}

func TestWriteSSEEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	if err := WriteSSEEvent(rec, "ping", map[string]int{"n": 1}); err != nil {
		t.Fatal(err)
	}
	if got := rec.Body.String(); got != "event: ping\ndata: {\"n\":1}\n\n" {
		t.Errorf("body = %q", got)
	}
}

func TestWriteSSEEventUnmarshalable(t *testing.T) {
	rec := httptest.NewRecorder()
	if err := WriteSSEEvent(rec, "bad", func() {}); err == nil {
		t.Error("expected marshal error")
	}
}
