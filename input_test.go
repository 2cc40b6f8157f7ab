package kestrel

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

const askArgs = `{"fields":[{"name":"city","type":"string","description":"Which city"}],"context":"need a location"}`

func TestSuspendAndResume(t *testing.T) {
	provider := &mockProvider{
		responses: []ChatResponse{
			{ToolCalls: []ToolCall{{ID: "q1", Name: "get_user_input", Args: json.RawMessage(askArgs)}}},
			{Content: "weather in Oslo: cold"},
		},
	}
	agent := newTestAgent(provider)

	_, err := agent.Execute(context.Background(), AgentTask{Input: "what's the weather?"})
	if err == nil {
		t.Fatal("expected suspension")
	}
	var susp *ErrSuspended
	if !errors.As(err, &susp) {
		t.Fatalf("err = %T, want *ErrSuspended", err)
	}
	if susp.RunID == "" {
		t.Error("suspended RunID is empty")
	}
	if susp.Request.ToolCallID != "q1" {
		t.Errorf("ToolCallID = %q, want q1", susp.Request.ToolCallID)
	}
	if len(susp.Request.Fields) != 1 || susp.Request.Fields[0].Name != "city" {
		t.Errorf("Fields = %+v", susp.Request.Fields)
	}
	if susp.Request.Context != "need a location" {
		t.Errorf("Context = %q", susp.Request.Context)
	}

	result, err := susp.Resume(context.Background(), map[string]string{"city": "Oslo"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Output != "weather in Oslo: cold" {
		t.Errorf("Output = %q", result.Output)
	}
	if result.State != StateDoneOK {
		t.Errorf("State = %q, want %q", result.State, StateDoneOK)
	}

	// Resume delivered a tool result for the pending call plus the answers.
	last := provider.lastCall()
	var sawToolResult, sawUserInput bool
	for _, m := range last.Messages {
		if m.Role == "tool" && m.ToolCallID == "q1" {
			sawToolResult = true
		}
		if m.Role == "user" && strings.Contains(m.Content, "[user_input] city: Oslo") {
			sawUserInput = true
		}
	}
	if !sawToolResult {
		t.Error("pending tool call not answered on resume")
	}
	if !sawUserInput {
		t.Error("user input message missing on resume")
	}
}

func TestSuspensionCostsNoSteps(t *testing.T) {
	provider := &mockProvider{
		responses: []ChatResponse{
			{ToolCalls: []ToolCall{{ID: "q1", Name: "get_user_input", Args: json.RawMessage(askArgs)}}},
			{Content: "answered"},
		},
	}
	agent := newTestAgent(provider, WithMaxSteps(2))

	_, err := agent.Execute(context.Background(), AgentTask{Input: "ask me"})
	var susp *ErrSuspended
	if !errors.As(err, &susp) {
		t.Fatalf("err = %v", err)
	}
	result, err := susp.Resume(context.Background(), map[string]string{"city": "Oslo"})
	if err != nil {
		t.Fatal(err)
	}
	// One step before the pause, one after.
	if result.Steps != 2 {
		t.Errorf("Steps = %d, want 2", result.Steps)
	}
	if result.State != StateDoneOK {
		t.Errorf("State = %q, want done_ok within the budget", result.State)
	}
}

type inlineHandler struct {
	got  InputRequest
	vals map[string]string
}

func (h *inlineHandler) RequestInput(_ context.Context, req InputRequest) (InputResponse, error) {
	h.got = req
	return InputResponse{Values: h.vals}, nil
}

func TestInputHandlerInline(t *testing.T) {
	provider := &mockProvider{
		responses: []ChatResponse{
			{ToolCalls: []ToolCall{{ID: "q1", Name: "get_user_input", Args: json.RawMessage(askArgs)}}},
			{Content: "inline answer"},
		},
	}
	handler := &inlineHandler{vals: map[string]string{"city": "Bergen"}}
	agent := newTestAgent(provider, WithInputHandler(handler))

	result, err := agent.Execute(context.Background(), AgentTask{Input: "ask me"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Output != "inline answer" {
		t.Errorf("Output = %q", result.Output)
	}
	if len(handler.got.Fields) != 1 || handler.got.Fields[0].Name != "city" {
		t.Errorf("handler request = %+v", handler.got)
	}

	last := provider.lastCall()
	found := false
	for _, m := range last.Messages {
		if m.Role == "user" && strings.Contains(m.Content, "Bergen") {
			found = true
		}
	}
	if !found {
		t.Error("handler values not delivered to the model")
	}
}

func TestUserInputToolEmptyFields(t *testing.T) {
	res, err := UserInputTool{}.Execute(context.Background(), "get_user_input", json.RawMessage(`{"fields":[]}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Error("Success = true for empty fields")
	}
}

func TestParseInputPayload(t *testing.T) {
	res, err := UserInputTool{}.Execute(context.Background(), "get_user_input", json.RawMessage(askArgs))
	if err != nil {
		t.Fatal(err)
	}
	p, ok := parseInputPayload(res.Content)
	if !ok {
		t.Fatalf("payload not detected in %q", res.Content)
	}
	if len(p.Fields) != 1 || p.Fields[0].Type != "string" {
		t.Errorf("payload = %+v", p)
	}

	if _, ok := parseInputPayload("just some text"); ok {
		t.Error("plain text detected as payload")
	}
	if _, ok := parseInputPayload(`{"__user_input_request__": false}`); ok {
		t.Error("unflagged payload detected")
	}
}

func TestFormatUserInput(t *testing.T) {
	got := FormatUserInput(map[string]string{"zeta": "2", "alpha": "1"})
	if got != "[user_input] alpha: 1 zeta: 2" {
		t.Errorf("FormatUserInput = %q", got)
	}
	if got := FormatUserInput(nil); got != "[user_input]" {
		t.Errorf("FormatUserInput(nil) = %q", got)
	}
}

func TestErrSuspendedWithoutClosure(t *testing.T) {
	e := &ErrSuspended{RunID: "r1"}
	if _, err := e.Resume(context.Background(), nil); err == nil {
		t.Error("Resume on detached ErrSuspended did not fail")
	}
}
