package kestrel

import (
	"encoding/json"
	"testing"
)

func TestCountTextEstimate(t *testing.T) {
	c := estCounter()

	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},         // ceil(1/2.5)
		{"ab", 1},        // ceil(2/2.5)
		{"abc", 2},       // ceil(3/2.5)
		{"abcde", 2},     // ceil(5/2.5)
		{"abcdef", 3},    // ceil(6/2.5)
		{"héllo", 2},     // runes, not bytes
		{"0123456789", 4},
	}
	for _, tc := range cases {
		if got := c.CountText(tc.in); got != tc.want {
			t.Errorf("CountText(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestCountMessages(t *testing.T) {
	c := estCounter()

	msgs := []ChatMessage{
		{Role: "user", Content: "abcde"}, // 4 overhead + 2
		{Role: "assistant", Content: "abcde", Thinking: "abcde"}, // 4 + 2 + 2
	}
	if got := c.Count(msgs); got != 14 {
		t.Errorf("Count = %d, want 14", got)
	}
}

func TestCountToolCallArgs(t *testing.T) {
	c := estCounter()

	msgs := []ChatMessage{
		{Role: "assistant", ToolCalls: []ToolCall{
			{Name: "abcde", Args: json.RawMessage("abcde")},
		}},
	}
	// 4 overhead + 2 name + 2 args
	if got := c.Count(msgs); got != 8 {
		t.Errorf("Count = %d, want 8", got)
	}
}

func TestCountEmptyList(t *testing.T) {
	if got := estCounter().Count(nil); got != 0 {
		t.Errorf("Count(nil) = %d, want 0", got)
	}
}

func TestNewTokenCounterNeverNil(t *testing.T) {
	// Unknown models must still yield a working counter.
	c := NewTokenCounter("totally-unknown-model-xyz")
	if c == nil {
		t.Fatal("NewTokenCounter returned nil")
	}
	if got := c.CountText("hello"); got <= 0 {
		t.Errorf("CountText = %d, want > 0", got)
	}
}

func TestNewTokenCounterStripsProvider(t *testing.T) {
	// "provider/model" and "model" must resolve to the same encoding.
	a := NewTokenCounter("openai/no-such-model")
	b := NewTokenCounter("no-such-model")
	if a.CountText("hello world") != b.CountText("hello world") {
		t.Error("provider prefix changed the count")
	}
}
