package kestrel

import (
	"strings"
	"testing"
)

func TestFormatHistoryFiltersMembers(t *testing.T) {
	runs := []RunRecord{
		{RunID: "1", Task: "t1", Response: "r1"},
		{RunID: "2", ParentRunID: "1", Task: "sub", Response: "sub-answer"},
		{RunID: "3", Task: "t2", Response: "r2"},
	}
	got := FormatHistory(runs, 10)
	if !strings.HasPrefix(got, "<history>\n") || !strings.HasSuffix(got, "</history>") {
		t.Errorf("history not wrapped: %q", got)
	}
	if strings.Contains(got, "sub-answer") {
		t.Error("member run leaked into history")
	}
	if !strings.Contains(got, "task: t1\nresponse: r1") {
		t.Error("first run missing")
	}
	if !strings.Contains(got, "task: t2\nresponse: r2") {
		t.Error("second run missing")
	}
}

func TestFormatHistoryLastN(t *testing.T) {
	runs := []RunRecord{
		{RunID: "1", Task: "oldest", Response: "a"},
		{RunID: "2", Task: "middle", Response: "b"},
		{RunID: "3", Task: "newest", Response: "c"},
	}
	got := FormatHistory(runs, 2)
	if strings.Contains(got, "oldest") {
		t.Error("run beyond last-n included")
	}
	if !strings.Contains(got, "middle") || !strings.Contains(got, "newest") {
		t.Errorf("last two runs missing: %q", got)
	}
}

func TestFormatHistoryEmpty(t *testing.T) {
	if got := FormatHistory(nil, 5); got != "" {
		t.Errorf("FormatHistory(nil) = %q, want empty", got)
	}
	// Only member runs means no top-level history.
	runs := []RunRecord{{RunID: "2", ParentRunID: "1", Task: "sub", Response: "x"}}
	if got := FormatHistory(runs, 5); got != "" {
		t.Errorf("FormatHistory(members only) = %q, want empty", got)
	}
}
