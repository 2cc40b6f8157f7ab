package kestrel

import (
	"context"
	"fmt"
	"strings"
)

// RunnerType classifies who executed a run within a session.
type RunnerType string

const (
	RunnerSolo   RunnerType = "solo"
	RunnerLeader RunnerType = "leader"
	RunnerMember RunnerType = "member"
)

// RunRecord is one execution of an agent loop, immutable once appended.
// ParentRunID is non-empty exactly when RunnerType is member.
type RunRecord struct {
	RunID       string         `json:"run_id"`
	ParentRunID string         `json:"parent_run_id,omitempty"`
	RunnerType  RunnerType     `json:"runner_type"`
	RunnerName  string         `json:"runner_name"`
	Task        string         `json:"task"`
	Response    string         `json:"response"`
	Success     bool           `json:"success"`
	Steps       int            `json:"steps"`
	StartedAt   int64          `json:"started_at"`
	EndedAt     int64          `json:"ended_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Session is an append-only container of runs bound to a caller identity.
// Runs are in non-decreasing StartedAt order; committed runs never change.
type Session struct {
	SessionID string         `json:"session_id"`
	OwnerID   string         `json:"owner_id,omitempty"`
	Name      string         `json:"name"`
	Runs      []RunRecord    `json:"runs"`
	State     map[string]any `json:"state,omitempty"`
	CreatedAt int64          `json:"created_at"`
	UpdatedAt int64          `json:"updated_at"`
}

// SessionStore persists sessions and their runs. Concurrent AppendRun calls
// to the same session are serialized by the implementation. Backends live
// under store/ (memory, file, sqlite, postgres).
type SessionStore interface {
	// GetOrCreate returns the session, creating it when absent.
	GetOrCreate(ctx context.Context, sessionID, ownerID, name string) (*Session, error)
	// AppendRun freezes rec at the end of the session's run list.
	AppendRun(ctx context.Context, sessionID string, rec RunRecord) error
	// HistoryContext formats the last n top-level runs (ParentRunID empty)
	// as a history block for the next run's prompt.
	HistoryContext(ctx context.Context, sessionID string, n int) (string, error)
	// SetState writes one key of the session's free-form state map.
	SetState(ctx context.Context, sessionID, key string, value any) error
	// GetState reads one key of the session's state map.
	GetState(ctx context.Context, sessionID, key string) (any, bool, error)
}

// FormatHistory renders the last n top-level runs as the <history> block
// injected into the prompt assembler's additional context. Shared by every
// SessionStore backend.
func FormatHistory(runs []RunRecord, n int) string {
	var top []RunRecord
	for _, r := range runs {
		if r.ParentRunID == "" {
			top = append(top, r)
		}
	}
	if len(top) > n {
		top = top[len(top)-n:]
	}
	if len(top) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("<history>\n")
	for _, r := range top {
		fmt.Fprintf(&b, "task: %s\nresponse: %s\n\n", r.Task, r.Response)
	}
	b.WriteString("</history>")
	return b.String()
}
