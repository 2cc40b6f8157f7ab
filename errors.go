package kestrel

import (
	"fmt"
	"strconv"
	"time"
)

type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP carries the status of a failed provider HTTP call. Status 0 means
// the request never got a response (transport failure).
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses an HTTP Retry-After header value (delta-seconds or
// HTTP-date) into a duration. Returns 0 for empty or unparseable values.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// CompactionError reports that the message list could not be brought under
// the token limit even after re-summarization and head trimming.
type CompactionError struct {
	Count int
	Limit int
}

func (e *CompactionError) Error() string {
	return fmt.Sprintf("compaction failed: %d tokens exceed limit %d", e.Count, e.Limit)
}

// Terminal run reasons recorded on AgentResult.Reason and in run logs.
const (
	ReasonMaxSteps        = "max_steps_reached"
	ReasonContextOverflow = "context_overflow"
	ReasonCancelled       = "cancelled"
)
