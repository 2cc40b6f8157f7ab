package kestrel

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RunLogRecord is one line of a run's JSONL log.
type RunLogRecord struct {
	Seq     int    `json:"seq"`
	TS      int64  `json:"ts"` // unix millis
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// RunLogExporter receives run log records instead of the JSONL file when
// attached. Used for external observability backends.
type RunLogExporter func(RunLogRecord)

// RunLogger writes one JSONL file per run, named by the run start
// timestamp. Record types are step, request, response, tool_execution, and
// completion. Request payloads never include provider secrets. A nil
// RunLogger is a valid no-op.
type RunLogger struct {
	mu       sync.Mutex
	f        *os.File
	enc      *json.Encoder
	path     string
	seq      int
	exporter RunLogExporter
}

// NewRunLogger creates the log file under dir.
func NewRunLogger(dir string, start time.Time) (*RunLogger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run log dir: %w", err)
	}
	path := filepath.Join(dir, "run_"+start.Format("20060102_150405.000")+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	return &RunLogger{f: f, enc: json.NewEncoder(f), path: path}, nil
}

// SetExporter forwards records to fn and suppresses the file sink.
func (l *RunLogger) SetExporter(fn RunLogExporter) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.exporter = fn
	l.mu.Unlock()
}

// Path returns the log file path.
func (l *RunLogger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Log appends one record. Safe on a nil receiver.
func (l *RunLogger) Log(recType string, payload any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	rec := RunLogRecord{Seq: l.seq, TS: time.Now().UnixMilli(), Type: recType, Payload: payload}
	if l.exporter != nil {
		l.exporter(rec)
		return
	}
	if l.enc != nil {
		_ = l.enc.Encode(rec)
	}
}

// Close flushes and closes the file. Safe on a nil receiver.
func (l *RunLogger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	l.enc = nil
	return err
}
