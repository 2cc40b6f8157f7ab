// Package file implements kestrel.SessionStore on the local filesystem.
//
// Each session lives in one append-only JSONL file under the base directory,
// named <session_id>.jsonl. Every line is an envelope record: a session
// header, an appended run, or a state update. Loading a session replays the
// file in order, so committed runs are never rewritten.
package file

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	kestrel "github.com/kestrelai/kestrel"
)

// StoreOption configures a file Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for debug output.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// record is one JSONL line in a session file.
type record struct {
	Type    string             `json:"type"` // "session", "run", or "state"
	Session *kestrel.Session   `json:"session,omitempty"`
	Run     *kestrel.RunRecord `json:"run,omitempty"`
	Key     string             `json:"key,omitempty"`
	Value   any                `json:"value,omitempty"`
	TS      int64              `json:"ts"`
}

// Store is a filesystem-backed kestrel.SessionStore. Safe for concurrent use;
// writes to the same session are serialized by a store-wide mutex.
type Store struct {
	mu     sync.Mutex
	dir    string
	logger *slog.Logger
	cache  map[string]*kestrel.Session
}

var _ kestrel.SessionStore = (*Store)(nil)

// New creates a file store rooted at dir, creating the directory if needed.
func New(dir string, opts ...StoreOption) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file: create base dir: %w", err)
	}
	s := &Store{
		dir:    dir,
		logger: nopLogger(),
		cache:  make(map[string]*kestrel.Session),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Dir returns the base directory holding session files.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(sessionID string) (string, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) || sessionID == "." || sessionID == ".." {
		return "", fmt.Errorf("file: invalid session id %q", sessionID)
	}
	return filepath.Join(s.dir, sessionID+".jsonl"), nil
}

// GetOrCreate returns the session, creating its file when absent.
func (s *Store) GetOrCreate(_ context.Context, sessionID, ownerID, name string) (*kestrel.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.load(sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		now := time.Now().UnixMilli()
		sess = &kestrel.Session{
			SessionID: sessionID,
			OwnerID:   ownerID,
			Name:      name,
			CreatedAt: now,
			UpdatedAt: now,
		}
		header := *sess
		if err := s.appendRecord(sessionID, record{Type: "session", Session: &header, TS: now}); err != nil {
			return nil, err
		}
		s.cache[sessionID] = sess
		s.logger.Debug("session created", "session_id", sessionID, "path", s.dir)
	}
	return copySession(sess), nil
}

// AppendRun freezes rec at the end of the session's run list. The session is
// created implicitly when it does not exist yet.
func (s *Store) AppendRun(_ context.Context, sessionID string, rec kestrel.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.load(sessionID)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	if sess == nil {
		sess = &kestrel.Session{SessionID: sessionID, CreatedAt: now}
		header := *sess
		if err := s.appendRecord(sessionID, record{Type: "session", Session: &header, TS: now}); err != nil {
			return err
		}
		s.cache[sessionID] = sess
	}
	if err := s.appendRecord(sessionID, record{Type: "run", Run: &rec, TS: now}); err != nil {
		return err
	}
	sess.Runs = append(sess.Runs, rec)
	sess.UpdatedAt = now
	s.logger.Debug("run appended", "session_id", sessionID, "run_id", rec.RunID, "runner", rec.RunnerName)
	return nil
}

// HistoryContext formats the last n top-level runs as a history block.
func (s *Store) HistoryContext(_ context.Context, sessionID string, n int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.load(sessionID)
	if err != nil || sess == nil {
		return "", err
	}
	return kestrel.FormatHistory(sess.Runs, n), nil
}

// SetState writes one key of the session's free-form state map.
func (s *Store) SetState(_ context.Context, sessionID, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.load(sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("file: session %q not found", sessionID)
	}
	now := time.Now().UnixMilli()
	if err := s.appendRecord(sessionID, record{Type: "state", Key: key, Value: value, TS: now}); err != nil {
		return err
	}
	if sess.State == nil {
		sess.State = make(map[string]any)
	}
	sess.State[key] = value
	sess.UpdatedAt = now
	return nil
}

// GetState reads one key of the session's state map.
func (s *Store) GetState(_ context.Context, sessionID, key string) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.load(sessionID)
	if err != nil || sess == nil {
		return nil, false, err
	}
	v, ok := sess.State[key]
	return v, ok, nil
}

// load returns the cached session, replaying its file on first access.
// Returns (nil, nil) when the session does not exist. Caller holds s.mu.
func (s *Store) load(sessionID string) (*kestrel.Session, error) {
	if sess, ok := s.cache[sessionID]; ok {
		return sess, nil
	}
	path, err := s.path(sessionID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file: open session %q: %w", sessionID, err)
	}
	defer f.Close()

	sess := &kestrel.Session{SessionID: sessionID}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			// A torn final line from a crashed writer is tolerated.
			s.logger.Warn("skipping malformed session record", "session_id", sessionID, "error", err)
			continue
		}
		switch rec.Type {
		case "session":
			if rec.Session != nil {
				hdr := *rec.Session
				hdr.Runs, hdr.State = sess.Runs, sess.State
				*sess = hdr
			}
		case "run":
			if rec.Run != nil {
				sess.Runs = append(sess.Runs, *rec.Run)
			}
			sess.UpdatedAt = rec.TS
		case "state":
			if sess.State == nil {
				sess.State = make(map[string]any)
			}
			sess.State[rec.Key] = rec.Value
			sess.UpdatedAt = rec.TS
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("file: read session %q: %w", sessionID, err)
	}
	s.cache[sessionID] = sess
	return sess, nil
}

// appendRecord writes one JSONL line to the session file. Caller holds s.mu.
func (s *Store) appendRecord(sessionID string, rec record) error {
	path, err := s.path(sessionID)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("file: open session %q for append: %w", sessionID, err)
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("file: marshal record: %w", err)
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("file: append record: %w", err)
	}
	return nil
}

func copySession(in *kestrel.Session) *kestrel.Session {
	out := *in
	out.Runs = append([]kestrel.RunRecord(nil), in.Runs...)
	if in.State != nil {
		out.State = make(map[string]any, len(in.State))
		for k, v := range in.State {
			out.State[k] = v
		}
	}
	return &out
}

// nopLogger returns a logger that discards everything.
func nopLogger() *slog.Logger {
	return slog.New(discardHandler{})
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }
