// Package memory implements kestrel.SessionStore entirely in process memory.
// Useful for tests and for short-lived agents that do not need persistence
// across restarts.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	kestrel "github.com/kestrelai/kestrel"
)

// Store is an in-memory kestrel.SessionStore. Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*kestrel.Session
}

var _ kestrel.SessionStore = (*Store)(nil)

// New creates an empty in-memory session store.
func New() *Store {
	return &Store{sessions: make(map[string]*kestrel.Session)}
}

// GetOrCreate returns a deep copy of the session, creating it when absent.
func (s *Store) GetOrCreate(_ context.Context, sessionID, ownerID, name string) (*kestrel.Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("memory: empty session id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		now := time.Now().UnixMilli()
		sess = &kestrel.Session{
			SessionID: sessionID,
			OwnerID:   ownerID,
			Name:      name,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.sessions[sessionID] = sess
	}
	return copySession(sess), nil
}

// AppendRun freezes rec at the end of the session's run list. The session is
// created implicitly when it does not exist yet.
func (s *Store) AppendRun(_ context.Context, sessionID string, rec kestrel.RunRecord) error {
	if sessionID == "" {
		return fmt.Errorf("memory: empty session id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		now := time.Now().UnixMilli()
		sess = &kestrel.Session{SessionID: sessionID, CreatedAt: now}
		s.sessions[sessionID] = sess
	}
	sess.Runs = append(sess.Runs, rec)
	sess.UpdatedAt = time.Now().UnixMilli()
	return nil
}

// HistoryContext formats the last n top-level runs as a history block.
func (s *Store) HistoryContext(_ context.Context, sessionID string, n int) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return "", nil
	}
	return kestrel.FormatHistory(sess.Runs, n), nil
}

// SetState writes one key of the session's free-form state map.
func (s *Store) SetState(_ context.Context, sessionID, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("memory: session %q not found", sessionID)
	}
	if sess.State == nil {
		sess.State = make(map[string]any)
	}
	sess.State[key] = value
	sess.UpdatedAt = time.Now().UnixMilli()
	return nil
}

// GetState reads one key of the session's state map.
func (s *Store) GetState(_ context.Context, sessionID, key string) (any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, false, nil
	}
	v, ok := sess.State[key]
	return v, ok, nil
}

// copySession returns a deep enough copy that callers cannot mutate the
// store's internal state through the returned pointer.
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
