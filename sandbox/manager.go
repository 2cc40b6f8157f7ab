package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	kestrel "github.com/kestrelai/kestrel"
)

// SessionCleaner is implemented by runners that can free a session's
// workspace in the sandbox service. HTTPRunner implements it.
type SessionCleaner interface {
	CleanupSession(ctx context.Context, sessionID string) error
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// ManagerLogger sets a structured logger for session lifecycle events.
func ManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// Manager tracks sandbox sessions and evicts idle ones after a TTL.
// Each agent session that uses a sandboxed tool gets a workspace keyed by
// its session id inside the sandbox service; the Manager's janitor frees
// workspaces that have been idle longer than the TTL.
type Manager struct {
	runner Runner
	ttl    time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	lastUsed map[string]time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// NewManager creates a Manager over runner. ttl <= 0 uses the default
// (kestrel.DefaultSandboxTTL seconds). The janitor goroutine runs until
// Close is called.
func NewManager(runner Runner, ttl time.Duration, opts ...ManagerOption) *Manager {
	if ttl <= 0 {
		ttl = time.Duration(kestrel.DefaultSandboxTTL()) * time.Second
	}
	m := &Manager{
		runner:   runner,
		ttl:      ttl,
		logger:   slog.Default(),
		lastUsed: make(map[string]time.Time),
		stop:     make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	go m.janitor()
	return m
}

// Substitute returns a copy of base with sandboxed execution tools
// registered for sessionID. Sandbox registrations shadow same-named native
// tools; the registry logs a warning for each shadow.
func (m *Manager) Substitute(base *kestrel.Registry, sessionID string, dispatch DispatchFunc) *kestrel.Registry {
	reg := base.Clone()
	reg.Register(&execTool{mgr: m, sessionID: sessionID, dispatch: dispatch})
	return reg
}

// Touch records activity for sessionID, resetting its idle clock.
func (m *Manager) Touch(sessionID string) {
	if sessionID == "" {
		return
	}
	m.mu.Lock()
	m.lastUsed[sessionID] = time.Now()
	m.mu.Unlock()
}

// Close stops the janitor. Live workspaces are left for the sandbox
// service's own lifecycle.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Manager) janitor() {
	tick := time.NewTicker(m.ttl / 4)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			m.evictExpired()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) evictExpired() {
	cutoff := time.Now().Add(-m.ttl)

	m.mu.Lock()
	var expired []string
	for id, t := range m.lastUsed {
		if t.Before(cutoff) {
			expired = append(expired, id)
			delete(m.lastUsed, id)
		}
	}
	m.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	cleaner, _ := m.runner.(SessionCleaner)
	for _, id := range expired {
		if cleaner != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := cleaner.CleanupSession(ctx, id); err != nil {
				m.logger.Warn("sandbox session cleanup failed", "session_id", id, "error", err)
			}
			cancel()
		}
		m.logger.Debug("sandbox session expired", "session_id", id, "ttl", m.ttl)
	}
}

// CleanupSession frees the session workspace in the sandbox service.
func (r *HTTPRunner) CleanupSession(ctx context.Context, sessionID string) error {
	url := r.cfg.sandboxURL + "/sessions/" + sessionID
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("sandbox returned %d", resp.StatusCode)
	}
	return nil
}
