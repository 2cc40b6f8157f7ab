// Package sqlite implements kestrel.SessionStore using SQLite via the pure-Go
// modernc.org/sqlite driver (no CGO required).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	kestrel "github.com/kestrelai/kestrel"
)

// StoreOption configures a sqlite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for debug output.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store is a SQLite-backed kestrel.SessionStore.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ kestrel.SessionStore = (*Store)(nil)

// New creates a Store backed by the SQLite database at dbPath.
// Call Init to create tables before first use.
func New(dbPath string, opts ...StoreOption) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	// SQLite allows one writer at a time. A single connection serializes
	// access and avoids SQLITE_BUSY under concurrent appends.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: nopLogger()}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// DB exposes the underlying database handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Init creates the session tables. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			owner_id   TEXT NOT NULL DEFAULT '',
			name       TEXT NOT NULL DEFAULT '',
			state      TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id        TEXT PRIMARY KEY,
			session_id    TEXT NOT NULL,
			parent_run_id TEXT NOT NULL DEFAULT '',
			runner_type   TEXT NOT NULL,
			runner_name   TEXT NOT NULL DEFAULT '',
			task          TEXT NOT NULL DEFAULT '',
			response      TEXT NOT NULL DEFAULT '',
			success       INTEGER NOT NULL DEFAULT 0,
			steps         INTEGER NOT NULL DEFAULT 0,
			started_at    INTEGER NOT NULL,
			ended_at      INTEGER NOT NULL,
			metadata      TEXT NOT NULL DEFAULT '{}',
			seq           INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_parent ON runs(parent_run_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: init schema: %w", err)
		}
	}
	return nil
}

// GetOrCreate returns the session with its runs, creating it when absent.
func (s *Store) GetOrCreate(ctx context.Context, sessionID, ownerID, name string) (*kestrel.Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("sqlite: empty session id")
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, owner_id, name, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		sessionID, ownerID, name, now, now)
	if err != nil {
		return nil, fmt.Errorf("sqlite: create session: %w", err)
	}
	return s.getSession(ctx, sessionID)
}

// AppendRun freezes rec at the end of the session's run list. The session is
// created implicitly when it does not exist yet.
func (s *Store) AppendRun(ctx context.Context, sessionID string, rec kestrel.RunRecord) error {
	if sessionID == "" {
		return fmt.Errorf("sqlite: empty session id")
	}
	start := time.Now()
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("sqlite: marshal run metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (session_id, created_at, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET updated_at = excluded.updated_at`,
		sessionID, now, now); err != nil {
		return fmt.Errorf("sqlite: touch session: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, session_id, parent_run_id, runner_type, runner_name,
			task, response, success, steps, started_at, ended_at, metadata, seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM runs WHERE session_id = ?))`,
		rec.RunID, sessionID, rec.ParentRunID, string(rec.RunnerType), rec.RunnerName,
		rec.Task, rec.Response, boolInt(rec.Success), rec.Steps,
		rec.StartedAt, rec.EndedAt, string(meta), sessionID); err != nil {
		return fmt.Errorf("sqlite: insert run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit run: %w", err)
	}
	s.logger.Debug("run appended", "session_id", sessionID, "run_id", rec.RunID,
		"duration", time.Since(start))
	return nil
}

// HistoryContext formats the last n top-level runs as a history block.
func (s *Store) HistoryContext(ctx context.Context, sessionID string, n int) (string, error) {
	runs, err := s.listRuns(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return kestrel.FormatHistory(runs, n), nil
}

// SetState writes one key of the session's free-form state map.
func (s *Store) SetState(ctx context.Context, sessionID, key string, value any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM sessions WHERE session_id = ?`, sessionID).Scan(&raw)
	if err == sql.ErrNoRows {
		return fmt.Errorf("sqlite: session %q not found", sessionID)
	}
	if err != nil {
		return fmt.Errorf("sqlite: read state: %w", err)
	}

	state := make(map[string]any)
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			return fmt.Errorf("sqlite: decode state: %w", err)
		}
	}
	state[key] = value
	buf, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("sqlite: encode state: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET state = ?, updated_at = ? WHERE session_id = ?`,
		string(buf), time.Now().UnixMilli(), sessionID); err != nil {
		return fmt.Errorf("sqlite: write state: %w", err)
	}
	return tx.Commit()
}

// GetState reads one key of the session's state map.
func (s *Store) GetState(ctx context.Context, sessionID, key string) (any, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM sessions WHERE session_id = ?`, sessionID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: read state: %w", err)
	}
	state := make(map[string]any)
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			return nil, false, fmt.Errorf("sqlite: decode state: %w", err)
		}
	}
	v, ok := state[key]
	return v, ok, nil
}

func (s *Store) getSession(ctx context.Context, sessionID string) (*kestrel.Session, error) {
	sess := &kestrel.Session{SessionID: sessionID}
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT owner_id, name, state, created_at, updated_at
		 FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&sess.OwnerID, &sess.Name, &raw, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sqlite: session %q not found", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get session: %w", err)
	}
	if raw != "" && raw != "{}" {
		if err := json.Unmarshal([]byte(raw), &sess.State); err != nil {
			return nil, fmt.Errorf("sqlite: decode state: %w", err)
		}
	}
	runs, err := s.listRuns(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess.Runs = runs
	return sess, nil
}

func (s *Store) listRuns(ctx context.Context, sessionID string) ([]kestrel.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, parent_run_id, runner_type, runner_name, task, response,
			success, steps, started_at, ended_at, metadata
		 FROM runs WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list runs: %w", err)
	}
	defer rows.Close()

	var runs []kestrel.RunRecord
	for rows.Next() {
		var r kestrel.RunRecord
		var runnerType, meta string
		var success int
		if err := rows.Scan(&r.RunID, &r.ParentRunID, &runnerType, &r.RunnerName,
			&r.Task, &r.Response, &success, &r.Steps,
			&r.StartedAt, &r.EndedAt, &meta); err != nil {
			return nil, fmt.Errorf("sqlite: scan run: %w", err)
		}
		r.RunnerType = kestrel.RunnerType(runnerType)
		r.Success = success != 0
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
				return nil, fmt.Errorf("sqlite: decode run metadata: %w", err)
			}
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
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
