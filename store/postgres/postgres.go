// Package postgres implements kestrel.SessionStore on PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	kestrel "github.com/kestrelai/kestrel"
)

// StoreOption configures a postgres Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for debug output.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store is a PostgreSQL-backed kestrel.SessionStore.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ kestrel.SessionStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...StoreOption) *Store {
	s := &Store{pool: pool, logger: nopLogger()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the session tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			owner_id   TEXT NOT NULL DEFAULT '',
			name       TEXT NOT NULL DEFAULT '',
			state      JSONB NOT NULL DEFAULT '{}',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id        TEXT PRIMARY KEY,
			session_id    TEXT NOT NULL REFERENCES sessions(session_id),
			parent_run_id TEXT NOT NULL DEFAULT '',
			runner_type   TEXT NOT NULL,
			runner_name   TEXT NOT NULL DEFAULT '',
			task          TEXT NOT NULL DEFAULT '',
			response      TEXT NOT NULL DEFAULT '',
			success       BOOLEAN NOT NULL DEFAULT FALSE,
			steps         INTEGER NOT NULL DEFAULT 0,
			started_at    BIGINT NOT NULL,
			ended_at      BIGINT NOT NULL,
			metadata      JSONB NOT NULL DEFAULT '{}',
			seq           BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_parent ON runs(parent_run_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init schema: %w", err)
		}
	}
	return nil
}

// GetOrCreate returns the session with its runs, creating it when absent.
func (s *Store) GetOrCreate(ctx context.Context, sessionID, ownerID, name string) (*kestrel.Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("postgres: empty session id")
	}
	now := time.Now().UnixMilli()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (session_id, owner_id, name, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (session_id) DO NOTHING`,
		sessionID, ownerID, name, now)
	if err != nil {
		return nil, fmt.Errorf("postgres: create session: %w", err)
	}
	return s.getSession(ctx, sessionID)
}

// AppendRun freezes rec at the end of the session's run list. The session is
// created implicitly when it does not exist yet.
func (s *Store) AppendRun(ctx context.Context, sessionID string, rec kestrel.RunRecord) error {
	if sessionID == "" {
		return fmt.Errorf("postgres: empty session id")
	}
	start := time.Now()
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal run metadata: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UnixMilli()
	// The upsert takes the session row lock, which serializes concurrent
	// appends to the same session and keeps seq ordered.
	if _, err := tx.Exec(ctx,
		`INSERT INTO sessions (session_id, created_at, updated_at)
		 VALUES ($1, $2, $2)
		 ON CONFLICT (session_id) DO UPDATE SET updated_at = EXCLUDED.updated_at`,
		sessionID, now); err != nil {
		return fmt.Errorf("postgres: touch session: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO runs (run_id, session_id, parent_run_id, runner_type, runner_name,
			task, response, success, steps, started_at, ended_at, metadata, seq)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM runs WHERE session_id = $2))`,
		rec.RunID, sessionID, rec.ParentRunID, string(rec.RunnerType), rec.RunnerName,
		rec.Task, rec.Response, rec.Success, rec.Steps,
		rec.StartedAt, rec.EndedAt, string(meta)); err != nil {
		return fmt.Errorf("postgres: insert run: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit run: %w", err)
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
	buf, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("postgres: encode state value: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions
		 SET state = jsonb_set(state, ARRAY[$2], $3::jsonb, true), updated_at = $4
		 WHERE session_id = $1`,
		sessionID, key, string(buf), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("postgres: write state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: session %q not found", sessionID)
	}
	return nil
}

// GetState reads one key of the session's state map.
func (s *Store) GetState(ctx context.Context, sessionID, key string) (any, bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state -> $2 FROM sessions WHERE session_id = $1`,
		sessionID, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("postgres: read state: %w", err)
	}
	if raw == nil {
		return nil, false, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false, fmt.Errorf("postgres: decode state value: %w", err)
	}
	return v, true, nil
}

func (s *Store) getSession(ctx context.Context, sessionID string) (*kestrel.Session, error) {
	sess := &kestrel.Session{SessionID: sessionID}
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT owner_id, name, state, created_at, updated_at
		 FROM sessions WHERE session_id = $1`, sessionID).
		Scan(&sess.OwnerID, &sess.Name, &raw, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres: session %q not found", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get session: %w", err)
	}
	if len(raw) > 0 && string(raw) != "{}" {
		if err := json.Unmarshal(raw, &sess.State); err != nil {
			return nil, fmt.Errorf("postgres: decode state: %w", err)
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
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, parent_run_id, runner_type, runner_name, task, response,
			success, steps, started_at, ended_at, metadata
		 FROM runs WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list runs: %w", err)
	}
	defer rows.Close()

	var runs []kestrel.RunRecord
	for rows.Next() {
		var r kestrel.RunRecord
		var runnerType string
		var meta []byte
		if err := rows.Scan(&r.RunID, &r.ParentRunID, &runnerType, &r.RunnerName,
			&r.Task, &r.Response, &r.Success, &r.Steps,
			&r.StartedAt, &r.EndedAt, &meta); err != nil {
			return nil, fmt.Errorf("postgres: scan run: %w", err)
		}
		r.RunnerType = kestrel.RunnerType(runnerType)
		if len(meta) > 0 && string(meta) != "{}" {
			if err := json.Unmarshal(meta, &r.Metadata); err != nil {
				return nil, fmt.Errorf("postgres: decode run metadata: %w", err)
			}
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
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
