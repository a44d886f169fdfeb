// Package store implements the relational backing for the task queue,
// chat log, identity registry, rate limiter, and secrets vault on top
// of PostgreSQL. Atomic task claiming relies on SELECT ... FOR UPDATE
// SKIP LOCKED, which is why this is pgx rather than any embedded
// driver: concurrent workers must be able to skip rows already locked
// by another worker's in-flight claim instead of blocking on them.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the shared handle used by every other component to read and
// write durable state. It wraps a pooled pgx connection.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects to Postgres at dsn, configures the pool, verifies
// connectivity, and applies the schema if it is missing.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &Store{pool: pool, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}

	logger.Info("store connected", slog.Int("max_conns", int(cfg.MaxConns)))
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pool for callers that need raw query
// access. The rate limiter, identity registry and secrets vault go
// through narrow store interfaces instead and do not use it.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS tasks (
	id           UUID PRIMARY KEY,
	kind         TEXT NOT NULL,
	status       TEXT NOT NULL,
	script_path  TEXT,
	params       JSONB,
	prompt       TEXT,
	chat_id      UUID,
	workspace    TEXT,
	claimed_by   TEXT,
	started_at   TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	error        TEXT,
	result       JSONB,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks (status, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_chat_id ON tasks (chat_id);

CREATE TABLE IF NOT EXISTS chats (
	id            UUID PRIMARY KEY,
	tenant        TEXT NOT NULL,
	system_prompt TEXT NOT NULL,
	workspace     TEXT,
	allowed_tools JSONB,
	max_turns     INT NOT NULL DEFAULT 50,
	metadata      JSONB,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS messages (
	id            BIGSERIAL PRIMARY KEY,
	chat_id       UUID NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	role          TEXT NOT NULL,
	content       TEXT NOT NULL,
	sequence      INT NOT NULL,
	tokens_input  INT NOT NULL DEFAULT 0,
	tokens_output INT NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (chat_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_messages_chat_seq ON messages (chat_id, sequence);

CREATE TABLE IF NOT EXISTS task_events (
	id         BIGSERIAL PRIMARY KEY,
	task_id    UUID NOT NULL,
	event_type TEXT NOT NULL,
	event_data JSONB NOT NULL,
	sequence   INT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (task_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_task_events_task_seq ON task_events (task_id, sequence);

CREATE TABLE IF NOT EXISTS identities (
	id              UUID PRIMARY KEY,
	platform        TEXT NOT NULL,
	name            TEXT NOT NULL,
	account_type    TEXT NOT NULL DEFAULT 'free',
	status          TEXT NOT NULL DEFAULT 'active',
	cookie_encrypted TEXT,
	user_agent      TEXT,
	last_used_at    TIMESTAMPTZ,
	blocked_at      TIMESTAMPTZ,
	blocked_reason  TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_identities_platform ON identities (platform, last_used_at);

CREATE TABLE IF NOT EXISTS rate_limits (
	id                BIGSERIAL PRIMARY KEY,
	identity_id       UUID NOT NULL,
	action_type       TEXT NOT NULL,
	day               DATE NOT NULL,
	hourly_timestamps JSONB NOT NULL DEFAULT '[]',
	daily_count       INT NOT NULL DEFAULT 0,
	last_request_at   TIMESTAMPTZ,
	UNIQUE (identity_id, action_type, day)
);

CREATE TABLE IF NOT EXISTS secrets (
	id              BIGSERIAL PRIMARY KEY,
	key             TEXT NOT NULL,
	scope           TEXT NOT NULL,
	user_id         TEXT NOT NULL DEFAULT '',
	encrypted_value TEXT NOT NULL,
	description     TEXT,
	expires_at      TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (key, scope, user_id)
);
`

func (s *Store) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}
