package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	tenant TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	schema_id INT NOT NULL DEFAULT 0,
	version_id TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL,
	provider TEXT NOT NULL,
	status TEXT NOT NULL,
	error_kind TEXT NOT NULL DEFAULT '',
	cost DOUBLE PRECISION NOT NULL DEFAULT 0,
	input_tokens INT NOT NULL DEFAULT 0,
	output_tokens INT NOT NULL DEFAULT 0,
	context_window_usage_percent INT NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	body_digest TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_tenant_agent_created
	ON runs (tenant, agent_id, created_at DESC);
CREATE INDEX IF NOT EXISTS runs_tenant_model ON runs (tenant, model);
CREATE INDEX IF NOT EXISTS runs_tenant_status ON runs (tenant, status);

CREATE TABLE IF NOT EXISTS run_metadata (
	run_id TEXT NOT NULL,
	tenant TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (run_id, key)
);
CREATE INDEX IF NOT EXISTS run_metadata_kv ON run_metadata (tenant, key, value);

CREATE TABLE IF NOT EXISTS blobs (
	digest TEXT PRIMARY KEY,
	payload BYTEA NOT NULL
);

CREATE TABLE IF NOT EXISTS versions (
	id TEXT PRIMARY KEY,
	tenant TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	schema_id INT NOT NULL,
	major INT NOT NULL,
	minor INT NOT NULL,
	body BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS versions_schema
	ON versions (tenant, agent_id, schema_id, major DESC, minor DESC);

CREATE TABLE IF NOT EXISTS deployments (
	tenant TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	schema_id INT NOT NULL,
	environment TEXT NOT NULL,
	version_id TEXT NOT NULL,
	deployed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant, agent_id, schema_id, environment)
);

CREATE TABLE IF NOT EXISTS feedback (
	run_id TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL,
	comment TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, user_id)
);
`

// NewPostgres opens a postgres-backed store from a connection string.
func NewPostgres(connString string) (*SQLStore, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}

	s, err := newSQLStore(db, true, postgresSchema)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
