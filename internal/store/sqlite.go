package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	tenant TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	schema_id INTEGER NOT NULL DEFAULT 0,
	version_id TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL,
	provider TEXT NOT NULL,
	status TEXT NOT NULL,
	error_kind TEXT NOT NULL DEFAULT '',
	cost REAL NOT NULL DEFAULT 0,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	context_window_usage_percent INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
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
	payload BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS versions (
	id TEXT PRIMARY KEY,
	tenant TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	schema_id INTEGER NOT NULL,
	major INTEGER NOT NULL,
	minor INTEGER NOT NULL,
	body BLOB NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS versions_schema
	ON versions (tenant, agent_id, schema_id, major DESC, minor DESC);

CREATE TABLE IF NOT EXISTS deployments (
	tenant TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	schema_id INTEGER NOT NULL,
	environment TEXT NOT NULL,
	version_id TEXT NOT NULL,
	deployed_at TIMESTAMP NOT NULL,
	PRIMARY KEY (tenant, agent_id, schema_id, environment)
);

CREATE TABLE IF NOT EXISTS feedback (
	run_id TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL,
	comment TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (run_id, user_id)
);
`

// NewSQLite opens a sqlite-backed store. path ":memory:" gives an
// ephemeral database for development mode.
func NewSQLite(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// The pure-Go driver serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	s, err := newSQLStore(db, false, sqliteSchema)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
