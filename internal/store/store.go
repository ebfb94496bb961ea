// Package store provides SQLite-backed persistence for engine state:
// organizations, connections, workflows, executions, usage counters,
// rate-limit observations, dedup records, and connector descriptors. It also
// exposes a generic key-scoped blob store with prefix listing and
// compare-and-set, which is the contract the rest of the engine codes
// against.
package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for engine state.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS organizations (
	id TEXT PRIMARY KEY,
	max_concurrent INTEGER NOT NULL,
	max_per_minute INTEGER NOT NULL,
	max_per_month INTEGER NOT NULL,
	beta_opt_in BOOLEAN NOT NULL DEFAULT 0,
	period_anchor_day INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS connections (
	id TEXT PRIMARY KEY,
	connector_slug TEXT NOT NULL,
	org_id TEXT NOT NULL,
	auth_type TEXT NOT NULL,
	access_token TEXT NOT NULL DEFAULT '',
	refresh_token TEXT NOT NULL DEFAULT '',
	expires_at DATETIME,
	token_type TEXT NOT NULL DEFAULT '',
	scope TEXT NOT NULL DEFAULT '',
	client_id TEXT NOT NULL DEFAULT '',
	client_secret TEXT NOT NULL DEFAULT '',
	username TEXT NOT NULL DEFAULT '',
	secret TEXT NOT NULL DEFAULT '',
	api_key TEXT NOT NULL DEFAULT '',
	token_url TEXT NOT NULL DEFAULT '',
	tenant_context TEXT NOT NULL DEFAULT '',
	base_url_override TEXT NOT NULL DEFAULT '',
	token_version INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS workflows (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	owner_id TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL DEFAULT 1,
	definition TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	org_id TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'queued',
	trigger_event_id TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	connector_slug TEXT NOT NULL DEFAULT '',
	error_kind TEXT NOT NULL DEFAULT '',
	total_nodes INTEGER NOT NULL DEFAULT 0,
	completed_nodes INTEGER NOT NULL DEFAULT 0,
	failed_nodes INTEGER NOT NULL DEFAULT 0,
	skipped_nodes INTEGER NOT NULL DEFAULT 0,
	tags TEXT NOT NULL DEFAULT '[]',
	started_at DATETIME,
	ended_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS node_executions (
	execution_id TEXT NOT NULL,
	node_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	input TEXT NOT NULL DEFAULT '',
	output TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	error_kind TEXT NOT NULL DEFAULT '',
	started_at DATETIME,
	ended_at DATETIME,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	cost_micros INTEGER NOT NULL DEFAULT 0,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	cache_hit BOOLEAN NOT NULL DEFAULT 0,
	PRIMARY KEY (execution_id, node_id)
);

CREATE TABLE IF NOT EXISTS usage_counters (
	org_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	period TEXT NOT NULL,
	api_calls INTEGER NOT NULL DEFAULT 0,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	workflow_runs INTEGER NOT NULL DEFAULT 0,
	storage_bytes INTEGER NOT NULL DEFAULT 0,
	cost_micros INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (org_id, user_id, period)
);

CREATE TABLE IF NOT EXISTS usage_alerts (
	user_id TEXT NOT NULL,
	quota_type TEXT NOT NULL,
	bucket TEXT NOT NULL,
	alert_type TEXT NOT NULL,
	pct INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (user_id, quota_type, bucket)
);

CREATE TABLE IF NOT EXISTS rate_limits (
	connection_id TEXT NOT NULL,
	endpoint_class TEXT NOT NULL,
	limit_total INTEGER NOT NULL DEFAULT 0,
	remaining INTEGER NOT NULL DEFAULT 0,
	reset_at DATETIME,
	retry_after_ms INTEGER NOT NULL DEFAULT 0,
	observed_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (connection_id, endpoint_class)
);

CREATE TABLE IF NOT EXISTS dedup_records (
	connector_slug TEXT NOT NULL,
	trigger_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	execution_id TEXT NOT NULL,
	first_seen_at DATETIME NOT NULL DEFAULT (datetime('now')),
	expires_at DATETIME NOT NULL,
	PRIMARY KEY (connector_slug, trigger_id, event_id)
);

CREATE TABLE IF NOT EXISTS connector_descriptors (
	slug TEXT PRIMARY KEY,
	descriptor TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS runner_heartbeats (
	execution_id TEXT PRIMARY KEY,
	beat_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_executions_org_status ON executions(org_id, status);
CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions(workflow_id);
CREATE INDEX IF NOT EXISTS idx_executions_started ON executions(started_at);
CREATE INDEX IF NOT EXISTS idx_executions_connector ON executions(connector_slug);
CREATE INDEX IF NOT EXISTS idx_connections_org_slug ON connections(org_id, connector_slug);
CREATE INDEX IF NOT EXISTS idx_dedup_expires ON dedup_records(expires_at);
CREATE INDEX IF NOT EXISTS idx_node_exec_execution ON node_executions(execution_id);
`

// Open creates or opens a SQLite database at the given path and ensures the
// schema exists.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for components that manage their own
// statements.
func (s *Store) DB() *sql.DB {
	return s.db
}

// KVEntry is one row of the generic key-scoped store.
type KVEntry struct {
	Key     string
	Value   string
	Version int64
}

// Get returns the entry for key, or (nil, nil) when absent.
func (s *Store) Get(ctx context.Context, key string) (*KVEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT key, value, version FROM kv WHERE key = ?`, key)
	var e KVEntry
	if err := row.Scan(&e.Key, &e.Value, &e.Version); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("kv get %q: %w", key, err)
	}
	return &e, nil
}

// Put inserts or replaces the value for key, bumping its version.
func (s *Store) Put(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, version, updated_at) VALUES (?, ?, 1, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, version = kv.version + 1, updated_at = datetime('now')`,
		key, value)
	if err != nil {
		return fmt.Errorf("kv put %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("kv delete %q: %w", key, err)
	}
	return nil
}

// CompareAndSet writes value only if the current version matches expected.
// An expected version of 0 means "create, must not exist". Returns false
// without error on a version conflict.
func (s *Store) CompareAndSet(ctx context.Context, key, value string, expected int64) (bool, error) {
	if expected == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO kv (key, value, version) VALUES (?, ?, 1)`, key, value)
		if err != nil {
			return false, fmt.Errorf("kv cas create %q: %w", key, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("kv cas create %q: %w", key, err)
		}
		return n > 0, nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE kv SET value = ?, version = version + 1, updated_at = datetime('now')
		WHERE key = ? AND version = ?`, value, key, expected)
	if err != nil {
		return false, fmt.Errorf("kv cas %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("kv cas %q: %w", key, err)
	}
	return n > 0, nil
}

// List returns up to limit entries whose key starts with prefix, ordered by
// key, resuming after cursor. The returned cursor is empty on the final page.
func (s *Store) List(ctx context.Context, prefix, cursor string, limit int) ([]KVEntry, string, error) {
	if limit <= 0 {
		limit = 100
	}
	after := ""
	if cursor != "" {
		decoded, err := base64.RawURLEncoding.DecodeString(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("kv list: invalid cursor")
		}
		after = string(decoded)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, version FROM kv
		WHERE key >= ? AND key < ? AND key > ?
		ORDER BY key LIMIT ?`,
		prefix, prefixUpperBound(prefix), after, limit+1)
	if err != nil {
		return nil, "", fmt.Errorf("kv list %q: %w", prefix, err)
	}
	defer rows.Close()

	var entries []KVEntry
	for rows.Next() {
		var e KVEntry
		if err := rows.Scan(&e.Key, &e.Value, &e.Version); err != nil {
			return nil, "", fmt.Errorf("kv list scan: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("kv list %q: %w", prefix, err)
	}

	next := ""
	if len(entries) > limit {
		entries = entries[:limit]
		next = base64.RawURLEncoding.EncodeToString([]byte(entries[len(entries)-1].Key))
	}
	return entries, next, nil
}

// prefixUpperBound returns the smallest string greater than every string with
// the given prefix, for use as an exclusive range end. An empty prefix scans
// the whole keyspace.
func prefixUpperBound(prefix string) string {
	if prefix == "" {
		return "￿"
	}
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return prefix + "￿"
}

