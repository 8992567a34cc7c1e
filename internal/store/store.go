// Package store opens the shared governance database. Budgets, approvals,
// the audit chain, and pipeline runs all live in one SQLite file; every
// mutation goes through the package APIs built on top of it (internal/budget,
// internal/approval, internal/audit, internal/pipeline), never through ad hoc
// queries, so chain and budget invariants hold.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	timestamp TIMESTAMP NOT NULL,
	actor TEXT NOT NULL DEFAULT '',
	tool_id TEXT,
	tool_version TEXT,
	schema_id TEXT,
	input_hash TEXT NOT NULL,
	policy_decision TEXT NOT NULL CHECK (policy_decision IN ('allow','deny','approve_required','dry_run')),
	costs_json TEXT,
	outcome TEXT NOT NULL CHECK (outcome IN ('success','failure','blocked','dry_run')),
	artifact_manifest_hash TEXT,
	dry_run INTEGER NOT NULL DEFAULT 0,
	chain_prev_hash TEXT,
	chain_this_hash TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_workspace ON audit_log(workspace_id);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);

CREATE TABLE IF NOT EXISTS approvals (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	actor TEXT,
	scope TEXT NOT NULL,
	payload_hash TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('pending','approved','denied')),
	decided_at TIMESTAMP,
	decision_reason TEXT,
	chain_prev_hash TEXT,
	chain_this_hash TEXT NOT NULL,
	chain_seq INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_approvals_workspace ON approvals(workspace_id);
CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);

CREATE TABLE IF NOT EXISTS budgets (
	workspace_id TEXT NOT NULL,
	category TEXT NOT NULL,
	period TEXT NOT NULL CHECK (period IN ('hour','day','week','month')),
	cap REAL NOT NULL,
	used REAL NOT NULL DEFAULT 0,
	window_start TIMESTAMP NOT NULL,
	PRIMARY KEY (workspace_id, category)
);

CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	pipeline_id TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('pending','running','succeeded','failed')),
	started_at TIMESTAMP NOT NULL,
	ended_at TIMESTAMP,
	dry_run INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_runs_workspace ON runs(workspace_id);
`

// Open opens (creating if needed) the governance database at path and
// ensures the schema exists.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening governance database: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating governance schema: %w", err)
	}
	return db, nil
}
