package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id             TEXT PRIMARY KEY,
	workspace_id   TEXT NOT NULL,
	title          TEXT NOT NULL,
	inputs         TEXT NOT NULL DEFAULT '{}',
	state          TEXT NOT NULL DEFAULT 'OPEN',
	token_limit    INTEGER NOT NULL DEFAULT 0,
	seconds_limit  INTEGER NOT NULL DEFAULT 0,
	root_step_id   TEXT,
	spent_tokens   INTEGER NOT NULL DEFAULT 0,
	started_at     INTEGER,
	finished_at    INTEGER,
	created_by     TEXT,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_workspace ON tasks(workspace_id, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state, workspace_id);

CREATE TABLE IF NOT EXISTS steps (
	id              TEXT PRIMARY KEY,
	task_id         TEXT NOT NULL,
	seq             INTEGER NOT NULL DEFAULT 0,
	type            TEXT NOT NULL,
	control         TEXT,
	capability_key  TEXT,
	assigned_to     TEXT,
	inputs          TEXT NOT NULL DEFAULT '{}',
	deps            TEXT NOT NULL DEFAULT '[]',
	state           TEXT NOT NULL DEFAULT 'QUEUED',
	result          TEXT,
	retries         INTEGER NOT NULL DEFAULT 0,
	idempotency_key TEXT,
	started_at      INTEGER,
	finished_at     INTEGER,
	error           TEXT,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_steps_task_state ON steps(task_id, state);
CREATE INDEX IF NOT EXISTS idx_steps_idempotency ON steps(idempotency_key);

CREATE TABLE IF NOT EXISTS step_deps (
	task_id  TEXT NOT NULL,
	step_id  TEXT NOT NULL,
	dep_id   TEXT NOT NULL,
	PRIMARY KEY (step_id, dep_id)
);
CREATE INDEX IF NOT EXISTS idx_step_deps_dep ON step_deps(task_id, dep_id);

CREATE TABLE IF NOT EXISTS step_runs (
	id           TEXT PRIMARY KEY,
	step_id      TEXT NOT NULL,
	task_id      TEXT NOT NULL,
	attempt      INTEGER NOT NULL DEFAULT 0,
	shape        TEXT NOT NULL,
	status       TEXT NOT NULL,
	result       TEXT,
	error        TEXT,
	started_at   INTEGER NOT NULL,
	completed_at INTEGER,
	duration     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_step_runs_step ON step_runs(step_id);
CREATE INDEX IF NOT EXISTS idx_step_runs_started_at ON step_runs(started_at);

CREATE TABLE IF NOT EXISTS employees (
	id           TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	name         TEXT NOT NULL,
	description  TEXT,
	active       INTEGER NOT NULL DEFAULT 1,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_employees_workspace ON employees(workspace_id, active);

CREATE TABLE IF NOT EXISTS employee_capabilities (
	employee_id    TEXT NOT NULL,
	capability_key TEXT NOT NULL,
	PRIMARY KEY (employee_id, capability_key)
);

CREATE TABLE IF NOT EXISTS documents (
	id           TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	text         TEXT NOT NULL,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_workspace ON documents(workspace_id);
`

// Open opens the SQLite database at path and applies the schema.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer; every state transition is one statement on this connection.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return db, nil
}

func toUnix(t time.Time) int64 {
	return t.UnixMilli()
}

func nullUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromUnix(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromUnix(v.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n > 0, nil
}
