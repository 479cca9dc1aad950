package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// migration is one idempotent, numbered schema change. Migrations are never
// reordered or rewritten after release; new ones are only ever appended.
type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		name:    "initial_schema",
		sql: `
CREATE TABLE IF NOT EXISTS id_sequences (
	prefix     TEXT PRIMARY KEY,
	next_value INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS groups (
	id           TEXT PRIMARY KEY,
	title        TEXT NOT NULL,
	origin       TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'active',
	created_by   TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	completed_at TEXT
);

CREATE TABLE IF NOT EXISTS tasks (
	id               TEXT PRIMARY KEY,
	group_id         TEXT NOT NULL REFERENCES groups(id),
	parent_id        TEXT REFERENCES tasks(id),
	title            TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	task_type        TEXT NOT NULL,
	priority         TEXT NOT NULL DEFAULT 'medium',
	assigned_to      TEXT NOT NULL,
	claimed_by       TEXT,
	status           TEXT NOT NULL,
	created_by       TEXT NOT NULL,
	created_at       TEXT NOT NULL,
	started_at       TEXT,
	completed_at     TEXT,
	rejection_reason TEXT,
	revision_of      TEXT REFERENCES tasks(id),
	output_text      TEXT
);

CREATE TABLE IF NOT EXISTS task_dependencies (
	task_id         TEXT NOT NULL REFERENCES tasks(id),
	blocked_by_id   TEXT NOT NULL REFERENCES tasks(id),
	resolved        INTEGER NOT NULL DEFAULT 0,
	resolved_at     TEXT,
	PRIMARY KEY (task_id, blocked_by_id)
);

CREATE TABLE IF NOT EXISTS agent_instances (
	instance_id    TEXT PRIMARY KEY,
	role           TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'idle',
	current_task   TEXT,
	started_at     TEXT NOT NULL,
	last_heartbeat TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	task_id    TEXT,
	group_id   TEXT,
	agent_id   TEXT,
	data       TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS task_usage (
	task_id       TEXT PRIMARY KEY REFERENCES tasks(id),
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd      REAL NOT NULL DEFAULT 0,
	wall_time_ms  INTEGER NOT NULL DEFAULT 0,
	turns         INTEGER NOT NULL DEFAULT 0,
	model         TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_tasks_assigned_status ON tasks(assigned_to, status);
CREATE INDEX IF NOT EXISTS idx_tasks_group_status ON tasks(group_id, status);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);
CREATE INDEX IF NOT EXISTS idx_deps_blocked_by ON task_dependencies(blocked_by_id);
CREATE INDEX IF NOT EXISTS idx_events_type_created ON events(event_type, created_at);
`,
	},
	{
		version: 2,
		name:    "schedules",
		sql: `
CREATE TABLE IF NOT EXISTS schedules (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	cron_expr    TEXT NOT NULL,
	title        TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	enabled      INTEGER NOT NULL DEFAULT 1,
	next_run_at  TEXT,
	last_run_at  TEXT,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);
`,
	},
}

// initSchema applies the migration ledger: a migration runs iff its version
// exceeds the highest version already recorded. Each migration runs in its
// own transaction and is recorded in schema_migrations on success.
func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.writeDB.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version     INTEGER PRIMARY KEY,
	name        TEXT NOT NULL,
	applied_at  TEXT NOT NULL
)`); err != nil {
		return fmt.Errorf("store: create migration ledger: %w", err)
	}

	applied, err := s.appliedVersions(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("store: migration %d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

func (s *Store) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := s.writeDB.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("store: read migration ledger: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.version, m.name, s.Now().Format(timeFormat)); err != nil {
		return err
	}
	return tx.Commit()
}

// timeFormat is the UTC ISO-8601 layout every timestamp column is stored in.
const timeFormat = "2006-01-02T15:04:05.000000Z"

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

func nullableString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullableTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func toNullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func toNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(timeFormat), Valid: true}
}
