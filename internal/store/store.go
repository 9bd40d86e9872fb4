// Package store is the SQLite persistence layer: the tasks and schedules
// tables plus the state-transition and claiming queries everything else is
// built on. All coordination between processes happens here; nothing above
// this package holds locks.
package store

import (
	"database/sql"
	"time"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  schedule_id TEXT,
  name TEXT NOT NULL,
  payload TEXT,
  group_key TEXT NOT NULL,
  group_max_concurrency INTEGER NOT NULL DEFAULT 0,
  state TEXT NOT NULL CHECK(state IN ('CREATED','STARTED','SUCCEEDED','FAILED','EXPIRED','CANCELLED')) DEFAULT 'CREATED',
  terminated INTEGER NOT NULL DEFAULT 0,
  retry_max INTEGER NOT NULL DEFAULT 0,
  retry_count INTEGER NOT NULL DEFAULT 0,
  retry_key TEXT,
  owner_key TEXT,
  created_at INTEGER NOT NULL,
  starts_after INTEGER NOT NULL,
  last_state_transition_at INTEGER NOT NULL,
  last_heartbeat_at INTEGER NOT NULL,
  created_to_started_timeout_secs INTEGER NOT NULL,
  started_to_completed_timeout_secs INTEGER NOT NULL,
  heartbeat_timeout_secs INTEGER NOT NULL,
  output TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(group_key, state, starts_after);
CREATE INDEX IF NOT EXISTS idx_tasks_schedule ON tasks(schedule_id);
CREATE INDEX IF NOT EXISTS idx_tasks_live ON tasks(state) WHERE terminated = 0;
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  state TEXT NOT NULL CHECK(state IN ('STARTED','PAUSED','DELETED')) DEFAULT 'STARTED',
  payload TEXT,
  group_key TEXT NOT NULL,
  retry_max INTEGER NOT NULL DEFAULT 0,
  starts_at INTEGER NOT NULL,
  frequency_ms INTEGER NOT NULL,
  created_to_started_timeout_secs INTEGER NOT NULL,
  started_to_completed_timeout_secs INTEGER NOT NULL,
  heartbeat_timeout_secs INTEGER NOT NULL,
  last_scheduled_task_id TEXT,
  last_scheduled_task_state TEXT,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  deleted_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(state, starts_at);
`
	_, err := db.Exec(schema)
	return err
}

// Store wraps the database handle. Timestamps are stored as unix
// milliseconds so timeout arithmetic stays integer math in SQL.
type Store struct{ db *sql.DB }

func New(db *sql.DB) *Store { return &Store{db: db} }

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func nullStr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
