package store

import (
	"database/sql"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  scheduler_id TEXT NOT NULL,
  organisation TEXT NOT NULL,
  type TEXT NOT NULL,
  hash TEXT NOT NULL,
  priority INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL CHECK(status IN ('pending','queued','dispatched','running','completed','failed','cancelled')) DEFAULT 'pending',
  data BLOB NOT NULL,
  schedule_id TEXT,
  deduplication_key TEXT,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  modified_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_queue ON tasks(scheduler_id, status, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_hash ON tasks(scheduler_id, hash, created_at DESC);
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  scheduler_id TEXT NOT NULL,
  organisation TEXT NOT NULL,
  hash TEXT NOT NULL,
  data BLOB NOT NULL,
  enabled INTEGER NOT NULL DEFAULT 1,
  cron_expr TEXT NOT NULL DEFAULT '',
  deadline_at DATETIME NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  modified_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_schedules_hash ON schedules(scheduler_id, hash);
CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(scheduler_id, enabled, deadline_at);
`
	_, err := db.Exec(schema)
	return err
}

// Store bundles the task, priority-queue and schedule operations over one
// SQLite database. The tasks table backs both the task store and the
// priority queue: queue pushes and pops are status transitions on task rows.
type Store struct{ db *sql.DB }

func New(db *sql.DB) *Store { return &Store{db: db} }

// DB returns the underlying database connection (for inspection queries).
func (s *Store) DB() *sql.DB { return s.db }

func scanErr(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
