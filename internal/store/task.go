package store

import (
	"context"
	"database/sql"
	"time"

	"scanflow/internal/domain"
)

const taskColumns = `id,scheduler_id,organisation,type,hash,priority,status,data,schedule_id,deduplication_key,created_at,modified_at`

func scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	var scheduleID, dedupKey sql.NullString
	var status string
	err := row.Scan(&t.ID, &t.SchedulerID, &t.Organisation, &t.Type, &t.Hash, &t.Priority,
		&status, &t.Data, &scheduleID, &dedupKey, &t.CreatedAt, &t.ModifiedAt)
	if err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.TaskStatus(status)
	if scheduleID.Valid {
		s := scheduleID.String
		t.ScheduleID = &s
	}
	if dedupKey.Valid {
		k := dedupKey.String
		t.DeduplicationKey = &k
	}
	return t, nil
}

func (s *Store) CreateTask(ctx context.Context, t domain.Task) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)`,
		t.ID, t.SchedulerID, t.Organisation, t.Type, t.Hash, t.Priority, string(t.Status),
		[]byte(t.Data), t.ScheduleID, t.DeduplicationKey)
	if err != nil {
		return scanErr("create task", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if err != nil {
		return domain.Task{}, scanErr("get task", err)
	}
	return t, nil
}

// LatestTaskByHash returns the most recent task with the given content hash,
// regardless of status. ErrNotFound when no such task exists.
func (s *Store) LatestTaskByHash(ctx context.Context, schedulerID, hash string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+taskColumns+` FROM tasks
WHERE scheduler_id=? AND hash=?
ORDER BY created_at DESC, id DESC LIMIT 1`, schedulerID, hash)
	t, err := scanTask(row)
	if err != nil {
		return domain.Task{}, scanErr("latest task by hash", err)
	}
	return t, nil
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status=?, modified_at=CURRENT_TIMESTAMP WHERE id=?`, string(status), id)
	if err != nil {
		return scanErr("update task status", err)
	}
	return nil
}

// AssignTaskSchedule links a task to the schedule that produced it.
func (s *Store) AssignTaskSchedule(ctx context.Context, id, scheduleID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET schedule_id=? WHERE id=?`, scheduleID, id)
	if err != nil {
		return scanErr("assign task schedule", err)
	}
	return nil
}

func (s *Store) ListRecentTasks(ctx context.Context, schedulerID string, limit int) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+taskColumns+` FROM tasks
WHERE scheduler_id=? ORDER BY created_at DESC LIMIT ?`, schedulerID, limit)
	if err != nil {
		return nil, scanErr("list recent tasks", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// RecoverStalled marks dispatched and running tasks that have not been
// touched within the grace period as failed. Returns the number recovered.
func (s *Store) RecoverStalled(ctx context.Context, schedulerID string, grace time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE tasks SET status='failed', modified_at=CURRENT_TIMESTAMP
WHERE scheduler_id=? AND status IN ('dispatched','running')
  AND strftime('%s','now') - strftime('%s',modified_at) > ?`,
		schedulerID, int(grace.Seconds()))
	if err != nil {
		return 0, scanErr("recover stalled", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func collectTasks(rows *sql.Rows) ([]domain.Task, error) {
	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
