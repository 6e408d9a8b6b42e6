package store

import (
	"context"
	"database/sql"
	"strings"

	"scanflow/internal/domain"
)

// Filter narrows which queued tasks are eligible for a pop.
type Filter struct {
	Organisation string
	TaskType     string
}

func (f Filter) where() (string, []any) {
	var conds []string
	var args []any
	if f.Organisation != "" {
		conds = append(conds, "organisation=?")
		args = append(args, f.Organisation)
	}
	if f.TaskType != "" {
		conds = append(conds, "type=?")
		args = append(args, f.TaskType)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(conds, " AND "), args
}

// PushQueued inserts a task row in status queued.
func (s *Store) PushQueued(ctx context.Context, t domain.Task) error {
	t.Status = domain.StatusQueued
	return s.CreateTask(ctx, t)
}

// QueuedCount returns the number of tasks currently queued for a scheduler.
func (s *Store) QueuedCount(ctx context.Context, schedulerID string) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE scheduler_id=? AND status='queued'`, schedulerID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, scanErr("queued count", err)
	}
	return n, nil
}

// WorstQueuedPriority returns the least urgent priority currently queued.
// ErrNotFound when the queue is empty.
func (s *Store) WorstQueuedPriority(ctx context.Context, schedulerID string) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT MAX(priority) FROM tasks WHERE scheduler_id=? AND status='queued'`, schedulerID)
	var p sql.NullInt64
	if err := row.Scan(&p); err != nil {
		return 0, scanErr("worst queued priority", err)
	}
	if !p.Valid {
		return 0, ErrNotFound
	}
	return int(p.Int64), nil
}

// ActiveTaskByHash returns a queued or dispatched task with the given hash,
// or ErrNotFound. Used to refuse duplicate pushes.
func (s *Store) ActiveTaskByHash(ctx context.Context, schedulerID, hash string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+taskColumns+` FROM tasks
WHERE scheduler_id=? AND hash=? AND status IN ('queued','dispatched')
LIMIT 1`, schedulerID, hash)
	t, err := scanTask(row)
	if err != nil {
		return domain.Task{}, scanErr("active task by hash", err)
	}
	return t, nil
}

// PopQueued atomically selects up to limit queued tasks in rank order,
// transitions them to dispatched and returns them. Safe under concurrent
// callers: selection and transition share one serializable transaction.
func (s *Store) PopQueued(ctx context.Context, schedulerID string, limit int, f Filter) ([]domain.Task, error) {
	return s.popTx(ctx, func(tx *sql.Tx) ([]domain.Task, error) {
		return selectRanked(ctx, tx, schedulerID, limit, f)
	})
}

// PopQueuedBatch selects eligible tasks the way PopQueued does, but groups
// them by boefje and organisation: the batch shares the key of the most
// urgent eligible task, so batched task runners receive homogeneous work.
func (s *Store) PopQueuedBatch(ctx context.Context, schedulerID string, limit int, f Filter) ([]domain.Task, error) {
	return s.popTx(ctx, func(tx *sql.Tx) ([]domain.Task, error) {
		head, err := selectRanked(ctx, tx, schedulerID, 1, f)
		if err != nil || len(head) == 0 {
			return nil, err
		}
		where, args := f.where()
		q := `
SELECT ` + taskColumns + ` FROM tasks
WHERE scheduler_id=? AND status='queued'
  AND json_extract(data,'$.boefje.id') = json_extract((SELECT data FROM tasks WHERE id=?),'$.boefje.id')
  AND organisation = (SELECT organisation FROM tasks WHERE id=?)` + where + `
ORDER BY priority ASC, created_at ASC, id ASC LIMIT ?`
		rows, err := tx.QueryContext(ctx, q,
			append([]any{schedulerID, head[0].ID, head[0].ID}, append(args, limit)...)...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		return collectTasks(rows)
	})
}

func (s *Store) popTx(ctx context.Context, sel func(tx *sql.Tx) ([]domain.Task, error)) ([]domain.Task, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, scanErr("pop", err)
	}
	defer func() { _ = tx.Rollback() }()

	tasks, err := sel(tx)
	if err != nil {
		return nil, scanErr("pop", err)
	}
	if len(tasks) == 0 {
		return nil, tx.Rollback()
	}
	for i := range tasks {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status='dispatched', modified_at=CURRENT_TIMESTAMP WHERE id=?`,
			tasks[i].ID); err != nil {
			return nil, scanErr("pop", err)
		}
		tasks[i].Status = domain.StatusDispatched
	}
	if err := tx.Commit(); err != nil {
		return nil, scanErr("pop", err)
	}
	return tasks, nil
}

func selectRanked(ctx context.Context, tx *sql.Tx, schedulerID string, limit int, f Filter) ([]domain.Task, error) {
	where, args := f.where()
	rows, err := tx.QueryContext(ctx, `
SELECT `+taskColumns+` FROM tasks
WHERE scheduler_id=? AND status='queued'`+where+`
ORDER BY priority ASC, created_at ASC, id ASC LIMIT ?`,
		append(append([]any{schedulerID}, args...), limit)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ActiveTasksByInputOOI returns queued and dispatched tasks whose payload
// references the given object.
func (s *Store) ActiveTasksByInputOOI(ctx context.Context, schedulerID, primaryKey string) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+taskColumns+` FROM tasks
WHERE scheduler_id=? AND status IN ('queued','dispatched')
  AND json_extract(data,'$.input_ooi')=?`, schedulerID, primaryKey)
	if err != nil {
		return nil, scanErr("active tasks by input ooi", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}
