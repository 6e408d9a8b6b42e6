package store

import (
	"context"
	"database/sql"
	"time"

	"scanflow/internal/domain"
)

const scheduleColumns = `id,scheduler_id,organisation,hash,data,enabled,cron_expr,deadline_at,created_at,modified_at`

func scanSchedule(row interface{ Scan(...any) error }) (domain.Schedule, error) {
	var s domain.Schedule
	err := row.Scan(&s.ID, &s.SchedulerID, &s.Organisation, &s.Hash, &s.Data, &s.Enabled,
		&s.CronExpr, &s.DeadlineAt, &s.CreatedAt, &s.ModifiedAt)
	return s, err
}

func (s *Store) CreateSchedule(ctx context.Context, sch domain.Schedule) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO schedules (`+scheduleColumns+`)
VALUES (?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)`,
		sch.ID, sch.SchedulerID, sch.Organisation, sch.Hash, []byte(sch.Data), sch.Enabled,
		sch.CronExpr, sch.DeadlineAt)
	if err != nil {
		return scanErr("create schedule", err)
	}
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id=?`, id)
	sch, err := scanSchedule(row)
	if err != nil {
		return domain.Schedule{}, scanErr("get schedule", err)
	}
	return sch, nil
}

// ScheduleByHash returns the schedule for a task fingerprint, ErrNotFound
// when none exists.
func (s *Store) ScheduleByHash(ctx context.Context, schedulerID, hash string) (domain.Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE scheduler_id=? AND hash=?`, schedulerID, hash)
	sch, err := scanSchedule(row)
	if err != nil {
		return domain.Schedule{}, scanErr("schedule by hash", err)
	}
	return sch, nil
}

func (s *Store) UpdateSchedule(ctx context.Context, sch domain.Schedule) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE schedules SET data=?, enabled=?, cron_expr=?, deadline_at=?, modified_at=CURRENT_TIMESTAMP
WHERE id=?`, []byte(sch.Data), sch.Enabled, sch.CronExpr, sch.DeadlineAt, sch.ID)
	if err != nil {
		return scanErr("update schedule", err)
	}
	return nil
}

// DisableSchedule turns a schedule off without deleting it.
func (s *Store) DisableSchedule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET enabled=0, modified_at=CURRENT_TIMESTAMP WHERE id=?`, id)
	if err != nil {
		return scanErr("disable schedule", err)
	}
	return nil
}

// DueSchedules returns enabled schedules whose deadline has passed.
// Disabled schedules are never returned.
func (s *Store) DueSchedules(ctx context.Context, schedulerID string, now time.Time) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+scheduleColumns+` FROM schedules
WHERE scheduler_id=? AND enabled=1 AND deadline_at <= ?
ORDER BY deadline_at`, schedulerID, now.UTC())
	if err != nil {
		return nil, scanErr("due schedules", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func (s *Store) ListSchedules(ctx context.Context, schedulerID string) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+scheduleColumns+` FROM schedules WHERE scheduler_id=? ORDER BY deadline_at`, schedulerID)
	if err != nil {
		return nil, scanErr("list schedules", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func collectSchedules(rows *sql.Rows) ([]domain.Schedule, error) {
	var schedules []domain.Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sch)
	}
	return schedules, rows.Err()
}
