package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"scanflow/internal/domain"
	"scanflow/internal/store"
)

// ensureSchedule creates or refreshes the recurring schedule for a task
// that was just queued and returns the schedule's id so the task can be
// linked back to it. Schedules are keyed by the task's content hash.
func (s *Scheduler) ensureSchedule(ctx context.Context, t domain.Task) (string, error) {
	var bt domain.BoefjeTask
	if err := json.Unmarshal(t.Data, &bt); err != nil {
		return "", fmt.Errorf("unmarshalling task payload: %w", err)
	}

	sch, err := s.store.ScheduleByHash(ctx, s.ID, t.Hash)
	if errors.Is(err, store.ErrNotFound) {
		sch = domain.Schedule{
			ID:           uuid.NewString(),
			SchedulerID:  s.ID,
			Organisation: t.Organisation,
			Hash:         t.Hash,
			Data:         t.Data,
			Enabled:      true,
		}
		sch = s.calculateDeadline(ctx, sch, bt)
		if err := s.store.CreateSchedule(ctx, sch); err != nil {
			return "", err
		}
		log.Debug().Str("schedule_id", sch.ID).Str("task_hash", t.Hash).
			Time("deadline_at", sch.DeadlineAt).Str("scheduler_id", s.ID).Msg("schedule created")
		return sch.ID, nil
	}
	if err != nil {
		return "", err
	}

	sch.Data = t.Data
	sch = s.calculateDeadline(ctx, sch, bt)
	if err := s.store.UpdateSchedule(ctx, sch); err != nil {
		return "", err
	}
	return sch.ID, nil
}

// calculateDeadline recomputes a schedule's next deadline: the boefje's
// cron expression wins, then its interval in minutes, then the generic
// fallback of one grace period.
func (s *Scheduler) calculateDeadline(ctx context.Context, sch domain.Schedule, bt domain.BoefjeTask) domain.Schedule {
	now := s.now()

	plugin, err := s.catalog.BoefjeByIDAndOrg(ctx, bt.Boefje.ID, sch.Organisation)
	if err != nil || plugin == nil {
		sch.DeadlineAt = now.Add(s.fallbackInterval())
		return sch
	}

	if plugin.Cron != "" {
		cronSchedule, err := cron.ParseStandard(plugin.Cron)
		if err != nil {
			log.Warn().Err(err).Str("cron_expr", plugin.Cron).Str("boefje_id", plugin.ID).
				Msg("invalid cron expression on boefje, falling back to interval")
		} else {
			sch.CronExpr = plugin.Cron
			sch.DeadlineAt = cronSchedule.Next(now)
			return sch
		}
	}

	if plugin.Interval > 0 {
		sch.DeadlineAt = now.Add(time.Duration(plugin.Interval) * time.Minute)
		return sch
	}

	sch.DeadlineAt = now.Add(s.fallbackInterval())
	return sch
}

func (s *Scheduler) fallbackInterval() time.Duration {
	if s.cfg.GracePeriod > s.cfg.PollInterval {
		return s.cfg.GracePeriod
	}
	return s.cfg.PollInterval
}
