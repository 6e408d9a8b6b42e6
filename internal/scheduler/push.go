package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"scanflow/internal/domain"
	"scanflow/internal/metrics"
	"scanflow/internal/queue"
	"scanflow/internal/store"
)

// ErrResultsInconsistent flags a task that claims completion while the
// results store has no record of the run: silent data loss upstream, loud
// here for operator attention.
var ErrResultsInconsistent = errors.New("task finished but no run recorded in results store")

// skipReason classifies the benign outcomes of the push pipeline. Skips are
// values, not errors: only genuine faults propagate out of pushBoefjeTask.
type skipReason string

const (
	skipAlreadyQueued skipReason = "already_queued"
	skipGracePeriod   skipReason = "grace_period"
	skipStillRunning  skipReason = "still_running"
	skipNotAllowed    skipReason = "not_allowed"
)

func (s *Scheduler) skip(reason skipReason, bt domain.BoefjeTask, caller string) {
	log.Debug().
		Str("reason", string(reason)).
		Str("task_hash", bt.Hash()).
		Str("boefje_id", bt.Boefje.ID).
		Str("ooi_primary_key", bt.InputOOI).
		Str("organisation_id", bt.Organisation).
		Str("scheduler_id", s.ID).
		Str("caller", caller).
		Msg("candidate task skipped")
	metrics.TasksSkipped.WithLabelValues(s.ID, string(reason)).Inc()
}

// pushBoefjeTask runs one candidate through the push pipeline: dedup
// against the queue, grace period, stalled recovery, in-flight check,
// cross-organisation fan-out, ranking, and finally the queue push for the
// whole batch under a single lock scope.
func (s *Scheduler) pushBoefjeTask(ctx context.Context, bt domain.BoefjeTask, createSchedule bool, caller string) error {
	if bt.ID == "" {
		bt.ID = uuid.NewString()
	}
	hash := bt.Hash()

	taskDB, err := s.latestTask(ctx, hash)
	if err != nil {
		return fmt.Errorf("looking up latest task: %w", err)
	}

	// A content-identical task is already waiting.
	if taskDB != nil && taskDB.Status == domain.StatusQueued {
		s.skip(skipAlreadyQueued, bt, caller)
		return nil
	}

	lastRun, err := s.results.LastRun(ctx, bt.Boefje.ID, bt.InputOOI, bt.Organisation)
	if err != nil {
		return fmt.Errorf("fetching last run: %w", err)
	}

	grace := s.gracePeriodFor(ctx, bt)

	if !s.gracePeriodPassed(taskDB, lastRun, grace) {
		s.skip(skipGracePeriod, bt, caller)
		return nil
	}

	if s.isStalled(taskDB) {
		log.Debug().Str("task_id", taskDB.ID).Str("task_hash", hash).
			Str("scheduler_id", s.ID).Str("caller", caller).Msg("task is stalled, marking failed")
		if err := s.store.UpdateTaskStatus(ctx, taskDB.ID, domain.StatusFailed); err != nil {
			return fmt.Errorf("failing stalled task: %w", err)
		}
		taskDB.Status = domain.StatusFailed
	}

	running, err := s.isStillRunning(taskDB, lastRun)
	if err != nil {
		log.Error().Err(err).Str("task_id", taskDB.ID).Str("scheduler_id", s.ID).
			Msg("task has been finished, but no results found, review the results store logs")
		return err
	}
	if running {
		s.skip(skipStillRunning, bt, caller)
		return nil
	}

	// Cross-organisation fan-out: siblings of one logical event share the
	// original task's id as their deduplication key.
	siblings := s.duplicateTasks(ctx, bt)
	if len(siblings) > 0 {
		bt.DeduplicationKey = bt.ID
	}

	task, err := s.buildTask(bt)
	if err != nil {
		return err
	}
	task.Priority = s.ranker.Rank(lastActivity(taskDB, lastRun))
	tasks := append(siblings, task)

	// The lock covers only the pushes; the schedule upserts below talk to
	// the catalog and must not stall concurrent producers and poppers.
	s.queue.Lock()
	var pushed []domain.Task
	var pushErrs []error
	for _, t := range tasks {
		t = normalizeIdentity(t)

		if _, err := s.queue.Push(ctx, t); err != nil {
			if errors.Is(err, queue.ErrNotAllowed) {
				s.skip(skipNotAllowed, payloadOf(t), caller)
				continue
			}
			pushErrs = append(pushErrs, err)
			continue
		}
		pushed = append(pushed, t)

		log.Info().
			Str("task_id", t.ID).
			Str("task_hash", t.Hash).
			Str("boefje_id", bt.Boefje.ID).
			Str("ooi_primary_key", bt.InputOOI).
			Str("organisation_id", t.Organisation).
			Str("scheduler_id", s.ID).
			Str("caller", caller).
			Msg("created boefje task")
	}
	s.queue.Unlock()

	if createSchedule {
		for _, t := range pushed {
			schID, err := s.ensureSchedule(ctx, t)
			if err != nil {
				pushErrs = append(pushErrs, err)
				continue
			}
			if err := s.store.AssignTaskSchedule(ctx, t.ID, schID); err != nil {
				pushErrs = append(pushErrs, err)
			}
		}
	}
	return errors.Join(pushErrs...)
}

// payloadOf recovers the boefje task embedded in a built task, so skips and
// logs name the task that was actually refused rather than the candidate
// that triggered the batch.
func payloadOf(t domain.Task) domain.BoefjeTask {
	var bt domain.BoefjeTask
	_ = json.Unmarshal(t.Data, &bt)
	return bt
}

// normalizeIdentity enforces that the outer task id equals the payload's
// embedded id. The task runner depends on that equality, so on mismatch a
// fresh id is minted for both.
func normalizeIdentity(t domain.Task) domain.Task {
	var bt domain.BoefjeTask
	if err := json.Unmarshal(t.Data, &bt); err != nil {
		return t
	}
	if t.ID != bt.ID {
		id := uuid.NewString()
		bt.ID = id
		t.ID = id
		if data, err := json.Marshal(bt); err == nil {
			t.Data = data
		}
	}
	return t
}

func (s *Scheduler) buildTask(bt domain.BoefjeTask) (domain.Task, error) {
	data, err := json.Marshal(bt)
	if err != nil {
		return domain.Task{}, fmt.Errorf("marshalling boefje task: %w", err)
	}
	t := domain.Task{
		ID:           bt.ID,
		SchedulerID:  s.ID,
		Organisation: bt.Organisation,
		Type:         domain.TaskTypeBoefje,
		Hash:         bt.Hash(),
		Data:         data,
	}
	if bt.DeduplicationKey != "" {
		k := bt.DeduplicationKey
		t.DeduplicationKey = &k
	}
	return t, nil
}

func (s *Scheduler) latestTask(ctx context.Context, hash string) (*domain.Task, error) {
	t, err := s.store.LatestTaskByHash(ctx, s.ID, hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// gracePeriodFor is the boefje's configured interval when positive, else
// the global default.
func (s *Scheduler) gracePeriodFor(ctx context.Context, bt domain.BoefjeTask) time.Duration {
	plugin, err := s.catalog.BoefjeByIDAndOrg(ctx, bt.Boefje.ID, bt.Organisation)
	if err != nil {
		log.Warn().Err(err).Str("boefje_id", bt.Boefje.ID).Str("organisation_id", bt.Organisation).
			Msg("could not fetch boefje interval, using default grace period")
		return s.cfg.GracePeriod
	}
	if plugin != nil && plugin.Interval > 0 {
		return time.Duration(plugin.Interval) * time.Minute
	}
	return s.cfg.GracePeriod
}

// gracePeriodPassed checks both the stored task and the last completed run:
// repeat work inside the grace window is refused.
func (s *Scheduler) gracePeriodPassed(taskDB *domain.Task, lastRun *domain.RunState, grace time.Duration) bool {
	now := s.now()
	if taskDB != nil && now.Sub(taskDB.ModifiedAt) < grace {
		return false
	}
	if lastRun != nil && lastRun.EndedAt != nil && now.Sub(*lastRun.EndedAt) < grace {
		return false
	}
	return true
}

// isStalled reports whether the stored task sat in dispatched or running
// longer than the global grace default since its last update. The plugin
// interval does not apply here: a stuck slot is stuck regardless of how
// often the boefje recurs.
func (s *Scheduler) isStalled(taskDB *domain.Task) bool {
	return taskDB != nil &&
		(taskDB.Status == domain.StatusDispatched || taskDB.Status == domain.StatusRunning) &&
		s.now().After(taskDB.ModifiedAt.Add(s.cfg.GracePeriod))
}

// isStillRunning reports whether in-flight work exists for this hash. A
// stored task that claims completion with no run in the results store
// within the global grace window is a consistency violation and returns
// ErrResultsInconsistent; after the window it passes through silently.
func (s *Scheduler) isStillRunning(taskDB *domain.Task, lastRun *domain.RunState) (bool, error) {
	if taskDB != nil && taskDB.Status != domain.StatusFailed && taskDB.Status != domain.StatusCompleted {
		return true, nil
	}

	if lastRun == nil && taskDB != nil &&
		(taskDB.Status == domain.StatusCompleted || taskDB.Status == domain.StatusFailed) &&
		taskDB.ModifiedAt.After(s.now().Add(-s.cfg.GracePeriod)) {
		return false, ErrResultsInconsistent
	}

	if lastRun != nil && lastRun.StartedAt != nil && lastRun.EndedAt == nil {
		return true, nil
	}

	return false, nil
}

// lastActivity picks the timestamp the ranker measures overdue-ness from:
// the last completed run when known, else the stored task's last update.
func lastActivity(taskDB *domain.Task, lastRun *domain.RunState) *time.Time {
	if lastRun != nil && lastRun.EndedAt != nil {
		return lastRun.EndedAt
	}
	if taskDB != nil {
		t := taskDB.ModifiedAt
		return &t
	}
	return nil
}
