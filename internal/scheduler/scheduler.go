// Package scheduler decides which boefje tasks run against which targets.
// Three loops produce candidate tasks: scan-profile mutations, newly
// registered boefjes, and due schedules. All three feed the same push
// pipeline, which filters, ranks and queues the survivors.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"scanflow/internal/config"
	"scanflow/internal/domain"
	"scanflow/internal/metrics"
	"scanflow/internal/queue"
	"scanflow/internal/ranker"
)

// Catalog is the plugin catalog service.
type Catalog interface {
	BoefjesByTypeAndOrg(ctx context.Context, objectType, org string) ([]domain.Plugin, error)
	Organisations(ctx context.Context) ([]domain.Organisation, error)
	NewBoefjesByOrg(ctx context.Context, org string) ([]domain.Plugin, error)
	BoefjeByIDAndOrg(ctx context.Context, id, org string) (*domain.Plugin, error)
	Configs(ctx context.Context, boefjeID, org string, enabled, withDuplicates bool) ([]domain.BoefjeConfig, error)
}

// ObjectGraph is the object-graph service.
type ObjectGraph interface {
	ObjectsByType(ctx context.Context, org string, types []string, minLevel int) ([]domain.OOI, error)
	Objects(ctx context.Context, org string, refs []string) ([]domain.OOI, error)
	ObjectClients(ctx context.Context, ref string, orgs []string, validTime time.Time) (map[string]domain.OOI, error)
}

// Results is the results store.
type Results interface {
	LastRun(ctx context.Context, boefjeID, inputOOI, org string) (*domain.RunState, error)
}

// Datastore is the slice of the durable store the scheduler drives.
type Datastore interface {
	UpdateTaskStatus(ctx context.Context, id string, status domain.TaskStatus) error
	AssignTaskSchedule(ctx context.Context, id, scheduleID string) error
	LatestTaskByHash(ctx context.Context, schedulerID, hash string) (domain.Task, error)
	ActiveTasksByInputOOI(ctx context.Context, schedulerID, primaryKey string) ([]domain.Task, error)
	CreateSchedule(ctx context.Context, sch domain.Schedule) error
	UpdateSchedule(ctx context.Context, sch domain.Schedule) error
	DisableSchedule(ctx context.Context, id string) error
	ScheduleByHash(ctx context.Context, schedulerID, hash string) (domain.Schedule, error)
	DueSchedules(ctx context.Context, schedulerID string, now time.Time) ([]domain.Schedule, error)
}

type Scheduler struct {
	ID string

	cfg     config.Config
	queue   *queue.PriorityQueue
	store   Datastore
	catalog Catalog
	graph   ObjectGraph
	results Results
	ranker  ranker.TimeBased
	now     func() time.Time
}

func New(cfg config.Config, q *queue.PriorityQueue, st Datastore, catalog Catalog, graph ObjectGraph, results Results) *Scheduler {
	return &Scheduler{
		ID:      domain.SchedulerBoefje,
		cfg:     cfg,
		queue:   q,
		store:   st,
		catalog: catalog,
		graph:   graph,
		results: results,
		ranker:  ranker.New(),
		now:     time.Now,
	}
}

// Run starts the timer-driven loops. The mutation loop is event-driven and
// wired externally through ProcessMutation. Returns once the loops are up.
func (s *Scheduler) Run(ctx context.Context) {
	go s.loop(ctx, "new_boefjes", s.processNewBoefjes)
	go s.loop(ctx, "rescheduling", s.processRescheduling)
	log.Info().Str("scheduler_id", s.ID).Msg("boefje scheduler started")
}

func (s *Scheduler) loop(ctx context.Context, name string, fn func(ctx context.Context)) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("scheduler_id", s.ID).Str("loop", name).Msg("loop stopped")
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// candidate is one unit of work produced by a loop iteration.
type candidate struct {
	task           domain.BoefjeTask
	createSchedule bool
}

// submitBatch fans the candidates out over a bounded pool, joins them all,
// and reports the failures once per batch. Failure of one candidate never
// aborts its siblings.
func (s *Scheduler) submitBatch(ctx context.Context, caller string, candidates []candidate) {
	if len(candidates) == 0 {
		return
	}

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	sem := make(chan struct{}, workers)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var failed int
	for _, c := range candidates {
		wg.Add(1)
		sem <- struct{}{}
		go func(c candidate) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := s.pushBoefjeTask(ctx, c.task, c.createSchedule, caller); err != nil {
				log.Error().Err(err).
					Str("boefje_id", c.task.Boefje.ID).
					Str("ooi_primary_key", c.task.InputOOI).
					Str("organisation_id", c.task.Organisation).
					Str("scheduler_id", s.ID).
					Str("caller", caller).
					Msg("candidate submission failed")
				metrics.BatchFailures.WithLabelValues(s.ID, caller).Inc()
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	if failed > 0 {
		log.Warn().Int("failed", failed).Int("total", len(candidates)).
			Str("scheduler_id", s.ID).Str("caller", caller).
			Msg("batch completed with failures")
	}
}
