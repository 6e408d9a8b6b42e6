package scheduler

import (
	"context"

	"github.com/rs/zerolog/log"

	"scanflow/internal/domain"
	"scanflow/internal/metrics"
)

// ProcessMutation handles one scan-profile mutation from the event stream.
// Deletes cancel every active task referencing the object; creates and
// updates generate candidate tasks for all boefjes registered for the
// object's type.
func (s *Scheduler) ProcessMutation(ctx context.Context, m domain.ScanProfileMutation) {
	log.Debug().
		Str("operation", string(m.Operation)).
		Str("ooi_primary_key", m.PrimaryKey).
		Str("organisation_id", m.ClientID).
		Str("scheduler_id", s.ID).
		Msg("received scan profile mutation")

	ooi := m.Value
	if ooi == nil {
		log.Debug().Str("scheduler_id", s.ID).Msg("mutation value is empty, skipping")
		return
	}

	if m.Operation == domain.MutationDelete {
		s.cancelTasksForObject(ctx, ooi.PrimaryKey)
		return
	}

	boefjes, err := s.catalog.BoefjesByTypeAndOrg(ctx, ooi.ObjectType, m.ClientID)
	if err != nil {
		log.Warn().Err(err).Str("ooi_primary_key", ooi.PrimaryKey).Str("organisation_id", m.ClientID).
			Str("scheduler_id", s.ID).Msg("could not fetch boefjes for mutation")
		return
	}
	if len(boefjes) == 0 {
		log.Debug().Str("ooi_primary_key", ooi.PrimaryKey).Str("scheduler_id", s.ID).
			Msg("no boefjes available for ooi")
		return
	}

	var candidates []candidate
	for _, boefje := range boefjes {
		if !HasPermissionToRun(boefje, ooi) {
			log.Debug().Str("boefje_id", boefje.ID).Str("ooi_primary_key", ooi.PrimaryKey).
				Str("scheduler_id", s.ID).Msg("boefje not allowed to run on ooi")
			continue
		}

		// Boefjes with a run_on set only fire on the named operations and
		// never get a recurring schedule.
		createSchedule := true
		if len(boefje.RunOn) > 0 {
			createSchedule = false
			if !boefje.RunsOn(m.Operation) {
				log.Debug().Str("boefje_id", boefje.ID).Str("ooi_primary_key", ooi.PrimaryKey).
					Str("organisation_id", m.ClientID).Str("scheduler_id", s.ID).
					Msg("mutation operation not in boefje run_on set, skipping")
				continue
			}
		}

		candidates = append(candidates, candidate{
			task: domain.BoefjeTask{
				Boefje:       domain.Boefje{ID: boefje.ID},
				InputOOI:     ooi.PrimaryKey,
				Organisation: m.ClientID,
			},
			createSchedule: createSchedule,
		})
	}

	s.submitBatch(ctx, "process_mutations", candidates)
}

// cancelTasksForObject cancels all queued and dispatched tasks whose
// payload references the deleted object. Tasks referencing other objects
// are untouched.
func (s *Scheduler) cancelTasksForObject(ctx context.Context, primaryKey string) {
	tasks, err := s.store.ActiveTasksByInputOOI(ctx, s.ID, primaryKey)
	if err != nil {
		log.Error().Err(err).Str("ooi_primary_key", primaryKey).Str("scheduler_id", s.ID).
			Msg("could not list tasks for deleted ooi")
		return
	}
	for _, t := range tasks {
		if err := s.store.UpdateTaskStatus(ctx, t.ID, domain.StatusCancelled); err != nil {
			log.Error().Err(err).Str("task_id", t.ID).Str("scheduler_id", s.ID).
				Msg("could not cancel task")
			continue
		}
		metrics.TasksCancelled.WithLabelValues(s.ID).Inc()
		log.Info().Str("task_id", t.ID).Str("ooi_primary_key", primaryKey).
			Str("scheduler_id", s.ID).Msg("cancelled task for deleted ooi")
	}
}
