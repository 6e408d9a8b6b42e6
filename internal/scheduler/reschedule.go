package scheduler

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"scanflow/internal/clients"
	"scanflow/internal/domain"
	"scanflow/internal/metrics"
)

// processRescheduling re-verifies every due schedule's preconditions and
// rebuilds a fresh candidate task from current catalog and object state.
// Schedules whose preconditions are permanently false are disabled, never
// deleted. Object state is batch-fetched once per organisation; an
// unreachable organisation only loses this cycle.
func (s *Scheduler) processRescheduling(ctx context.Context) {
	schedules, err := s.store.DueSchedules(ctx, s.ID, s.now())
	if err != nil {
		log.Error().Err(err).Str("scheduler_id", s.ID).Msg("could not fetch due schedules")
		return
	}
	if len(schedules) == 0 {
		log.Debug().Str("scheduler_id", s.ID).Msg("no due schedules found")
		return
	}

	// Collect referenced objects per organisation and fetch each
	// organisation's batch in one round trip.
	refs := map[string][]string{}
	for _, sch := range schedules {
		var bt domain.BoefjeTask
		if err := json.Unmarshal(sch.Data, &bt); err != nil {
			continue
		}
		if bt.InputOOI != "" {
			refs[bt.Organisation] = append(refs[bt.Organisation], bt.InputOOI)
		}
	}

	oois := map[string]map[string]domain.OOI{}
	orgFailed := map[string]bool{}
	for org, orgRefs := range refs {
		fetched, err := s.graph.Objects(ctx, org, orgRefs)
		if err != nil {
			if clients.IsTimeout(err) {
				log.Error().Err(err).Str("organisation_id", org).Str("scheduler_id", s.ID).
					Msg("object graph read timed out, abandoning organisation for this cycle")
			} else {
				log.Warn().Err(err).Str("organisation_id", org).Str("scheduler_id", s.ID).
					Msg("could not fetch objects for rescheduling, abandoning organisation for this cycle")
			}
			orgFailed[org] = true
			continue
		}
		oois[org] = make(map[string]domain.OOI, len(fetched))
		for _, ooi := range fetched {
			oois[org][ooi.PrimaryKey] = ooi
		}
	}

	// Request-scoped plugin cache: populated on first lookup, discarded at
	// the end of the cycle.
	type pluginKey struct{ id, org string }
	plugins := map[pluginKey]*domain.Plugin{}
	lookupPlugin := func(id, org string) (*domain.Plugin, bool) {
		key := pluginKey{id, org}
		if p, ok := plugins[key]; ok {
			return p, true
		}
		p, err := s.catalog.BoefjeByIDAndOrg(ctx, id, org)
		if err != nil {
			log.Warn().Err(err).Str("boefje_id", id).Str("organisation_id", org).
				Str("scheduler_id", s.ID).Msg("could not fetch boefje for rescheduling")
			return nil, false
		}
		plugins[key] = p
		return p, true
	}

	var candidates []candidate
	for _, sch := range schedules {
		var bt domain.BoefjeTask
		if err := json.Unmarshal(sch.Data, &bt); err != nil {
			log.Warn().Err(err).Str("schedule_id", sch.ID).Str("scheduler_id", s.ID).
				Msg("malformed schedule payload, skipping")
			continue
		}
		if orgFailed[bt.Organisation] {
			continue
		}

		plugin, ok := lookupPlugin(bt.Boefje.ID, sch.Organisation)
		if !ok {
			continue
		}
		if plugin == nil {
			s.disableSchedule(ctx, sch, "boefje_removed")
			continue
		}
		if !plugin.Enabled {
			s.disableSchedule(ctx, sch, "boefje_disabled")
			continue
		}
		if plugin.Type != domain.TaskTypeBoefje {
			// Data inconsistency, not a policy decision: only boefje
			// schedules should exist here.
			log.Warn().Str("plugin_id", plugin.ID).Str("schedule_id", sch.ID).
				Str("organisation_id", sch.Organisation).Str("scheduler_id", s.ID).
				Msg("plugin is not a boefje, skipping")
			continue
		}

		var ooi *domain.OOI
		if bt.InputOOI != "" {
			current, exists := oois[bt.Organisation][bt.InputOOI]
			if !exists {
				s.disableSchedule(ctx, sch, "ooi_removed")
				continue
			}
			if !plugin.ConsumesType(current.ObjectType) {
				s.disableSchedule(ctx, sch, "type_not_consumed")
				continue
			}
			if !HasPermissionToRun(*plugin, &current) {
				s.disableSchedule(ctx, sch, "permission_denied")
				continue
			}
			ooi = &current
		}

		// Rebuild from current state, not the stale stored payload.
		fresh := domain.BoefjeTask{
			ID:           uuid.NewString(),
			Boefje:       domain.Boefje{ID: plugin.ID},
			Organisation: sch.Organisation,
		}
		if ooi != nil {
			fresh.InputOOI = ooi.PrimaryKey
		}
		candidates = append(candidates, candidate{task: fresh, createSchedule: true})
	}

	s.submitBatch(ctx, "process_rescheduling", candidates)
}

func (s *Scheduler) disableSchedule(ctx context.Context, sch domain.Schedule, reason string) {
	if err := s.store.DisableSchedule(ctx, sch.ID); err != nil {
		log.Error().Err(err).Str("schedule_id", sch.ID).Str("scheduler_id", s.ID).
			Msg("could not disable schedule")
		return
	}
	metrics.SchedulesDisabled.WithLabelValues(s.ID, reason).Inc()
	log.Info().Str("schedule_id", sch.ID).Str("reason", reason).
		Str("organisation_id", sch.Organisation).Str("scheduler_id", s.ID).
		Msg("schedule disabled")
}
