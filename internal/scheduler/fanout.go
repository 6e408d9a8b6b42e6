package scheduler

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"scanflow/internal/domain"
)

// duplicateTasks builds ranked sibling tasks for every other organisation
// the boefje is linked into via catalog duplicate configs. Each sibling is
// independently permission-checked against that organisation's copy of the
// input object. Failures here degrade to no fan-out; they never block the
// original task.
func (s *Scheduler) duplicateTasks(ctx context.Context, bt domain.BoefjeTask) []domain.Task {
	// Tasks without an input object cannot be deduplicated across
	// organisations.
	if bt.InputOOI == "" {
		return nil
	}

	configs, err := s.catalog.Configs(ctx, bt.Boefje.ID, bt.Organisation, true, true)
	if err != nil {
		log.Warn().Err(err).Str("boefje_id", bt.Boefje.ID).Str("organisation_id", bt.Organisation).
			Str("scheduler_id", s.ID).Msg("could not fetch duplicate configs")
		return nil
	}
	if len(configs) == 0 || len(configs[0].Duplicates) == 0 {
		return nil
	}

	otherOrgs := make([]string, 0, len(configs[0].Duplicates))
	for _, dup := range configs[0].Duplicates {
		otherOrgs = append(otherOrgs, dup.Organisation)
	}

	// Only organisations that hold the same input object are of interest.
	orgObjects, err := s.graph.ObjectClients(ctx, bt.InputOOI, otherOrgs, s.now())
	if err != nil {
		log.Warn().Err(err).Str("input_ooi", bt.InputOOI).Str("organisation_id", bt.Organisation).
			Str("scheduler_id", s.ID).Msg("could not fetch object clients")
		return nil
	}
	if len(orgObjects) == 0 {
		return nil
	}

	boefje, err := s.catalog.BoefjeByIDAndOrg(ctx, bt.Boefje.ID, bt.Organisation)
	if err != nil || boefje == nil {
		return nil
	}

	var tasks []domain.Task
	for _, dup := range configs[0].Duplicates {
		if dup.Organisation == bt.Organisation {
			continue
		}
		ooi, ok := orgObjects[dup.Organisation]
		if !ok {
			log.Debug().Str("boefje_id", bt.Boefje.ID).Str("ooi_primary_key", bt.InputOOI).
				Str("organisation_id", dup.Organisation).Str("scheduler_id", s.ID).
				Msg("object does not exist in duplicated organisation, skipping")
			continue
		}
		if !HasPermissionToRun(*boefje, &ooi) {
			log.Debug().Str("boefje_id", bt.Boefje.ID).Str("ooi_primary_key", bt.InputOOI).
				Str("organisation_id", dup.Organisation).Str("scheduler_id", s.ID).
				Msg("boefje not allowed to run on ooi in duplicated organisation")
			continue
		}

		sibling := domain.BoefjeTask{
			ID:               uuid.NewString(),
			Boefje:           domain.Boefje{ID: boefje.ID},
			InputOOI:         bt.InputOOI,
			Organisation:     dup.Organisation,
			DeduplicationKey: bt.ID,
		}
		data, err := json.Marshal(sibling)
		if err != nil {
			continue
		}
		key := sibling.DeduplicationKey
		tasks = append(tasks, domain.Task{
			ID:               sibling.ID,
			SchedulerID:      s.ID,
			Organisation:     sibling.Organisation,
			Type:             domain.TaskTypeBoefje,
			Hash:             sibling.Hash(),
			Data:             data,
			DeduplicationKey: &key,
			Priority:         s.ranker.Rank(nil),
		})
	}
	return tasks
}
