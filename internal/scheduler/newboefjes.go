package scheduler

import (
	"context"

	"github.com/rs/zerolog/log"

	"scanflow/internal/clients"
	"scanflow/internal/domain"
)

// processNewBoefjes finds boefjes added or enabled since the previous poll
// and creates candidate tasks for every object they can run on. One bad
// boefje definition or unreachable organisation is logged and skipped; the
// remaining organisations and boefjes still run.
func (s *Scheduler) processNewBoefjes(ctx context.Context) {
	orgs, err := s.catalog.Organisations(ctx)
	if err != nil {
		log.Error().Err(err).Str("scheduler_id", s.ID).
			Msg("could not fetch organisation list for new boefjes")
		return
	}

	var candidates []candidate
	for _, org := range orgs {
		newBoefjes, err := s.catalog.NewBoefjesByOrg(ctx, org.ID)
		if err != nil {
			log.Warn().Err(err).Str("organisation_id", org.ID).Str("scheduler_id", s.ID).
				Msg("could not fetch new boefjes for organisation")
			continue
		}
		if len(newBoefjes) == 0 {
			log.Debug().Str("organisation_id", org.ID).Msg("no new boefjes found for organisation")
			continue
		}

		for _, boefje := range newBoefjes {
			oois, err := s.ooisForBoefje(ctx, boefje, org.ID)
			if err != nil {
				if clients.IsClientError(err) {
					// Invalid object type in the boefje's consumes list.
					log.Warn().Err(err).Str("organisation_id", org.ID).Str("boefje_id", boefje.ID).
						Str("scheduler_id", s.ID).
						Msg("invalid object type in boefje consumes list, skipping boefje")
					continue
				}
				log.Warn().Err(err).Str("organisation_id", org.ID).Str("boefje_id", boefje.ID).
					Str("scheduler_id", s.ID).Msg("could not fetch objects for new boefje")
				break // abandon this organisation for the cycle
			}
			for _, ooi := range oois {
				candidates = append(candidates, candidate{
					task: domain.BoefjeTask{
						Boefje:       domain.Boefje{ID: boefje.ID},
						InputOOI:     ooi.PrimaryKey,
						Organisation: org.ID,
					},
					createSchedule: true,
				})
			}
		}
	}

	s.submitBatch(ctx, "process_new_boefjes", candidates)
}

// ooisForBoefje enumerates objects of the boefje's consumed types with a
// clearance level at or above its minimum scan level.
func (s *Scheduler) ooisForBoefje(ctx context.Context, boefje domain.Plugin, org string) ([]domain.OOI, error) {
	if !boefje.Enabled || boefje.ScanLevel == nil {
		return nil, nil
	}
	return s.graph.ObjectsByType(ctx, org, boefje.Consumes, *boefje.ScanLevel)
}
