package scheduler

import (
	"github.com/rs/zerolog/log"

	"scanflow/internal/domain"
)

// HasPermissionToRun decides whether a boefje may run against an ooi.
// Pure: no I/O, safe to call from any goroutine. Short-circuits on the
// first failing condition.
//
// A boefje's scan level is its intensity (0-4); an ooi's clearance level
// caps the intensity allowed to run against it.
func HasPermissionToRun(boefje domain.Plugin, ooi *domain.OOI) bool {
	if !boefje.Enabled {
		log.Debug().Str("boefje_id", boefje.ID).Msg("boefje is disabled")
		return false
	}

	if boefje.ScanLevel == nil {
		log.Warn().Str("boefje_id", boefje.ID).Msg("no scan level found for boefje")
		return false
	}

	// Boefjes without an input object are allowed to run.
	if ooi == nil {
		return true
	}

	if ooi.ScanProfile == nil {
		log.Debug().Str("ooi_primary_key", ooi.PrimaryKey).Msg("no scan profile found for ooi")
		return false
	}

	if ooi.ScanProfile.Level == nil {
		log.Warn().Str("ooi_primary_key", ooi.PrimaryKey).Msg("no scan level found for ooi")
		return false
	}

	if *boefje.ScanLevel > *ooi.ScanProfile.Level {
		log.Debug().
			Str("boefje_id", boefje.ID).
			Int("boefje_scan_level", *boefje.ScanLevel).
			Str("ooi_primary_key", ooi.PrimaryKey).
			Int("ooi_scan_level", *ooi.ScanProfile.Level).
			Msg("boefje scan level too intense for ooi")
		return false
	}

	return true
}
