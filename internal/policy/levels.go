// Package policy holds the pure escalation rules: score to level, org-level to
// permission, and voting-group resolution. Nothing here performs I/O or holds
// state, so every function is safe for concurrent use.
package policy

import (
	"fmt"
	"math"

	"tierline/internal/domain"
)

// ResolveLevel maps a score to the highest level whose cutoff it reaches. A
// score below every cutoff stays PENDING. The table is assumed valid; it is
// checked once when written, not on every read.
func ResolveLevel(score float64, track domain.Track, table domain.ThresholdTable) (domain.Level, error) {
	if math.IsNaN(score) || math.IsInf(score, 0) || score < 0 {
		return "", fmt.Errorf("%w: %v", ErrInvalidScore, score)
	}
	if !track.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTrack, track)
	}
	if table.Track != "" && table.Track != track {
		return "", fmt.Errorf("%w: table is %s, resolving %s", ErrTrackMismatch, table.Track, track)
	}
	for i := len(table.Entries) - 1; i >= 0; i-- {
		if table.Entries[i].Cutoff <= score {
			return table.Entries[i].Level, nil
		}
	}
	return domain.LevelPending, nil
}

// ValidateThresholds rejects tables whose levels are out of ladder order or
// whose cutoffs do not strictly increase.
func ValidateThresholds(table domain.ThresholdTable) error {
	return validateThresholds(table, "")
}

// ValidateDepartmentThresholds is ValidateThresholds for a per-department
// override. Only the Project track accepts overrides.
func ValidateDepartmentThresholds(dept string, table domain.ThresholdTable) error {
	if dept == "" {
		return configError(table.Track, "", "department", -1, "department id required")
	}
	if table.Track != domain.TrackProject {
		return configError(table.Track, dept, "", -1, "department overrides are only allowed on %s", domain.TrackProject)
	}
	return validateThresholds(table, dept)
}

func validateThresholds(table domain.ThresholdTable, dept string) error {
	if !table.Track.Valid() {
		return configError(table.Track, dept, "track", -1, "unknown track %q", table.Track)
	}
	prevRank := 0
	prevCutoff := math.Inf(-1)
	for i, entry := range table.Entries {
		rank := domain.Rank(table.Track, entry.Level)
		switch {
		case rank < 0:
			return configError(table.Track, dept, "", i, "level %s is not on the %s ladder", entry.Level, table.Track)
		case rank == 0:
			return configError(table.Track, dept, "", i, "%s cannot carry a cutoff", domain.LevelPending)
		case rank <= prevRank:
			return configError(table.Track, dept, "", i, "level %s is out of ladder order", entry.Level)
		}
		if math.IsNaN(entry.Cutoff) || math.IsInf(entry.Cutoff, 0) || entry.Cutoff < 0 {
			return configError(table.Track, dept, "", i, "cutoff %v must be a finite non-negative number", entry.Cutoff)
		}
		if entry.Cutoff <= prevCutoff {
			return configError(table.Track, dept, "", i, "cutoff %v for %s must exceed %v", entry.Cutoff, entry.Level, prevCutoff)
		}
		prevRank = rank
		prevCutoff = entry.Cutoff
	}
	return nil
}

// ValidateResponsibility enforces min <= target for the record attached to level.
func ValidateResponsibility(track domain.Track, level domain.Level, r domain.Responsibility) error {
	if domain.Rank(track, level) < 0 {
		return configError(track, "", "responsibility "+string(level), -1, "level is not on the %s ladder", track)
	}
	if math.IsNaN(r.MinOrgLevel) || math.IsNaN(r.TargetOrgLevel) {
		return configError(track, "", "responsibility "+string(level), -1, "org levels must be numbers")
	}
	if r.MinOrgLevel > r.TargetOrgLevel {
		return configError(track, "", "responsibility "+string(level), -1, "min %v exceeds target %v", r.MinOrgLevel, r.TargetOrgLevel)
	}
	return nil
}
