package policy_test

import (
	"errors"
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tierline/internal/domain"
	"tierline/internal/policy"
)

func projectTable() domain.ThresholdTable {
	return domain.ThresholdTable{
		Track: domain.TrackProject,
		Entries: []domain.Threshold{
			{Level: domain.LevelDepartment, Cutoff: 100},
			{Level: domain.LevelFacility, Cutoff: 400},
			{Level: domain.LevelOrganization, Cutoff: 800},
		},
	}
}

func TestResolveLevelProjectLadder(t *testing.T) {
	table := projectTable()
	require.NoError(t, policy.ValidateThresholds(table))

	cases := []struct {
		score float64
		want  domain.Level
	}{
		{0, domain.LevelPending},
		{99.99, domain.LevelPending},
		{100, domain.LevelDepartment},
		{350, domain.LevelDepartment},
		{400, domain.LevelFacility},
		{799, domain.LevelFacility},
		{800, domain.LevelOrganization},
		{1e9, domain.LevelOrganization},
	}
	for _, tc := range cases {
		got, err := policy.ResolveLevel(tc.score, domain.TrackProject, table)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "score %v", tc.score)
	}
}

func TestResolveLevelRejectsInvalidScore(t *testing.T) {
	for _, score := range []float64{-1, -0.0001, math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := policy.ResolveLevel(score, domain.TrackProject, projectTable())
		assert.ErrorIs(t, err, policy.ErrInvalidScore, "score %v", score)
	}
}

func TestResolveLevelTrackMismatch(t *testing.T) {
	_, err := policy.ResolveLevel(10, domain.TrackAgenda, projectTable())
	assert.ErrorIs(t, err, policy.ErrTrackMismatch)

	_, err = policy.ResolveLevel(10, domain.Track("BOARD"), projectTable())
	assert.ErrorIs(t, err, policy.ErrUnknownTrack)
}

func TestResolveLevelSameScoreDiffersPerTrack(t *testing.T) {
	agenda := domain.ThresholdTable{
		Track: domain.TrackAgenda,
		Entries: []domain.Threshold{
			{Level: domain.LevelDeptReview, Cutoff: 50},
			{Level: domain.LevelDeptAgenda, Cutoff: 300},
		},
	}
	a, err := policy.ResolveLevel(350, domain.TrackAgenda, agenda)
	require.NoError(t, err)
	p, err := policy.ResolveLevel(350, domain.TrackProject, projectTable())
	require.NoError(t, err)
	assert.Equal(t, domain.LevelDeptAgenda, a)
	assert.Equal(t, domain.LevelDepartment, p)
}

func TestResolveLevelMonotonic(t *testing.T) {
	table := domain.ThresholdTable{
		Track: domain.TrackProject,
		Entries: []domain.Threshold{
			{Level: domain.LevelTeam, Cutoff: 10},
			{Level: domain.LevelDepartment, Cutoff: 100},
			{Level: domain.LevelFacility, Cutoff: 400},
			{Level: domain.LevelOrganization, Cutoff: 800},
			{Level: domain.LevelStrategic, Cutoff: 2000},
		},
	}
	require.NoError(t, policy.ValidateThresholds(table))

	rng := rand.New(rand.NewSource(7))
	scores := make([]float64, 500)
	for i := range scores {
		scores[i] = rng.Float64() * 2500
	}
	scores = append(scores, 0, 10, 100, 400, 800, 2000)
	sort.Float64s(scores)

	prev := -1
	for _, s := range scores {
		level, err := policy.ResolveLevel(s, domain.TrackProject, table)
		require.NoError(t, err)
		rank := domain.Rank(domain.TrackProject, level)
		require.GreaterOrEqual(t, rank, prev, "score %v resolved to %s", s, level)
		prev = rank
	}
}

func TestValidateThresholds(t *testing.T) {
	cases := []struct {
		name    string
		table   domain.ThresholdTable
		wantErr bool
	}{
		{name: "valid sparse", table: projectTable()},
		{name: "empty table", table: domain.ThresholdTable{Track: domain.TrackAgenda}},
		{
			name: "equal cutoffs",
			table: domain.ThresholdTable{Track: domain.TrackProject, Entries: []domain.Threshold{
				{Level: domain.LevelTeam, Cutoff: 100},
				{Level: domain.LevelDepartment, Cutoff: 100},
			}},
			wantErr: true,
		},
		{
			name: "decreasing cutoffs",
			table: domain.ThresholdTable{Track: domain.TrackProject, Entries: []domain.Threshold{
				{Level: domain.LevelTeam, Cutoff: 200},
				{Level: domain.LevelDepartment, Cutoff: 100},
			}},
			wantErr: true,
		},
		{
			name: "levels out of order",
			table: domain.ThresholdTable{Track: domain.TrackProject, Entries: []domain.Threshold{
				{Level: domain.LevelFacility, Cutoff: 100},
				{Level: domain.LevelDepartment, Cutoff: 200},
			}},
			wantErr: true,
		},
		{
			name: "level from other track",
			table: domain.ThresholdTable{Track: domain.TrackAgenda, Entries: []domain.Threshold{
				{Level: domain.LevelTeam, Cutoff: 10},
			}},
			wantErr: true,
		},
		{
			name: "pending with cutoff",
			table: domain.ThresholdTable{Track: domain.TrackAgenda, Entries: []domain.Threshold{
				{Level: domain.LevelPending, Cutoff: 0},
			}},
			wantErr: true,
		},
		{
			name: "negative cutoff",
			table: domain.ThresholdTable{Track: domain.TrackAgenda, Entries: []domain.Threshold{
				{Level: domain.LevelDeptReview, Cutoff: -5},
			}},
			wantErr: true,
		},
		{name: "unknown track", table: domain.ThresholdTable{Track: "BOARD"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := policy.ValidateThresholds(tc.table)
			if !tc.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, policy.ErrInvalidThresholdConfig)
			var cfgErr *policy.ThresholdConfigError
			assert.True(t, errors.As(err, &cfgErr))
		})
	}
}

func TestValidateDepartmentThresholdsProjectOnly(t *testing.T) {
	agenda := domain.ThresholdTable{Track: domain.TrackAgenda}
	assert.ErrorIs(t, policy.ValidateDepartmentThresholds("dept-a", agenda), policy.ErrInvalidThresholdConfig)
	assert.ErrorIs(t, policy.ValidateDepartmentThresholds("", projectTable()), policy.ErrInvalidThresholdConfig)
	assert.NoError(t, policy.ValidateDepartmentThresholds("dept-a", projectTable()))
}

func TestValidateResponsibility(t *testing.T) {
	assert.NoError(t, policy.ValidateResponsibility(domain.TrackProject, domain.LevelDepartment, domain.Responsibility{MinOrgLevel: 7, TargetOrgLevel: 8}))
	assert.NoError(t, policy.ValidateResponsibility(domain.TrackProject, domain.LevelDepartment, domain.Responsibility{MinOrgLevel: 8, TargetOrgLevel: 8}))
	err := policy.ValidateResponsibility(domain.TrackProject, domain.LevelDepartment, domain.Responsibility{MinOrgLevel: 9, TargetOrgLevel: 8})
	assert.ErrorIs(t, err, policy.ErrInvalidThresholdConfig)
	err = policy.ValidateResponsibility(domain.TrackAgenda, domain.LevelDepartment, domain.Responsibility{MinOrgLevel: 1, TargetOrgLevel: 2})
	assert.ErrorIs(t, err, policy.ErrInvalidThresholdConfig)
}
