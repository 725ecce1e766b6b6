package policy_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tierline/internal/domain"
	"tierline/internal/policy"
)

func actorAt(level float64) domain.Actor {
	return domain.Actor{ID: "a", OrgLevel: level, DepartmentID: "dept-x"}
}

func TestResolvePermissionBelowTarget(t *testing.T) {
	resp := domain.Responsibility{MinOrgLevel: 7, TargetOrgLevel: 8, Label: "department head"}

	cases := []struct {
		org  float64
		want domain.PermissionDecision
	}{
		{8, domain.PermissionDecision{CanView: true, CanApprove: true, CanComment: true, CanFormTeam: true, Role: domain.RoleApprover, Basis: policy.BasisExact}},
		{7, domain.PermissionDecision{CanView: true, CanApprove: true, CanComment: true, CanFormTeam: true, Role: domain.RoleApprover, Basis: policy.BasisDelegate}},
		{6, domain.PermissionDecision{CanView: true, Role: domain.RoleObserver, Basis: policy.BasisLearning}},
		{5, domain.PermissionDecision{CanView: true, Role: domain.RoleObserver, Basis: policy.BasisLearning}},
		{4, domain.PermissionDecision{Role: domain.RoleNone, Basis: policy.BasisNone}},
	}
	for _, tc := range cases {
		got := policy.ResolvePermission(actorAt(tc.org), resp)
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("org %v mismatch (-want +got):\n%s", tc.org, diff)
		}
	}
}

func TestResolvePermissionAboveTarget(t *testing.T) {
	resp := domain.Responsibility{MinOrgLevel: 6, TargetOrgLevel: 8}

	for _, org := range []float64{8.5, 9, 10} {
		d := policy.ResolvePermission(actorAt(org), resp)
		assert.Equal(t, domain.RoleSupervisor, d.Role, "org %v", org)
		assert.True(t, d.CanView)
		assert.True(t, d.CanComment)
		assert.True(t, d.CanEmergencyOverride)
		assert.False(t, d.CanApprove)
		assert.False(t, d.CanFormTeam)
	}
	for _, org := range []float64{10.01, 11, 50} {
		d := policy.ResolvePermission(actorAt(org), resp)
		assert.Equal(t, domain.RoleObserver, d.Role, "org %v", org)
		assert.Equal(t, policy.BasisFarAbove, d.Basis)
		assert.True(t, d.CanView)
		assert.True(t, d.CanEmergencyOverride)
		assert.False(t, d.CanApprove)
		assert.False(t, d.CanComment)
		assert.False(t, d.CanFormTeam)
	}
}

func TestResolvePermissionExactMatchAlwaysApproves(t *testing.T) {
	for _, resp := range []domain.Responsibility{
		{MinOrgLevel: 1, TargetOrgLevel: 1},
		{MinOrgLevel: 3, TargetOrgLevel: 9},
		{MinOrgLevel: -2, TargetOrgLevel: 0},
	} {
		d := policy.ResolvePermission(actorAt(resp.TargetOrgLevel), resp)
		assert.Equal(t, domain.RoleApprover, d.Role)
		assert.True(t, d.CanApprove)
		assert.False(t, d.CanEmergencyOverride)
	}
}

func TestResolvePermissionMinEqualsTarget(t *testing.T) {
	// With no delegate band, the learning band starts right below target.
	resp := domain.Responsibility{MinOrgLevel: 5, TargetOrgLevel: 5}
	assert.Equal(t, policy.BasisExact, policy.ResolvePermission(actorAt(5), resp).Basis)
	assert.Equal(t, policy.BasisLearning, policy.ResolvePermission(actorAt(4), resp).Basis)
	assert.Equal(t, policy.BasisLearning, policy.ResolvePermission(actorAt(3), resp).Basis)
	assert.Equal(t, policy.BasisNone, policy.ResolvePermission(actorAt(2.9), resp).Basis)
}

func TestRulesOrderAndIsolation(t *testing.T) {
	rules := policy.Rules()
	require.Len(t, rules, 5)
	names := make([]string, len(rules))
	for i, r := range rules {
		names[i] = r.Name
	}
	assert.Equal(t, []string{
		policy.BasisExact,
		policy.BasisSupervisor,
		policy.BasisFarAbove,
		policy.BasisDelegate,
		policy.BasisLearning,
	}, names)

	resp := domain.Responsibility{MinOrgLevel: 7, TargetOrgLevel: 8}
	matches := map[string][]float64{
		policy.BasisExact:      {8},
		policy.BasisSupervisor: {9, 10},
		policy.BasisFarAbove:   {9, 10, 11},
		policy.BasisDelegate:   {7, 7.5},
		policy.BasisLearning:   {5, 6, 6.9},
	}
	for _, r := range rules {
		for _, org := range matches[r.Name] {
			assert.True(t, r.Match(org, resp), "%s should match %v", r.Name, org)
		}
		assert.Equal(t, r.Name, r.Decide().Basis)
	}
	// far_above overlaps supervisor, so it must come after it.
	assert.Equal(t, policy.BasisSupervisor, policy.ResolvePermission(actorAt(10), resp).Basis)
}

func TestResolvePermissionForMissingResponsibility(t *testing.T) {
	d := policy.ResolvePermissionFor(actorAt(99), nil)
	assert.Equal(t, domain.RoleNone, d.Role)
	assert.False(t, d.CanView || d.CanApprove || d.CanComment || d.CanEmergencyOverride || d.CanFormTeam)
	assert.Equal(t, policy.BasisNoResponsibility, d.Basis)
}
