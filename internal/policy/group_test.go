package policy_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tierline/internal/domain"
	"tierline/internal/policy"
)

func primaryGroup() domain.VotingGroup {
	return domain.VotingGroup{
		ID:                  "g-ops",
		MemberDepartmentIDs: []string{"dept-a", "dept-b"},
		PrimaryApproverID:   "U1",
		Rotation:            domain.NoRotation{},
	}
}

func TestResolveGroupPermissionPrimaryApprover(t *testing.T) {
	group := primaryGroup()
	resp := domain.Responsibility{MinOrgLevel: 8, TargetOrgLevel: 10}

	rep := policy.ResolveGroupPermission(domain.Actor{ID: "U1", OrgLevel: 3, DepartmentID: "dept-z"}, resp, group)
	want := domain.PermissionDecision{
		CanView: true, CanApprove: true, CanComment: true, CanFormTeam: true,
		Role: domain.RoleApprover, Basis: policy.BasisGroupApprover, ActingForGroup: "g-ops",
	}
	if diff := cmp.Diff(want, rep); diff != "" {
		t.Fatalf("group representative (-want +got):\n%s", diff)
	}

	member := policy.ResolveGroupPermission(domain.Actor{ID: "U2", OrgLevel: 10, DepartmentID: "dept-b"}, resp, group)
	assert.Equal(t, domain.RoleSupervisor, member.Role)
	assert.Equal(t, policy.BasisGroupMember, member.Basis)
	assert.True(t, member.CanView)
	assert.True(t, member.CanComment)
	assert.False(t, member.CanApprove)

	above := policy.ResolveGroupPermission(domain.Actor{ID: "U3", OrgLevel: 12, DepartmentID: "dept-a"}, resp, group)
	assert.Equal(t, domain.RoleSupervisor, above.Role)
	assert.False(t, above.CanApprove)
	assert.True(t, above.CanEmergencyOverride)
	assert.Empty(t, above.ActingForGroup)
}

func TestResolveGroupPermissionFallsThroughWithoutExactMatch(t *testing.T) {
	group := primaryGroup()
	resp := domain.Responsibility{MinOrgLevel: 8, TargetOrgLevel: 10}

	// At target but outside the group: exact match does not apply to grouped proposals.
	outsider := policy.ResolveGroupPermission(domain.Actor{ID: "U9", OrgLevel: 10, DepartmentID: "dept-q"}, resp, group)
	assert.Equal(t, domain.RoleNone, outsider.Role)

	delegate := policy.ResolveGroupPermission(domain.Actor{ID: "U4", OrgLevel: 9, DepartmentID: "dept-a"}, resp, group)
	assert.Equal(t, policy.BasisDelegate, delegate.Basis)

	learner := policy.ResolveGroupPermission(domain.Actor{ID: "U5", OrgLevel: 6, DepartmentID: "dept-a"}, resp, group)
	assert.Equal(t, policy.BasisLearning, learner.Basis)

	far := policy.ResolveGroupPermission(domain.Actor{ID: "U6", OrgLevel: 13, DepartmentID: "dept-a"}, resp, group)
	assert.Equal(t, policy.BasisFarAbove, far.Basis)
}

func TestResolveGroupPermissionUsesRotation(t *testing.T) {
	group := primaryGroup()
	group.Rotation = domain.Rotating{Members: []string{"R1", "R2", "R3"}, CurrentIndex: 1, Period: domain.PeriodMonthly}
	resp := domain.Responsibility{MinOrgLevel: 8, TargetOrgLevel: 10}

	d := policy.ResolveGroupPermission(domain.Actor{ID: "R2", OrgLevel: 1}, resp, group)
	assert.Equal(t, policy.BasisGroupApprover, d.Basis)

	// The primary approver loses the seat while rotation is enabled.
	d = policy.ResolveGroupPermission(domain.Actor{ID: "U1", OrgLevel: 1}, resp, group)
	assert.Equal(t, domain.RoleNone, d.Role)
}

func TestResolveGroupPermissionEmptyApproverNeverMatches(t *testing.T) {
	group := primaryGroup()
	group.PrimaryApproverID = ""
	d := policy.ResolveGroupPermission(domain.Actor{ID: "", OrgLevel: 1}, domain.Responsibility{MinOrgLevel: 8, TargetOrgLevel: 10}, group)
	assert.Equal(t, domain.RoleNone, d.Role)
}

func TestAdvanceRotationCycle(t *testing.T) {
	group := primaryGroup()
	group.Rotation = domain.Rotating{Members: []string{"R1", "R2", "R3", "R4"}, CurrentIndex: 2, Period: domain.PeriodQuarterly}
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	cur := group
	for i := 0; i < 4; i++ {
		next, err := policy.AdvanceRotation(cur, start.AddDate(0, 3*i, 0))
		require.NoError(t, err)
		cur = next
	}
	got, ok := cur.Rotating()
	require.True(t, ok)
	orig, _ := group.Rotating()
	assert.Equal(t, orig.CurrentIndex, got.CurrentIndex)
	assert.Equal(t, orig.Members, got.Members)
	assert.Equal(t, start.AddDate(0, 9, 0), got.LastRotatedAt)

	// The input group is never mutated.
	assert.True(t, orig.LastRotatedAt.IsZero())
}

func TestAdvanceRotationWraps(t *testing.T) {
	group := primaryGroup()
	group.Rotation = domain.Rotating{Members: []string{"R1", "R2"}, CurrentIndex: 1, Period: domain.PeriodMonthly}
	next, err := policy.AdvanceRotation(group, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "R1", next.CurrentApprover())
}

func TestAdvanceRotationDisabled(t *testing.T) {
	_, err := policy.AdvanceRotation(primaryGroup(), time.Now())
	assert.ErrorIs(t, err, policy.ErrRotationDisabled)
}

func TestRotationDue(t *testing.T) {
	last := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	monthly := domain.Rotating{Members: []string{"a"}, Period: domain.PeriodMonthly, LastRotatedAt: last}
	assert.False(t, policy.RotationDue(monthly, last.AddDate(0, 0, 20)))
	assert.True(t, policy.RotationDue(monthly, last.AddDate(0, 1, 0)))

	quarterly := domain.Rotating{Members: []string{"a"}, Period: domain.PeriodQuarterly, LastRotatedAt: last}
	assert.False(t, policy.RotationDue(quarterly, last.AddDate(0, 2, 0)))
	assert.True(t, policy.RotationDue(quarterly, last.AddDate(0, 3, 1)))

	perProject := domain.Rotating{Members: []string{"a"}, Period: domain.PeriodPerProject}
	assert.False(t, policy.RotationDue(perProject, last))
	assert.True(t, policy.RotationDue(domain.Rotating{Members: []string{"a"}, Period: domain.PeriodMonthly}, last))
}

func TestValidateGroup(t *testing.T) {
	ok := primaryGroup()
	assert.NoError(t, policy.ValidateGroup(ok))

	empty := primaryGroup()
	empty.Rotation = domain.Rotating{Period: domain.PeriodMonthly}
	assert.ErrorIs(t, policy.ValidateGroup(empty), policy.ErrInvalidThresholdConfig)

	outOfRange := primaryGroup()
	outOfRange.Rotation = domain.Rotating{Members: []string{"a"}, CurrentIndex: 1, Period: domain.PeriodMonthly}
	assert.ErrorIs(t, policy.ValidateGroup(outOfRange), policy.ErrInvalidThresholdConfig)

	dup := primaryGroup()
	dup.MemberDepartmentIDs = []string{"dept-a", "dept-a"}
	assert.ErrorIs(t, policy.ValidateGroup(dup), policy.ErrInvalidThresholdConfig)

	noDepts := primaryGroup()
	noDepts.MemberDepartmentIDs = nil
	assert.ErrorIs(t, policy.ValidateGroup(noDepts), policy.ErrInvalidThresholdConfig)

	badPeriod := primaryGroup()
	badPeriod.Rotation = domain.Rotating{Members: []string{"a"}, Period: "weekly"}
	assert.ErrorIs(t, policy.ValidateGroup(badPeriod), policy.ErrInvalidThresholdConfig)
}
