package policy

import (
	"fmt"
	"time"

	"tierline/internal/domain"
)

// groupFallthrough is the permission table minus the exact-match rule: inside
// a group, sitting at the target level no longer grants approval by itself.
var groupFallthrough = rules[1:]

// ResolveGroupPermission resolves an actor against a proposal owned by a
// voting group. The group's current approver acts for the whole group; other
// members at the target level are demoted to supervisors.
func ResolveGroupPermission(actor domain.Actor, r domain.Responsibility, group domain.VotingGroup) domain.PermissionDecision {
	if current := group.CurrentApprover(); current != "" && actor.ID == current {
		d := approver(BasisGroupApprover)
		d.ActingForGroup = group.ID
		return d
	}
	if actor.OrgLevel == r.TargetOrgLevel && group.HasDepartment(actor.DepartmentID) {
		return domain.PermissionDecision{
			CanView:    true,
			CanComment: true,
			Role:       domain.RoleSupervisor,
			Basis:      BasisGroupMember,
		}
	}
	return evaluate(groupFallthrough, actor.OrgLevel, r)
}

// AdvanceRotation moves the group to its next rotation member and stamps the
// time. The input is left untouched.
func AdvanceRotation(group domain.VotingGroup, now time.Time) (domain.VotingGroup, error) {
	rot, ok := group.Rotating()
	if !ok {
		return group, fmt.Errorf("%w: %s", ErrRotationDisabled, group.ID)
	}
	if len(rot.Members) == 0 {
		return group, configError("", "", "voting group "+group.ID, -1, "rotation has no members")
	}
	next := group.Clone()
	nr, _ := next.Rotating()
	nr.CurrentIndex = (rot.CurrentIndex + 1) % len(rot.Members)
	nr.LastRotatedAt = now.UTC()
	next.Rotation = nr
	return next, nil
}

// RotationDue reports whether a scheduler should advance the rotation at now.
// Per-project rotations are only ever advanced explicitly.
func RotationDue(rot domain.Rotating, now time.Time) bool {
	if rot.LastRotatedAt.IsZero() {
		return rot.Period != domain.PeriodPerProject
	}
	switch rot.Period {
	case domain.PeriodMonthly:
		return !now.Before(rot.LastRotatedAt.AddDate(0, 1, 0))
	case domain.PeriodQuarterly:
		return !now.Before(rot.LastRotatedAt.AddDate(0, 3, 0))
	default:
		return false
	}
}

// ValidateGroup checks a voting group at creation time.
func ValidateGroup(g domain.VotingGroup) error {
	subject := "voting group " + g.ID
	if g.ID == "" {
		return configError("", "", "voting group", -1, "id required")
	}
	if len(g.MemberDepartmentIDs) == 0 {
		return configError("", "", subject, -1, "at least one member department required")
	}
	seen := map[string]bool{}
	for _, d := range g.MemberDepartmentIDs {
		if d == "" {
			return configError("", "", subject, -1, "empty department id")
		}
		if seen[d] {
			return configError("", "", subject, -1, "department %s listed twice", d)
		}
		seen[d] = true
	}
	switch rot := g.Rotation.(type) {
	case nil, domain.NoRotation:
	case domain.Rotating:
		if len(rot.Members) == 0 {
			return configError("", "", subject, -1, "rotation has no members")
		}
		if rot.CurrentIndex < 0 || rot.CurrentIndex >= len(rot.Members) {
			return configError("", "", subject, -1, "rotation index %d out of range", rot.CurrentIndex)
		}
		for _, m := range rot.Members {
			if m == "" {
				return configError("", "", subject, -1, "empty rotation member")
			}
		}
		if !rot.Period.Valid() {
			return configError("", "", subject, -1, "unknown rotation period %q", rot.Period)
		}
	default:
		return configError("", "", subject, -1, "unsupported rotation %T", rot)
	}
	return nil
}
