package policy

import "tierline/internal/domain"

// Rule is one row of the permission table. Rules are evaluated top-down and the
// first match decides; the ranges overlap at their edges, so order matters.
type Rule struct {
	Name   string
	Match  func(org float64, r domain.Responsibility) bool
	Decide func() domain.PermissionDecision
}

const supervisorReach = 2

// learningReach is how far below min an actor may still watch. The boundary
// is inclusive at min-2 and exclusive at min.
const learningReach = 2

const (
	BasisExact            = "exact"
	BasisSupervisor       = "supervisor"
	BasisFarAbove         = "far_above"
	BasisDelegate         = "delegate"
	BasisLearning         = "learning"
	BasisNone             = "none"
	BasisGroupApprover    = "group_representative"
	BasisGroupMember      = "group_member"
	BasisNoResponsibility = "no_responsibility"
)

var rules = []Rule{
	{
		Name:   BasisExact,
		Match:  func(org float64, r domain.Responsibility) bool { return org == r.TargetOrgLevel },
		Decide: func() domain.PermissionDecision { return approver(BasisExact) },
	},
	{
		Name: BasisSupervisor,
		Match: func(org float64, r domain.Responsibility) bool {
			return org > r.TargetOrgLevel && org-r.TargetOrgLevel <= supervisorReach
		},
		Decide: func() domain.PermissionDecision {
			return domain.PermissionDecision{
				CanView:              true,
				CanComment:           true,
				CanEmergencyOverride: true,
				Role:                 domain.RoleSupervisor,
				Basis:                BasisSupervisor,
			}
		},
	},
	{
		Name:  BasisFarAbove,
		Match: func(org float64, r domain.Responsibility) bool { return org > r.TargetOrgLevel },
		Decide: func() domain.PermissionDecision {
			return domain.PermissionDecision{
				CanView:              true,
				CanEmergencyOverride: true,
				Role:                 domain.RoleObserver,
				Basis:                BasisFarAbove,
			}
		},
	},
	{
		Name: BasisDelegate,
		Match: func(org float64, r domain.Responsibility) bool {
			return r.MinOrgLevel <= org && org < r.TargetOrgLevel
		},
		Decide: func() domain.PermissionDecision { return approver(BasisDelegate) },
	},
	{
		Name: BasisLearning,
		Match: func(org float64, r domain.Responsibility) bool {
			return r.MinOrgLevel-learningReach <= org && org < r.MinOrgLevel
		},
		Decide: func() domain.PermissionDecision {
			return domain.PermissionDecision{CanView: true, Role: domain.RoleObserver, Basis: BasisLearning}
		},
	},
}

// Rules returns a copy of the ordered permission table.
func Rules() []Rule {
	return append([]Rule(nil), rules...)
}

// ResolvePermission returns the decision of the first matching rule, or the
// all-false decision when none match.
func ResolvePermission(actor domain.Actor, r domain.Responsibility) domain.PermissionDecision {
	return evaluate(rules, actor.OrgLevel, r)
}

// ResolvePermissionFor treats a missing responsibility record as "no rights"
// so callers can always render a decision.
func ResolvePermissionFor(actor domain.Actor, r *domain.Responsibility) domain.PermissionDecision {
	if r == nil {
		d := None()
		d.Basis = BasisNoResponsibility
		return d
	}
	return ResolvePermission(actor, *r)
}

// None is the decision with every right withheld.
func None() domain.PermissionDecision {
	return domain.PermissionDecision{Role: domain.RoleNone, Basis: BasisNone}
}

func evaluate(table []Rule, org float64, r domain.Responsibility) domain.PermissionDecision {
	for _, rule := range table {
		if rule.Match(org, r) {
			return rule.Decide()
		}
	}
	return None()
}

func approver(basis string) domain.PermissionDecision {
	return domain.PermissionDecision{
		CanView:     true,
		CanApprove:  true,
		CanComment:  true,
		CanFormTeam: true,
		Role:        domain.RoleApprover,
		Basis:       basis,
	}
}
