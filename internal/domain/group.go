package domain

import "time"

// Rotation is either NoRotation or Rotating. The unexported marker keeps the
// set closed so a disabled rotation can never be mistaken for an empty one.
type Rotation interface {
	rotation()
}

type NoRotation struct{}

func (NoRotation) rotation() {}

type RotationPeriod string

const (
	PeriodMonthly    RotationPeriod = "monthly"
	PeriodQuarterly  RotationPeriod = "quarterly"
	PeriodPerProject RotationPeriod = "per_project"
)

func (p RotationPeriod) Valid() bool {
	switch p {
	case PeriodMonthly, PeriodQuarterly, PeriodPerProject:
		return true
	}
	return false
}

type Rotating struct {
	Members       []string       `json:"members"`
	CurrentIndex  int            `json:"current_index"`
	Period        RotationPeriod `json:"period"`
	LastRotatedAt time.Time      `json:"last_rotated_at"`
}

func (Rotating) rotation() {}

type VotingGroup struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name,omitempty"`
	MemberDepartmentIDs []string `json:"member_department_ids"`
	PrimaryApproverID   string   `json:"primary_approver_id,omitempty"`
	Rotation            Rotation `json:"-"`
	// Version increments on every persisted change to rotation or approver state.
	Version int64 `json:"version"`
}

// HasDepartment reports whether dept is one of the group's members.
func (g VotingGroup) HasDepartment(dept string) bool {
	if dept == "" {
		return false
	}
	for _, d := range g.MemberDepartmentIDs {
		if d == dept {
			return true
		}
	}
	return false
}

// Rotating returns the rotation state when rotation is enabled.
func (g VotingGroup) Rotating() (Rotating, bool) {
	r, ok := g.Rotation.(Rotating)
	return r, ok
}

// CurrentApprover returns the member currently approving for the group.
func (g VotingGroup) CurrentApprover() string {
	if r, ok := g.Rotating(); ok {
		if r.CurrentIndex >= 0 && r.CurrentIndex < len(r.Members) {
			return r.Members[r.CurrentIndex]
		}
		return ""
	}
	return g.PrimaryApproverID
}

// Clone copies slices so the result can be mutated independently.
func (g VotingGroup) Clone() VotingGroup {
	out := g
	out.MemberDepartmentIDs = append([]string(nil), g.MemberDepartmentIDs...)
	if r, ok := g.Rotating(); ok {
		r.Members = append([]string(nil), r.Members...)
		out.Rotation = r
	} else {
		out.Rotation = NoRotation{}
	}
	return out
}
