package server

import (
	"time"

	"tierline/internal/catalog"
	"tierline/internal/domain"
)

// Request payloads

type SetModeRequest struct {
	Mode string `json:"mode" enum:"AGENDA,PROJECT"`
}

type ResolveLevelRequest struct {
	Score        *float64 `json:"score"`
	DepartmentID string   `json:"department_id,omitempty"`
	// Track overrides the mode in force.
	Track string `json:"track,omitempty" enum:"AGENDA,PROJECT"`
}

type ResolvePermissionRequest struct {
	Track string `json:"track" enum:"AGENDA,PROJECT"`
	Level string `json:"level"`
	// ActorID defaults to the caller.
	ActorID string `json:"actor_id,omitempty"`
}

type EvaluateRequest struct {
	Score        *float64 `json:"score"`
	DepartmentID string   `json:"department_id,omitempty"`
	ActorID      string   `json:"actor_id,omitempty"`
}

type AdvanceRotationRequest struct {
	Tick string `json:"tick,omitempty" format:"date-time"`
}

type SetApproverRequest struct {
	ApproverID string `json:"approver_id"`
}

type ThresholdTableRequest struct {
	Track   string             `json:"track" enum:"AGENDA,PROJECT"`
	Entries []domain.Threshold `json:"entries"`
}

type DepartmentThresholdsRequest struct {
	// Empty entries clear the override.
	Entries []domain.Threshold `json:"entries"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Responses

type ResolveLevelResponse struct {
	Track domain.Track `json:"track"`
	Level domain.Level `json:"level"`
}

type RotationResponse struct {
	Enabled       bool                  `json:"enabled"`
	Members       []string              `json:"members,omitempty"`
	CurrentIndex  int                   `json:"current_index"`
	Period        domain.RotationPeriod `json:"period,omitempty"`
	LastRotatedAt string                `json:"last_rotated_at,omitempty" format:"date-time"`
}

type GroupResponse struct {
	ID                  string           `json:"id"`
	Name                string           `json:"name,omitempty"`
	MemberDepartmentIDs []string         `json:"member_department_ids"`
	PrimaryApproverID   string           `json:"primary_approver_id,omitempty"`
	CurrentApproverID   string           `json:"current_approver_id,omitempty"`
	Rotation            RotationResponse `json:"rotation"`
	Version             int64            `json:"version"`
}

type AdvanceRotationResponse struct {
	Group    GroupResponse `json:"group"`
	Advanced bool          `json:"advanced"`
}

type RungResponse struct {
	Level          domain.Level           `json:"level"`
	Cutoff         *float64               `json:"cutoff,omitempty"`
	Responsibility *domain.Responsibility `json:"responsibility,omitempty"`
}

type LadderResponse struct {
	Track        domain.Track   `json:"track"`
	DepartmentID string         `json:"department_id,omitempty"`
	Rungs        []RungResponse `json:"rungs"`
}

type paginatedAudit struct {
	Items      []domain.AuditEntry `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID      string  `json:"actor_id"`
	Source       string  `json:"source"`
	Known        bool    `json:"known"`
	OrgLevel     float64 `json:"org_level,omitempty"`
	DepartmentID string  `json:"department_id,omitempty"`
	TopAdmin     bool    `json:"top_admin"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func groupResponse(g domain.VotingGroup) GroupResponse {
	resp := GroupResponse{
		ID:                  g.ID,
		Name:                g.Name,
		MemberDepartmentIDs: nonNilSlice(g.MemberDepartmentIDs),
		PrimaryApproverID:   g.PrimaryApproverID,
		CurrentApproverID:   g.CurrentApprover(),
		Version:             g.Version,
	}
	if r, ok := g.Rotating(); ok {
		resp.Rotation = RotationResponse{
			Enabled:      true,
			Members:      r.Members,
			CurrentIndex: r.CurrentIndex,
			Period:       r.Period,
		}
		if !r.LastRotatedAt.IsZero() {
			resp.Rotation.LastRotatedAt = r.LastRotatedAt.UTC().Format(time.RFC3339)
		}
	}
	return resp
}

func mapGroups(items []domain.VotingGroup) []GroupResponse {
	out := make([]GroupResponse, 0, len(items))
	for _, g := range items {
		out = append(out, groupResponse(g))
	}
	return out
}

func ladderResponse(track domain.Track, dept string, rungs []catalog.Rung) LadderResponse {
	resp := LadderResponse{Track: track, DepartmentID: dept, Rungs: make([]RungResponse, 0, len(rungs))}
	for _, r := range rungs {
		resp.Rungs = append(resp.Rungs, RungResponse{Level: r.Level, Cutoff: r.Cutoff, Responsibility: r.Responsibility})
	}
	return resp
}

func nonNilSlice(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
