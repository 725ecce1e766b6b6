package domain

import (
	"errors"
	"time"
)

// ErrConflict is returned by stores when the persisted version moved under a writer.
var ErrConflict = errors.New("concurrent update conflict")

// Track selects one of the two level ladders laid over the score axis.
type Track string

const (
	TrackAgenda  Track = "AGENDA"
	TrackProject Track = "PROJECT"
)

// Valid reports whether t is a known track.
func (t Track) Valid() bool {
	return t == TrackAgenda || t == TrackProject
}

type Level string

const LevelPending Level = "PENDING"

const (
	LevelDeptReview     Level = "DEPT_REVIEW"
	LevelDeptAgenda     Level = "DEPT_AGENDA"
	LevelFacilityAgenda Level = "FACILITY_AGENDA"
	LevelCorpReview     Level = "CORP_REVIEW"
	LevelCorpAgenda     Level = "CORP_AGENDA"
)

const (
	LevelTeam         Level = "TEAM"
	LevelDepartment   Level = "DEPARTMENT"
	LevelFacility     Level = "FACILITY"
	LevelOrganization Level = "ORGANIZATION"
	LevelStrategic    Level = "STRATEGIC"
)

var ladders = map[Track][]Level{
	TrackAgenda:  {LevelPending, LevelDeptReview, LevelDeptAgenda, LevelFacilityAgenda, LevelCorpReview, LevelCorpAgenda},
	TrackProject: {LevelPending, LevelTeam, LevelDepartment, LevelFacility, LevelOrganization, LevelStrategic},
}

// Ladder returns the levels of a track from lowest to highest.
func Ladder(t Track) []Level {
	return append([]Level(nil), ladders[t]...)
}

// Rank returns the position of level within the track ladder, or -1 when the
// level does not belong to the track.
func Rank(t Track, l Level) int {
	for i, candidate := range ladders[t] {
		if candidate == l {
			return i
		}
	}
	return -1
}

type Actor struct {
	ID           string  `json:"id"`
	OrgLevel     float64 `json:"org_level"`
	DepartmentID string  `json:"department_id,omitempty"`
}

type Threshold struct {
	Level  Level   `json:"level" yaml:"level"`
	Cutoff float64 `json:"cutoff" yaml:"cutoff"`
}

// ThresholdTable lists cutoffs in ladder order. Levels without an entry are
// never resolved for this table.
type ThresholdTable struct {
	Track   Track       `json:"track"`
	Entries []Threshold `json:"entries"`
}

// Clone returns a deep copy so callers can edit without touching a published table.
func (t ThresholdTable) Clone() ThresholdTable {
	return ThresholdTable{Track: t.Track, Entries: append([]Threshold(nil), t.Entries...)}
}

type Responsibility struct {
	MinOrgLevel    float64 `json:"min_org_level" yaml:"min"`
	TargetOrgLevel float64 `json:"target_org_level" yaml:"target"`
	Label          string  `json:"label" yaml:"label"`
}

type Role string

const (
	RoleApprover   Role = "approver"
	RoleSupervisor Role = "supervisor"
	RoleObserver   Role = "observer"
	RoleNone       Role = "none"
)

type PermissionDecision struct {
	CanView              bool   `json:"can_view"`
	CanApprove           bool   `json:"can_approve"`
	CanComment           bool   `json:"can_comment"`
	CanEmergencyOverride bool   `json:"can_emergency_override"`
	CanFormTeam          bool   `json:"can_form_team"`
	Role                 Role   `json:"role"`
	Basis                string `json:"basis"`
	ActingForGroup       string `json:"acting_for_group,omitempty"`
}

type SystemMode struct {
	Current       Track  `json:"current"`
	LastChangedBy string `json:"last_changed_by,omitempty"`
	LastChangedAt string `json:"last_changed_at,omitempty" format:"date-time"`
	Version       int64  `json:"version"`
}

// AuditEntry is an immutable record of a privileged action, granted or denied.
type AuditEntry struct {
	ID        string         `json:"id"`
	ActorID   string         `json:"actor_id"`
	Action    string         `json:"action"`
	Subject   string         `json:"subject,omitempty"`
	Before    map[string]any `json:"before,omitempty"`
	After     map[string]any `json:"after,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

const (
	ActionModeChanged          = "SYSTEM_MODE_CHANGED"
	ActionModeChangeDenied     = "SYSTEM_MODE_CHANGE_DENIED"
	ActionRotationAdvanced     = "VOTING_GROUP_ROTATED"
	ActionApproverChanged      = "VOTING_GROUP_APPROVER_CHANGED"
	ActionApproverChangeDenied = "VOTING_GROUP_APPROVER_CHANGE_DENIED"
	ActionThresholdsChanged    = "THRESHOLDS_CHANGED"
	ActionThresholdsDenied     = "THRESHOLDS_CHANGE_DENIED"
)

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
