package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"tierline/internal/domain"
	"tierline/internal/policy"
)

// Config models tierline.yml.
type Config struct {
	Organization struct {
		ID            string       `yaml:"id"`
		TopAdminLevel float64      `yaml:"top_admin_level"`
		DefaultMode   domain.Track `yaml:"default_mode"`
	} `yaml:"organization"`
	Thresholds struct {
		Agenda             []domain.Threshold            `yaml:"agenda"`
		Project            []domain.Threshold            `yaml:"project"`
		ProjectDepartments map[string][]domain.Threshold `yaml:"project_departments,omitempty"`
	} `yaml:"thresholds"`
	Responsibilities struct {
		Agenda  map[domain.Level]domain.Responsibility `yaml:"agenda"`
		Project map[domain.Level]domain.Responsibility `yaml:"project"`
	} `yaml:"responsibilities"`
	VotingGroups []VotingGroup `yaml:"voting_groups,omitempty"`
}

type VotingGroup struct {
	ID              string    `yaml:"id"`
	Name            string    `yaml:"name,omitempty"`
	Departments     []string  `yaml:"departments"`
	PrimaryApprover string    `yaml:"primary_approver,omitempty"`
	Rotation        *Rotation `yaml:"rotation,omitempty"`
}

type Rotation struct {
	Members []string              `yaml:"members"`
	Period  domain.RotationPeriod `yaml:"period"`
}

// Validate checks structure and runs the threshold, responsibility and group validators.
func (c *Config) Validate() error {
	if c.Organization.ID == "" {
		return fmt.Errorf("config.organization.id is required")
	}
	if !c.Organization.DefaultMode.Valid() {
		return fmt.Errorf("config.organization.default_mode must be AGENDA or PROJECT, got %q", c.Organization.DefaultMode)
	}
	if err := policy.ValidateThresholds(c.Table(domain.TrackAgenda)); err != nil {
		return err
	}
	if err := policy.ValidateThresholds(c.Table(domain.TrackProject)); err != nil {
		return err
	}
	for dept, entries := range c.Thresholds.ProjectDepartments {
		if err := policy.ValidateDepartmentThresholds(dept, domain.ThresholdTable{Track: domain.TrackProject, Entries: entries}); err != nil {
			return err
		}
	}
	for level, r := range c.Responsibilities.Agenda {
		if err := policy.ValidateResponsibility(domain.TrackAgenda, level, r); err != nil {
			return err
		}
	}
	for level, r := range c.Responsibilities.Project {
		if err := policy.ValidateResponsibility(domain.TrackProject, level, r); err != nil {
			return err
		}
	}
	seenGroup := map[string]bool{}
	deptOwner := map[string]string{}
	for _, g := range c.Groups() {
		if err := policy.ValidateGroup(g); err != nil {
			return err
		}
		if seenGroup[g.ID] {
			return fmt.Errorf("%w: voting group %s defined twice", policy.ErrInvalidThresholdConfig, g.ID)
		}
		seenGroup[g.ID] = true
		for _, d := range g.MemberDepartmentIDs {
			if owner, ok := deptOwner[d]; ok {
				return fmt.Errorf("%w: department %s belongs to voting groups %s and %s", policy.ErrInvalidThresholdConfig, d, owner, g.ID)
			}
			deptOwner[d] = g.ID
		}
	}
	return nil
}

// Table returns the default threshold table for a track.
func (c *Config) Table(track domain.Track) domain.ThresholdTable {
	switch track {
	case domain.TrackAgenda:
		return domain.ThresholdTable{Track: track, Entries: append([]domain.Threshold(nil), c.Thresholds.Agenda...)}
	case domain.TrackProject:
		return domain.ThresholdTable{Track: track, Entries: append([]domain.Threshold(nil), c.Thresholds.Project...)}
	}
	return domain.ThresholdTable{Track: track}
}

// DepartmentTables returns the Project-track overrides keyed by department.
func (c *Config) DepartmentTables() map[string]domain.ThresholdTable {
	out := make(map[string]domain.ThresholdTable, len(c.Thresholds.ProjectDepartments))
	for dept, entries := range c.Thresholds.ProjectDepartments {
		out[dept] = domain.ThresholdTable{Track: domain.TrackProject, Entries: append([]domain.Threshold(nil), entries...)}
	}
	return out
}

// ResponsibilitiesFor returns the records for a track keyed by level.
func (c *Config) ResponsibilitiesFor(track domain.Track) map[domain.Level]domain.Responsibility {
	var src map[domain.Level]domain.Responsibility
	switch track {
	case domain.TrackAgenda:
		src = c.Responsibilities.Agenda
	case domain.TrackProject:
		src = c.Responsibilities.Project
	}
	out := make(map[domain.Level]domain.Responsibility, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// Groups converts the configured voting groups into their initial domain state.
func (c *Config) Groups() []domain.VotingGroup {
	out := make([]domain.VotingGroup, 0, len(c.VotingGroups))
	for _, g := range c.VotingGroups {
		vg := domain.VotingGroup{
			ID:                  g.ID,
			Name:                g.Name,
			MemberDepartmentIDs: append([]string(nil), g.Departments...),
			PrimaryApproverID:   g.PrimaryApprover,
			Rotation:            domain.NoRotation{},
		}
		if g.Rotation != nil {
			vg.Rotation = domain.Rotating{
				Members: append([]string(nil), g.Rotation.Members...),
				Period:  g.Rotation.Period,
			}
		}
		out = append(out, vg)
	}
	return out
}

// WithDepartmentThresholds returns a copy with the department's Project table
// replaced. An empty entries list removes the override.
func (c *Config) WithDepartmentThresholds(dept string, entries []domain.Threshold) *Config {
	next := *c
	next.Thresholds.ProjectDepartments = make(map[string][]domain.Threshold, len(c.Thresholds.ProjectDepartments)+1)
	for d, e := range c.Thresholds.ProjectDepartments {
		next.Thresholds.ProjectDepartments[d] = e
	}
	if len(entries) == 0 {
		delete(next.Thresholds.ProjectDepartments, dept)
	} else {
		next.Thresholds.ProjectDepartments[dept] = append([]domain.Threshold(nil), entries...)
	}
	return &next
}

// Departments lists departments with a Project override, sorted.
func (c *Config) Departments() []string {
	out := make([]string, 0, len(c.Thresholds.ProjectDepartments))
	for d := range c.Thresholds.ProjectDepartments {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// ToYAML renders the config back to a document.
func (c *Config) ToYAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "tierline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(orgID string) string {
	return fmt.Sprintf(defaultTemplate, orgID)
}

// Default returns the default Config struct for an organization.
func Default(orgID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(orgID))).Decode(&cfg)
	cfg.Organization.ID = orgID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `organization:
  id: %s
  top_admin_level: 10
  default_mode: AGENDA

thresholds:
  agenda:
    - {level: DEPT_REVIEW, cutoff: 10}
    - {level: DEPT_AGENDA, cutoff: 50}
    - {level: FACILITY_AGENDA, cutoff: 150}
    - {level: CORP_REVIEW, cutoff: 400}
    - {level: CORP_AGENDA, cutoff: 1000}
  project:
    - {level: TEAM, cutoff: 20}
    - {level: DEPARTMENT, cutoff: 100}
    - {level: FACILITY, cutoff: 400}
    - {level: ORGANIZATION, cutoff: 800}
    - {level: STRATEGIC, cutoff: 2000}

responsibilities:
  agenda:
    DEPT_REVIEW: {min: 4, target: 5, label: "Section chief"}
    DEPT_AGENDA: {min: 6, target: 7, label: "Department head"}
    FACILITY_AGENDA: {min: 7, target: 8, label: "Facility director"}
    CORP_REVIEW: {min: 8, target: 9, label: "Executive board"}
    CORP_AGENDA: {min: 9, target: 10, label: "Chief executive"}
  project:
    TEAM: {min: 3, target: 4, label: "Team lead"}
    DEPARTMENT: {min: 6, target: 7, label: "Department head"}
    FACILITY: {min: 7, target: 8, label: "Facility director"}
    ORGANIZATION: {min: 8, target: 9, label: "Executive board"}
    STRATEGIC: {min: 9, target: 10, label: "Chief executive"}
`
