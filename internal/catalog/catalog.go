// Package catalog publishes the threshold and responsibility tables that the
// resolvers read. Snapshots are immutable; writers replace them wholesale.
package catalog

import (
	"fmt"
	"sync"
	"sync/atomic"

	"tierline/internal/config"
	"tierline/internal/domain"
	"tierline/internal/policy"
)

// Catalog is one immutable snapshot of the configured tables.
type Catalog struct {
	topAdmin         float64
	defaultMode      domain.Track
	tables           map[domain.Track]domain.ThresholdTable
	departments      map[string]domain.ThresholdTable
	responsibilities map[domain.Track]map[domain.Level]domain.Responsibility

	// stamp identifies the stored document the snapshot was built from.
	stamp string
}

// FromConfig validates cfg and builds a snapshot from it.
func FromConfig(cfg *config.Config) (*Catalog, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Catalog{
		topAdmin:    cfg.Organization.TopAdminLevel,
		defaultMode: cfg.Organization.DefaultMode,
		tables: map[domain.Track]domain.ThresholdTable{
			domain.TrackAgenda:  cfg.Table(domain.TrackAgenda),
			domain.TrackProject: cfg.Table(domain.TrackProject),
		},
		departments: cfg.DepartmentTables(),
		responsibilities: map[domain.Track]map[domain.Level]domain.Responsibility{
			domain.TrackAgenda:  cfg.ResponsibilitiesFor(domain.TrackAgenda),
			domain.TrackProject: cfg.ResponsibilitiesFor(domain.TrackProject),
		},
	}, nil
}

func (c *Catalog) TopAdminLevel() float64    { return c.topAdmin }
func (c *Catalog) DefaultMode() domain.Track { return c.defaultMode }
func (c *Catalog) Stamp() string             { return c.stamp }

// WithStamp returns a copy tagged with the stored document it reflects.
func (c *Catalog) WithStamp(stamp string) *Catalog {
	next := *c
	next.stamp = stamp
	return &next
}

// Thresholds returns the table that applies to a proposal. Only the Project
// track honours department overrides.
func (c *Catalog) Thresholds(track domain.Track, dept string) domain.ThresholdTable {
	if track == domain.TrackProject && dept != "" {
		if t, ok := c.departments[dept]; ok {
			return t.Clone()
		}
	}
	if t, ok := c.tables[track]; ok {
		return t.Clone()
	}
	return domain.ThresholdTable{Track: track}
}

// Responsibility returns the record for a level, or false when none is configured.
func (c *Catalog) Responsibility(track domain.Track, level domain.Level) (domain.Responsibility, bool) {
	r, ok := c.responsibilities[track][level]
	return r, ok
}

// Rung pairs a level with its cutoff and responsibility. Nil fields are unconfigured.
type Rung struct {
	Level          domain.Level
	Cutoff         *float64
	Responsibility *domain.Responsibility
}

// Ladder lists every level of a track from PENDING upward.
func (c *Catalog) Ladder(track domain.Track, dept string) []Rung {
	table := c.Thresholds(track, dept)
	cutoffs := make(map[domain.Level]float64, len(table.Entries))
	for _, e := range table.Entries {
		cutoffs[e.Level] = e.Cutoff
	}
	var out []Rung
	for _, l := range domain.Ladder(track) {
		rung := Rung{Level: l}
		if v, ok := cutoffs[l]; ok {
			rung.Cutoff = &v
		}
		if r, ok := c.Responsibility(track, l); ok {
			rung.Responsibility = &r
		}
		out = append(out, rung)
	}
	return out
}

func (c *Catalog) withDepartment(dept string, table domain.ThresholdTable) *Catalog {
	next := *c
	next.stamp = ""
	next.departments = make(map[string]domain.ThresholdTable, len(c.departments)+1)
	for d, t := range c.departments {
		next.departments[d] = t
	}
	if len(table.Entries) == 0 {
		delete(next.departments, dept)
	} else {
		next.departments[dept] = table.Clone()
	}
	return &next
}

// Store hands out the current snapshot to any number of readers.
type Store struct {
	mu  sync.Mutex
	cur atomic.Pointer[Catalog]
}

func NewStore(c *Catalog) *Store {
	s := &Store{}
	s.cur.Store(c)
	return s
}

// Load returns the current snapshot.
func (s *Store) Load() *Catalog {
	return s.cur.Load()
}

// Publish replaces the snapshot.
func (s *Store) Publish(c *Catalog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Store(c)
}

func (s *Store) Thresholds(track domain.Track, dept string) domain.ThresholdTable {
	return s.Load().Thresholds(track, dept)
}

func (s *Store) Responsibility(track domain.Track, level domain.Level) (domain.Responsibility, bool) {
	return s.Load().Responsibility(track, level)
}

// SetDepartmentThresholds validates a Project-track override and publishes a
// new snapshot carrying it. Empty entries remove the override.
func (s *Store) SetDepartmentThresholds(dept string, entries []domain.Threshold) (*Catalog, error) {
	table := domain.ThresholdTable{Track: domain.TrackProject, Entries: entries}
	if len(entries) > 0 {
		if err := policy.ValidateDepartmentThresholds(dept, table); err != nil {
			return nil, err
		}
	} else if dept == "" {
		return nil, fmt.Errorf("%w: department required", policy.ErrInvalidThresholdConfig)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cur.Load().withDepartment(dept, table)
	s.cur.Store(next)
	return next, nil
}
