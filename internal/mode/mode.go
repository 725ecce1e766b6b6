// Package mode gates the organization-wide switch between the Agenda and
// Project tracks.
package mode

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tierline/internal/audit"
	"tierline/internal/domain"
	"tierline/internal/engine/auth"
	"tierline/internal/policy"
)

// Store persists the mode together with the audit entry describing the change.
// Save must fail with domain.ErrConflict when the stored version is not prev.Version.
type Store interface {
	Load(ctx context.Context) (domain.SystemMode, error)
	Save(ctx context.Context, prev, next domain.SystemMode, entry domain.AuditEntry) error
}

type Options struct {
	TopAdminLevel float64

	// TopAdmin, when set, is consulted on every check instead of TopAdminLevel.
	TopAdmin func() float64
	Store    Store

	// Sink receives denied attempts. Granted changes are recorded by Store.Save.
	Sink   audit.Sink
	Logger *zap.Logger
	Now    func() time.Time
}

type Manager struct {
	mu       sync.RWMutex
	current  domain.SystemMode
	topAdmin func() float64
	store    Store
	sink     audit.Sink
	log      *zap.Logger
	now      func() time.Time
}

// Load builds a manager seeded from the store.
func Load(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("mode store required")
	}
	cur, err := opts.Store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load system mode: %w", err)
	}
	if !cur.Current.Valid() {
		return nil, fmt.Errorf("%w: stored mode %q", policy.ErrUnknownTrack, cur.Current)
	}
	m := &Manager{
		current:  cur,
		topAdmin: opts.TopAdmin,
		store:    opts.Store,
		sink:     opts.Sink,
		log:      opts.Logger,
		now:      opts.Now,
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.topAdmin == nil {
		level := opts.TopAdminLevel
		m.topAdmin = func() float64 { return level }
	}
	return m, nil
}

// Current returns the mode in effect.
func (m *Manager) Current() domain.SystemMode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Track is shorthand for Current().Current.
func (m *Manager) Track() domain.Track {
	return m.Current().Current
}

// Refresh re-reads the store, picking up changes made by other processes.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshLocked(ctx)
}

func (m *Manager) refreshLocked(ctx context.Context) error {
	cur, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load system mode: %w", err)
	}
	if !cur.Current.Valid() {
		return fmt.Errorf("%w: stored mode %q", policy.ErrUnknownTrack, cur.Current)
	}
	if cur.Version != m.current.Version {
		m.log.Debug("mode reloaded", zap.String("mode", string(cur.Current)), zap.Int64("version", cur.Version))
	}
	m.current = cur
	return nil
}

// SetMode switches the organization to target. Only an actor seated exactly at
// the top admin level may do so; anyone else is refused and the attempt is audited.
// The stored mode is re-read first, and a write that loses a race with another
// process is retried once against the new state.
func (m *Manager) SetMode(ctx context.Context, target domain.Track, actor domain.Actor) (domain.SystemMode, error) {
	if !target.Valid() {
		return domain.SystemMode{}, fmt.Errorf("%w: %q", policy.ErrUnknownTrack, target)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.refreshLocked(ctx); err != nil {
		return domain.SystemMode{}, err
	}
	prev := m.current
	now := m.now()
	if err := auth.RequireTopAdmin(actor, m.topAdmin(), domain.ActionModeChanged); err != nil {
		m.log.Warn("mode change denied",
			zap.String("actor", actor.ID),
			zap.Float64("org_level", actor.OrgLevel),
			zap.String("requested", string(target)))
		m.recordDenied(ctx, actor, prev, target, now)
		return domain.SystemMode{}, err
	}

	var next domain.SystemMode
	for attempt := 0; ; attempt++ {
		next = domain.SystemMode{
			Current:       target,
			LastChangedBy: actor.ID,
			LastChangedAt: now.UTC().Format(time.RFC3339),
			Version:       prev.Version + 1,
		}
		entry := audit.NewEntry(actor.ID, domain.ActionModeChanged, "system_mode",
			map[string]any{"mode": string(prev.Current)},
			map[string]any{"mode": string(next.Current)}, now)
		err := m.store.Save(ctx, prev, next, entry)
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrConflict) || attempt > 0 {
			return domain.SystemMode{}, fmt.Errorf("save system mode: %w", err)
		}
		if err := m.refreshLocked(ctx); err != nil {
			return domain.SystemMode{}, err
		}
		prev = m.current
	}
	m.current = next
	m.log.Info("mode changed",
		zap.String("actor", actor.ID),
		zap.String("from", string(prev.Current)),
		zap.String("to", string(next.Current)),
		zap.Int64("version", next.Version))
	return next, nil
}

func (m *Manager) recordDenied(ctx context.Context, actor domain.Actor, prev domain.SystemMode, target domain.Track, now time.Time) {
	if m.sink == nil {
		return
	}
	entry := audit.NewEntry(actor.ID, domain.ActionModeChangeDenied, "system_mode",
		map[string]any{"mode": string(prev.Current)},
		map[string]any{"requested": string(target), "org_level": actor.OrgLevel}, now)
	if err := m.sink.Append(ctx, entry); err != nil {
		m.log.Error("audit denied mode change", zap.Error(err))
	}
}

// MemoryStore keeps the mode in process and forwards audit entries to Sink.
type MemoryStore struct {
	mu   sync.Mutex
	mode domain.SystemMode
	Sink audit.Sink
}

func NewMemoryStore(initial domain.Track, sink audit.Sink) *MemoryStore {
	return &MemoryStore{mode: domain.SystemMode{Current: initial}, Sink: sink}
}

func (s *MemoryStore) Load(context.Context) (domain.SystemMode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode, nil
}

func (s *MemoryStore) Save(ctx context.Context, prev, next domain.SystemMode, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode.Version != prev.Version {
		return domain.ErrConflict
	}
	if s.Sink != nil {
		if err := s.Sink.Append(ctx, entry); err != nil {
			return err
		}
	}
	s.mode = next
	return nil
}
