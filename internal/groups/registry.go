// Package groups owns the mutable state of voting groups: who currently
// approves for each group and when its rotation last moved.
package groups

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"tierline/internal/audit"
	"tierline/internal/domain"
	"tierline/internal/engine/auth"
	"tierline/internal/policy"
)

var ErrNotFound = errors.New("voting group not found")

// Store persists a group together with the audit entry for the change.
// Save must fail with domain.ErrConflict when the stored version is not prev.Version.
type Store interface {
	List(ctx context.Context) ([]domain.VotingGroup, error)
	Save(ctx context.Context, prev, next domain.VotingGroup, entry domain.AuditEntry) error
}

type Options struct {
	TopAdminLevel float64

	// TopAdmin, when set, is consulted on every check instead of TopAdminLevel.
	TopAdmin func() float64
	Store    Store
	Sink     audit.Sink
	Logger   *zap.Logger
	Now      func() time.Time
}

type slot struct {
	mu    sync.Mutex
	group domain.VotingGroup
}

// Registry serializes writes per group. Different groups never block each other.
type Registry struct {
	mu       sync.RWMutex
	slots    map[string]*slot
	byDept   map[string]string
	topAdmin func() float64
	store    Store
	sink     audit.Sink
	log      *zap.Logger
	now      func() time.Time
}

func Load(ctx context.Context, opts Options) (*Registry, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("group store required")
	}
	r := &Registry{
		slots:    map[string]*slot{},
		byDept:   map[string]string{},
		topAdmin: opts.TopAdmin,
		store:    opts.Store,
		sink:     opts.Sink,
		log:      opts.Logger,
		now:      opts.Now,
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.topAdmin == nil {
		level := opts.TopAdminLevel
		r.topAdmin = func() float64 { return level }
	}
	if err := r.Refresh(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Refresh replaces the in-memory groups with what the store holds now, so
// rotations, approver changes and imports made by other processes are seen.
// An invalid stored set is rejected and the current state kept.
func (r *Registry) Refresh(ctx context.Context) error {
	list, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("load voting groups: %w", err)
	}
	byDept := make(map[string]string)
	for _, g := range list {
		if err := policy.ValidateGroup(g); err != nil {
			return err
		}
		for _, d := range g.MemberDepartmentIDs {
			if other, ok := byDept[d]; ok {
				return fmt.Errorf("%w: department %s in groups %s and %s", policy.ErrInvalidThresholdConfig, d, other, g.ID)
			}
			byDept[d] = g.ID
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	slots := make(map[string]*slot, len(list))
	for _, g := range list {
		s, ok := r.slots[g.ID]
		if !ok {
			s = &slot{}
		}
		s.mu.Lock()
		if !ok || g.Version >= s.group.Version {
			s.group = g.Clone()
		}
		s.mu.Unlock()
		slots[g.ID] = s
	}
	r.slots, r.byDept = slots, byDept
	return nil
}

func (r *Registry) slot(id string) (*slot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.slots[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

func (r *Registry) Get(id string) (domain.VotingGroup, error) {
	s, err := r.slot(id)
	if err != nil {
		return domain.VotingGroup{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.group.Clone(), nil
}

// List returns every group ordered by id.
func (r *Registry) List() []domain.VotingGroup {
	r.mu.RLock()
	ids := make([]string, 0, len(r.slots))
	for id := range r.slots {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	out := make([]domain.VotingGroup, 0, len(ids))
	for _, id := range ids {
		if g, err := r.Get(id); err == nil {
			out = append(out, g)
		}
	}
	return out
}

// ForDepartment returns the group a department votes through, if any.
func (r *Registry) ForDepartment(dept string) (domain.VotingGroup, bool) {
	r.mu.RLock()
	id, ok := r.byDept[dept]
	r.mu.RUnlock()
	if !ok {
		return domain.VotingGroup{}, false
	}
	g, err := r.Get(id)
	return g, err == nil
}

// retry runs op against freshly loaded state, once more if it loses a race
// with another writer.
func (r *Registry) retry(ctx context.Context, op func() error) error {
	for attempt := 0; ; attempt++ {
		if err := r.Refresh(ctx); err != nil {
			return err
		}
		err := op()
		if errors.Is(err, domain.ErrConflict) && attempt == 0 {
			continue
		}
		return err
	}
}

// Advance moves the rotation one step for the given scheduler tick. A tick at
// or before the last rotation is a no-op, so repeated delivery of the same
// tick advances at most once. The bool reports whether the rotation moved.
func (r *Registry) Advance(ctx context.Context, id string, tick time.Time, actor domain.Actor) (domain.VotingGroup, bool, error) {
	var (
		out   domain.VotingGroup
		moved bool
	)
	err := r.retry(ctx, func() error {
		var err error
		out, moved, err = r.advance(ctx, id, tick, actor)
		return err
	})
	if err != nil {
		return domain.VotingGroup{}, false, err
	}
	return out, moved, nil
}

func (r *Registry) advance(ctx context.Context, id string, tick time.Time, actor domain.Actor) (domain.VotingGroup, bool, error) {
	s, err := r.slot(id)
	if err != nil {
		return domain.VotingGroup{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.group
	rot, ok := prev.Rotating()
	if !ok {
		return domain.VotingGroup{}, false, fmt.Errorf("%w: %s", policy.ErrRotationDisabled, id)
	}
	if !rot.LastRotatedAt.IsZero() && !tick.After(rot.LastRotatedAt) {
		return prev.Clone(), false, nil
	}
	next, err := policy.AdvanceRotation(prev, tick)
	if err != nil {
		return domain.VotingGroup{}, false, err
	}
	next.Version = prev.Version + 1
	entry := audit.NewEntry(actor.ID, domain.ActionRotationAdvanced, "voting_group:"+id,
		map[string]any{"approver": prev.CurrentApprover(), "index": rot.CurrentIndex},
		map[string]any{"approver": next.CurrentApprover(), "index": (rot.CurrentIndex + 1) % len(rot.Members)},
		r.now())
	if err := r.store.Save(ctx, prev, next, entry); err != nil {
		return domain.VotingGroup{}, false, fmt.Errorf("save voting group %s: %w", id, err)
	}
	s.group = next
	r.log.Info("rotation advanced",
		zap.String("group", id),
		zap.String("from", prev.CurrentApprover()),
		zap.String("to", next.CurrentApprover()),
		zap.Time("tick", tick))
	return next.Clone(), true, nil
}

// SetPrimaryApprover replaces the fixed approver of a group. Only the top admin may do it.
func (r *Registry) SetPrimaryApprover(ctx context.Context, id, approverID string, actor domain.Actor) (domain.VotingGroup, error) {
	if approverID == "" {
		return domain.VotingGroup{}, errors.New("approver id required")
	}
	var out domain.VotingGroup
	err := r.retry(ctx, func() error {
		var err error
		out, err = r.setPrimaryApprover(ctx, id, approverID, actor)
		return err
	})
	if err != nil {
		return domain.VotingGroup{}, err
	}
	return out, nil
}

func (r *Registry) setPrimaryApprover(ctx context.Context, id, approverID string, actor domain.Actor) (domain.VotingGroup, error) {
	s, err := r.slot(id)
	if err != nil {
		return domain.VotingGroup{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.group
	now := r.now()
	if err := auth.RequireTopAdmin(actor, r.topAdmin(), domain.ActionApproverChanged); err != nil {
		r.log.Warn("approver change denied", zap.String("group", id), zap.String("actor", actor.ID))
		if r.sink != nil {
			entry := audit.NewEntry(actor.ID, domain.ActionApproverChangeDenied, "voting_group:"+id,
				map[string]any{"primary_approver": prev.PrimaryApproverID},
				map[string]any{"requested": approverID, "org_level": actor.OrgLevel}, now)
			if aerr := r.sink.Append(ctx, entry); aerr != nil {
				r.log.Error("audit denied approver change", zap.Error(aerr))
			}
		}
		return domain.VotingGroup{}, err
	}
	next := prev.Clone()
	next.PrimaryApproverID = approverID
	next.Version = prev.Version + 1
	entry := audit.NewEntry(actor.ID, domain.ActionApproverChanged, "voting_group:"+id,
		map[string]any{"primary_approver": prev.PrimaryApproverID},
		map[string]any{"primary_approver": approverID}, now)
	if err := r.store.Save(ctx, prev, next, entry); err != nil {
		return domain.VotingGroup{}, fmt.Errorf("save voting group %s: %w", id, err)
	}
	s.group = next
	r.log.Info("primary approver changed", zap.String("group", id), zap.String("approver", approverID))
	return next.Clone(), nil
}

// MemoryStore keeps groups in process.
type MemoryStore struct {
	mu     sync.Mutex
	groups map[string]domain.VotingGroup
	Sink   audit.Sink
}

func NewMemoryStore(sink audit.Sink, groups ...domain.VotingGroup) *MemoryStore {
	s := &MemoryStore{groups: map[string]domain.VotingGroup{}, Sink: sink}
	for _, g := range groups {
		s.groups[g.ID] = g.Clone()
	}
	return s
}

func (s *MemoryStore) List(context.Context) ([]domain.VotingGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.VotingGroup, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g.Clone())
	}
	return out, nil
}

// Remove deletes a group, as a config import that drops it would.
func (s *MemoryStore) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, id)
}

func (s *MemoryStore) Save(ctx context.Context, prev, next domain.VotingGroup, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.groups[prev.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, prev.ID)
	}
	if cur.Version != prev.Version {
		return domain.ErrConflict
	}
	if s.Sink != nil {
		if err := s.Sink.Append(ctx, entry); err != nil {
			return err
		}
	}
	s.groups[next.ID] = next.Clone()
	return nil
}
