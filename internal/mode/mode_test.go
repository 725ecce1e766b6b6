package mode_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"tierline/internal/audit"
	"tierline/internal/domain"
	"tierline/internal/engine/auth"
	"tierline/internal/mode"
	"tierline/internal/policy"
)

const topAdmin = 100

var fixedNow = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newManager(t *testing.T, initial domain.Track) (*mode.Manager, *audit.MemorySink) {
	t.Helper()
	sink := &audit.MemorySink{}
	m, err := mode.Load(context.Background(), mode.Options{
		TopAdminLevel: topAdmin,
		Store:         mode.NewMemoryStore(initial, sink),
		Sink:          sink,
		Now:           func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	return m, sink
}

func TestSetModeByTopAdmin(t *testing.T) {
	m, sink := newManager(t, domain.TrackAgenda)
	admin := domain.Actor{ID: "ceo", OrgLevel: topAdmin}

	got, err := m.SetMode(context.Background(), domain.TrackProject, admin)
	require.NoError(t, err)
	assert.Equal(t, domain.TrackProject, got.Current)
	assert.Equal(t, "ceo", got.LastChangedBy)
	assert.Equal(t, fixedNow.Format(time.RFC3339), got.LastChangedAt)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, domain.TrackProject, m.Track())

	entries := sink.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, domain.ActionModeChanged, entries[0].Action)
	assert.Equal(t, "AGENDA", entries[0].Before["mode"])
	assert.Equal(t, "PROJECT", entries[0].After["mode"])

	// Switching back is always allowed.
	_, err = m.SetMode(context.Background(), domain.TrackAgenda, admin)
	require.NoError(t, err)
	assert.Equal(t, domain.TrackAgenda, m.Track())
}

func TestSetModeDeniedForNonAdmin(t *testing.T) {
	m, sink := newManager(t, domain.TrackAgenda)
	agenda := domain.ThresholdTable{
		Track:   domain.TrackAgenda,
		Entries: []domain.Threshold{{Level: domain.LevelDeptReview, Cutoff: 50}},
	}

	_, err := m.SetMode(context.Background(), domain.TrackProject, domain.Actor{ID: "attacker", OrgLevel: 50})
	require.Error(t, err)
	assert.ErrorIs(t, err, auth.ErrPermissionDenied)
	var denied *auth.PermissionDeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, "attacker", denied.ActorID)
	assert.Equal(t, float64(50), denied.Actual)

	assert.Equal(t, domain.TrackAgenda, m.Track())
	level, err := policy.ResolveLevel(75, m.Track(), agenda)
	require.NoError(t, err)
	assert.Equal(t, domain.LevelDeptReview, level)

	assert.Equal(t, []string{domain.ActionModeChangeDenied}, sink.Actions())
}

func TestSetModeGuardRejectsEveryOtherLevel(t *testing.T) {
	m, _ := newManager(t, domain.TrackProject)
	for _, lvl := range []float64{0, 1, 99, 99.999, 100.001, 101, 1000} {
		_, err := m.SetMode(context.Background(), domain.TrackAgenda, domain.Actor{ID: "x", OrgLevel: lvl})
		assert.ErrorIs(t, err, auth.ErrPermissionDenied, "org %v", lvl)
		assert.Equal(t, domain.TrackProject, m.Track())
	}
}

func TestSetModeUnknownTrack(t *testing.T) {
	m, sink := newManager(t, domain.TrackProject)
	_, err := m.SetMode(context.Background(), domain.Track("BOARD"), domain.Actor{ID: "ceo", OrgLevel: topAdmin})
	assert.ErrorIs(t, err, policy.ErrUnknownTrack)
	assert.Empty(t, sink.Entries())
}

func TestSetModeConcurrentWriters(t *testing.T) {
	m, sink := newManager(t, domain.TrackAgenda)
	admin := domain.Actor{ID: "ceo", OrgLevel: topAdmin}

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		target := domain.TrackProject
		if i%2 == 0 {
			target = domain.TrackAgenda
		}
		g.Go(func() error {
			_, err := m.SetMode(context.Background(), target, admin)
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(20), m.Current().Version)
	assert.Len(t, sink.Entries(), 20)
}

func TestMemoryStoreRejectsStaleVersion(t *testing.T) {
	store := mode.NewMemoryStore(domain.TrackAgenda, nil)
	ctx := context.Background()
	prev, err := store.Load(ctx)
	require.NoError(t, err)

	next := domain.SystemMode{Current: domain.TrackProject, Version: prev.Version + 1}
	require.NoError(t, store.Save(ctx, prev, next, domain.AuditEntry{}))
	err = store.Save(ctx, prev, next, domain.AuditEntry{})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestManagersSharingAStoreConverge(t *testing.T) {
	ctx := context.Background()
	store := mode.NewMemoryStore(domain.TrackAgenda, nil)
	server, err := mode.Load(ctx, mode.Options{TopAdminLevel: topAdmin, Store: store})
	require.NoError(t, err)
	cli, err := mode.Load(ctx, mode.Options{TopAdminLevel: topAdmin, Store: store})
	require.NoError(t, err)
	admin := domain.Actor{ID: "ceo", OrgLevel: topAdmin}

	_, err = cli.SetMode(ctx, domain.TrackProject, admin)
	require.NoError(t, err)
	require.NoError(t, server.Refresh(ctx))
	assert.Equal(t, domain.TrackProject, server.Track())

	_, err = cli.SetMode(ctx, domain.TrackAgenda, admin)
	require.NoError(t, err)
	got, err := server.SetMode(ctx, domain.TrackProject, admin)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Version)
	assert.Equal(t, domain.TrackProject, got.Current)
}

type racingStore struct {
	*mode.MemoryStore
	raced bool
}

// Save lets another writer win the first attempt.
func (s *racingStore) Save(ctx context.Context, prev, next domain.SystemMode, entry domain.AuditEntry) error {
	if !s.raced {
		s.raced = true
		other := domain.SystemMode{Current: domain.TrackProject, LastChangedBy: "other", Version: prev.Version + 1}
		if err := s.MemoryStore.Save(ctx, prev, other, domain.AuditEntry{}); err != nil {
			return err
		}
	}
	return s.MemoryStore.Save(ctx, prev, next, entry)
}

func TestSetModeRetriesOnceAfterLostRace(t *testing.T) {
	ctx := context.Background()
	store := &racingStore{MemoryStore: mode.NewMemoryStore(domain.TrackAgenda, nil)}
	m, err := mode.Load(ctx, mode.Options{TopAdminLevel: topAdmin, Store: store})
	require.NoError(t, err)

	got, err := m.SetMode(ctx, domain.TrackAgenda, domain.Actor{ID: "ceo", OrgLevel: topAdmin})
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, domain.TrackAgenda, m.Track())
}

func TestTopAdminLookupIsLive(t *testing.T) {
	level := float64(topAdmin)
	m, err := mode.Load(context.Background(), mode.Options{
		TopAdmin: func() float64 { return level },
		Store:    mode.NewMemoryStore(domain.TrackAgenda, nil),
	})
	require.NoError(t, err)

	level = 20
	_, err = m.SetMode(context.Background(), domain.TrackProject, domain.Actor{ID: "old-ceo", OrgLevel: topAdmin})
	assert.ErrorIs(t, err, auth.ErrPermissionDenied)
	_, err = m.SetMode(context.Background(), domain.TrackProject, domain.Actor{ID: "new-ceo", OrgLevel: 20})
	assert.NoError(t, err)
}
