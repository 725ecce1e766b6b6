package groups_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"tierline/internal/audit"
	"tierline/internal/domain"
	"tierline/internal/engine/auth"
	"tierline/internal/groups"
	"tierline/internal/policy"
)

var scheduler = domain.Actor{ID: "scheduler"}

func rotatingGroup() domain.VotingGroup {
	return domain.VotingGroup{
		ID:                  "g-east",
		MemberDepartmentIDs: []string{"dept-a", "dept-b"},
		Rotation: domain.Rotating{
			Members: []string{"R1", "R2", "R3"},
			Period:  domain.PeriodMonthly,
		},
	}
}

func fixedGroup() domain.VotingGroup {
	return domain.VotingGroup{
		ID:                  "g-west",
		MemberDepartmentIDs: []string{"dept-c"},
		PrimaryApproverID:   "U1",
		Rotation:            domain.NoRotation{},
	}
}

func newRegistry(t *testing.T) (*groups.Registry, *audit.MemorySink) {
	t.Helper()
	sink := &audit.MemorySink{}
	r, err := groups.Load(context.Background(), groups.Options{
		TopAdminLevel: 100,
		Store:         groups.NewMemoryStore(sink, rotatingGroup(), fixedGroup()),
		Sink:          sink,
	})
	require.NoError(t, err)
	return r, sink
}

func TestRegistryLookup(t *testing.T) {
	r, _ := newRegistry(t)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "g-east", list[0].ID)
	assert.Equal(t, "g-west", list[1].ID)

	g, ok := r.ForDepartment("dept-b")
	require.True(t, ok)
	assert.Equal(t, "g-east", g.ID)

	_, ok = r.ForDepartment("dept-z")
	assert.False(t, ok)

	_, err := r.Get("missing")
	assert.ErrorIs(t, err, groups.ErrNotFound)
}

func TestLoadRejectsDepartmentInTwoGroups(t *testing.T) {
	other := fixedGroup()
	other.MemberDepartmentIDs = []string{"dept-a"}
	_, err := groups.Load(context.Background(), groups.Options{
		Store: groups.NewMemoryStore(nil, rotatingGroup(), other),
	})
	assert.ErrorIs(t, err, policy.ErrInvalidThresholdConfig)
}

func TestAdvanceIsIdempotentPerTick(t *testing.T) {
	r, sink := newRegistry(t)
	ctx := context.Background()
	tick := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)

	g, moved, err := r.Advance(ctx, "g-east", tick, scheduler)
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, "R2", g.CurrentApprover())

	g, moved, err = r.Advance(ctx, "g-east", tick, scheduler)
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Equal(t, "R2", g.CurrentApprover())

	g, moved, err = r.Advance(ctx, "g-east", tick.AddDate(0, 1, 0), scheduler)
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, "R3", g.CurrentApprover())
	assert.Equal(t, int64(2), g.Version)

	assert.Equal(t, []string{domain.ActionRotationAdvanced, domain.ActionRotationAdvanced}, sink.Actions())
}

func TestAdvanceFullCycleReturnsToStart(t *testing.T) {
	r, _ := newRegistry(t)
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= 3; i++ {
		_, _, err := r.Advance(context.Background(), "g-east", start.AddDate(0, i, 0), scheduler)
		require.NoError(t, err)
	}
	g, err := r.Get("g-east")
	require.NoError(t, err)
	assert.Equal(t, "R1", g.CurrentApprover())
}

func TestAdvanceDisabledRotation(t *testing.T) {
	r, _ := newRegistry(t)
	_, _, err := r.Advance(context.Background(), "g-west", time.Now(), scheduler)
	assert.ErrorIs(t, err, policy.ErrRotationDisabled)
}

func TestAdvanceConcurrentTicksMoveOnce(t *testing.T) {
	r, sink := newRegistry(t)
	tick := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			_, _, err := r.Advance(context.Background(), "g-east", tick, scheduler)
			return err
		})
	}
	require.NoError(t, g.Wait())

	got, err := r.Get("g-east")
	require.NoError(t, err)
	assert.Equal(t, "R2", got.CurrentApprover())
	assert.Len(t, sink.Entries(), 1)
}

func TestSetPrimaryApprover(t *testing.T) {
	r, sink := newRegistry(t)
	ctx := context.Background()

	_, err := r.SetPrimaryApprover(ctx, "g-west", "U7", domain.Actor{ID: "mgr", OrgLevel: 40})
	assert.ErrorIs(t, err, auth.ErrPermissionDenied)
	g, _ := r.Get("g-west")
	assert.Equal(t, "U1", g.PrimaryApproverID)

	g, err = r.SetPrimaryApprover(ctx, "g-west", "U7", domain.Actor{ID: "ceo", OrgLevel: 100})
	require.NoError(t, err)
	assert.Equal(t, "U7", g.CurrentApprover())

	assert.Equal(t, []string{domain.ActionApproverChangeDenied, domain.ActionApproverChanged}, sink.Actions())
}

func TestMemoryStoreDetectsConflict(t *testing.T) {
	store := groups.NewMemoryStore(nil, fixedGroup())
	prev := fixedGroup()
	next := prev.Clone()
	next.PrimaryApproverID = "U2"
	next.Version = 1
	require.NoError(t, store.Save(context.Background(), prev, next, domain.AuditEntry{}))
	assert.ErrorIs(t, store.Save(context.Background(), prev, next, domain.AuditEntry{}), domain.ErrConflict)
}

func TestRegistriesSharingAStoreConverge(t *testing.T) {
	ctx := context.Background()
	store := groups.NewMemoryStore(nil, rotatingGroup(), fixedGroup())
	server, err := groups.Load(ctx, groups.Options{TopAdminLevel: 100, Store: store})
	require.NoError(t, err)
	cli, err := groups.Load(ctx, groups.Options{TopAdminLevel: 100, Store: store})
	require.NoError(t, err)

	tick := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	_, moved, err := cli.Advance(ctx, "g-east", tick, scheduler)
	require.NoError(t, err)
	require.True(t, moved)

	require.NoError(t, server.Refresh(ctx))
	g, ok := server.ForDepartment("dept-a")
	require.True(t, ok)
	assert.Equal(t, "R2", g.CurrentApprover())

	// A writer holding stale state reads the store before writing.
	_, err = cli.SetPrimaryApprover(ctx, "g-west", "U7", domain.Actor{ID: "ceo", OrgLevel: 100})
	require.NoError(t, err)
	g, moved, err = server.Advance(ctx, "g-east", tick.AddDate(0, 1, 0), scheduler)
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, "R3", g.CurrentApprover())
	g, err = server.SetPrimaryApprover(ctx, "g-west", "U8", domain.Actor{ID: "ceo", OrgLevel: 100})
	require.NoError(t, err)
	assert.Equal(t, int64(2), g.Version)
}

func TestRefreshDropsRemovedGroups(t *testing.T) {
	ctx := context.Background()
	store := groups.NewMemoryStore(nil, rotatingGroup(), fixedGroup())
	r, err := groups.Load(ctx, groups.Options{Store: store})
	require.NoError(t, err)

	store.Remove("g-west")
	require.NoError(t, r.Refresh(ctx))
	_, err = r.Get("g-west")
	assert.ErrorIs(t, err, groups.ErrNotFound)
	_, ok := r.ForDepartment("dept-c")
	assert.False(t, ok)
	assert.Len(t, r.List(), 1)
}

func TestTopAdminLookupIsLive(t *testing.T) {
	level := 100.0
	r, err := groups.Load(context.Background(), groups.Options{
		TopAdmin: func() float64 { return level },
		Store:    groups.NewMemoryStore(nil, fixedGroup()),
	})
	require.NoError(t, err)

	level = 20
	_, err = r.SetPrimaryApprover(context.Background(), "g-west", "U7", domain.Actor{ID: "old-ceo", OrgLevel: 100})
	assert.ErrorIs(t, err, auth.ErrPermissionDenied)
	_, err = r.SetPrimaryApprover(context.Background(), "g-west", "U7", domain.Actor{ID: "new-ceo", OrgLevel: 20})
	assert.NoError(t, err)
}
