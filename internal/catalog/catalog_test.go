package catalog_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"tierline/internal/catalog"
	"tierline/internal/config"
	"tierline/internal/domain"
	"tierline/internal/policy"
)

func newStore(t *testing.T) *catalog.Store {
	t.Helper()
	c, err := catalog.FromConfig(config.Default("acme"))
	require.NoError(t, err)
	return catalog.NewStore(c)
}

func TestCatalogLookups(t *testing.T) {
	s := newStore(t)
	c := s.Load()
	assert.Equal(t, float64(10), c.TopAdminLevel())
	assert.Equal(t, domain.TrackAgenda, c.DefaultMode())

	table := s.Thresholds(domain.TrackProject, "dept-unknown")
	assert.Equal(t, domain.TrackProject, table.Track)
	assert.Equal(t, float64(100), table.Entries[1].Cutoff)

	r, ok := s.Responsibility(domain.TrackAgenda, domain.LevelCorpAgenda)
	require.True(t, ok)
	assert.Equal(t, float64(10), r.TargetOrgLevel)

	_, ok = s.Responsibility(domain.TrackAgenda, domain.LevelPending)
	assert.False(t, ok)
}

func TestLadderMarksSparseLevels(t *testing.T) {
	cfg := config.Default("acme")
	cfg.Thresholds.Project = []domain.Threshold{{Level: domain.LevelDepartment, Cutoff: 100}}
	c, err := catalog.FromConfig(cfg)
	require.NoError(t, err)

	rungs := c.Ladder(domain.TrackProject, "")
	require.Len(t, rungs, 6)
	assert.Equal(t, domain.LevelPending, rungs[0].Level)
	assert.Nil(t, rungs[0].Cutoff)
	assert.Nil(t, rungs[1].Cutoff)
	require.NotNil(t, rungs[2].Cutoff)
	assert.Equal(t, float64(100), *rungs[2].Cutoff)
	require.NotNil(t, rungs[2].Responsibility)
}

func TestSetDepartmentThresholdsCopyOnWrite(t *testing.T) {
	s := newStore(t)
	before := s.Load()

	override := []domain.Threshold{{Level: domain.LevelDepartment, Cutoff: 30}, {Level: domain.LevelFacility, Cutoff: 90}}
	_, err := s.SetDepartmentThresholds("dept-r", override)
	require.NoError(t, err)

	assert.Equal(t, float64(100), before.Thresholds(domain.TrackProject, "dept-r").Entries[1].Cutoff)
	got := s.Thresholds(domain.TrackProject, "dept-r")
	assert.Equal(t, override, got.Entries)

	level, err := policy.ResolveLevel(50, domain.TrackProject, got)
	require.NoError(t, err)
	assert.Equal(t, domain.LevelDepartment, level)

	// Agenda never consults department overrides.
	assert.Len(t, s.Thresholds(domain.TrackAgenda, "dept-r").Entries, 5)

	_, err = s.SetDepartmentThresholds("dept-r", nil)
	require.NoError(t, err)
	assert.Len(t, s.Thresholds(domain.TrackProject, "dept-r").Entries, 5)
}

func TestSetDepartmentThresholdsRejectsInvalid(t *testing.T) {
	s := newStore(t)
	before := s.Load()
	_, err := s.SetDepartmentThresholds("dept-r", []domain.Threshold{
		{Level: domain.LevelFacility, Cutoff: 30},
		{Level: domain.LevelDepartment, Cutoff: 90},
	})
	assert.ErrorIs(t, err, policy.ErrInvalidThresholdConfig)
	assert.Same(t, before, s.Load())
}

func TestReadersSeeWholeSnapshots(t *testing.T) {
	s := newStore(t)
	a := []domain.Threshold{{Level: domain.LevelTeam, Cutoff: 1}, {Level: domain.LevelDepartment, Cutoff: 2}}
	b := []domain.Threshold{{Level: domain.LevelTeam, Cutoff: 10}, {Level: domain.LevelDepartment, Cutoff: 20}}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		for i := 0; i < 200; i++ {
			next := a
			if i%2 == 1 {
				next = b
			}
			if _, err := s.SetDepartmentThresholds("dept-x", next); err != nil {
				return err
			}
		}
		return nil
	})
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			for ctx.Err() == nil {
				e := s.Thresholds(domain.TrackProject, "dept-x").Entries
				if len(e) == 2 && e[1].Cutoff != e[0].Cutoff*2 {
					t.Errorf("torn read: %+v", e)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func writeConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	data, err := cfg.ToYAML()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestWatcherReloadsValidEdits(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := filepath.Join(t.TempDir(), "tierline.yml")
	cfg := config.Default("acme")
	writeConfig(t, path, cfg)
	s := newStore(t)

	w, err := catalog.NewWatcher(path, s, nil)
	require.NoError(t, err)
	w.SetDebounce(20 * time.Millisecond)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	cfg.Thresholds.Project[0].Cutoff = 5
	writeConfig(t, path, cfg)
	require.Eventually(t, func() bool {
		return s.Thresholds(domain.TrackProject, "").Entries[0].Cutoff == 5
	}, 3*time.Second, 20*time.Millisecond)

	live := s.Load()
	require.NoError(t, os.WriteFile(path, []byte("organization: {id: ''}\n"), 0o644))
	time.Sleep(200 * time.Millisecond)
	assert.Same(t, live, s.Load())
}

func TestWatcherReloadReportsErrors(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := filepath.Join(t.TempDir(), "tierline.yml")
	require.NoError(t, os.WriteFile(path, []byte("thresholds: ["), 0o644))
	w, err := catalog.NewWatcher(path, newStore(t), nil)
	require.NoError(t, err)
	defer w.Stop()
	assert.Error(t, w.Reload())
}

func TestWatcherApplyHookControlsPublish(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := filepath.Join(t.TempDir(), "tierline.yml")
	cfg := config.Default("acme")
	cfg.Thresholds.Project[0].Cutoff = 5
	writeConfig(t, path, cfg)
	s := newStore(t)
	live := s.Load()

	w, err := catalog.NewWatcher(path, s, nil)
	require.NoError(t, err)
	defer w.Stop()

	w.OnReload(func(*config.Config) error { return errors.New("database is locked") })
	err = w.Reload()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.Same(t, live, s.Load())

	var applied string
	w.OnReload(func(c *config.Config) error {
		applied = c.Organization.ID
		return nil
	})
	require.NoError(t, w.Reload())
	assert.Equal(t, "acme", applied)
	assert.Same(t, live, s.Load(), "the hook publishes, not the watcher")
}
