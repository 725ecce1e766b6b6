package app_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tierline/internal/app"
	"tierline/internal/config"
	"tierline/internal/db"
	"tierline/internal/domain"
	"tierline/internal/migrate"
	"tierline/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func TestResolveSeedsDefaultOrg(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)

	orgID, cfg, err := app.ResolveOrgAndConfig(ctx, "", r)
	require.NoError(t, err)
	assert.Equal(t, app.DefaultOrgID, orgID)
	assert.Equal(t, domain.TrackAgenda, cfg.Organization.DefaultMode)

	stored, err := r.GetOrgConfig(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, cfg.Organization.TopAdminLevel, stored.Organization.TopAdminLevel)
}

func TestResolvePrefersSingleStoredOrg(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	require.NoError(t, r.UpsertOrgConfig(ctx, "acme", config.Default("acme")))

	orgID, _, err := app.ResolveOrgAndConfig(ctx, "", r)
	require.NoError(t, err)
	assert.Equal(t, "acme", orgID)

	require.NoError(t, r.UpsertOrgConfig(ctx, "globex", config.Default("globex")))
	_, _, err = app.ResolveOrgAndConfig(ctx, "", r)
	assert.ErrorContains(t, err, "--org")

	orgID, _, err = app.ResolveOrgAndConfig(ctx, "globex", r)
	require.NoError(t, err)
	assert.Equal(t, "globex", orgID)
}

func TestOpenBuildsEngine(t *testing.T) {
	ctx := context.Background()
	s, err := app.Open(ctx, app.Options{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	assert.Equal(t, app.DefaultOrgID, s.Engine.OrgID)
	assert.Equal(t, domain.TrackAgenda, s.Engine.Modes.Current().Current)
}
