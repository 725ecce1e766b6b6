package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"tierline/internal/config"
	"tierline/internal/db"
	"tierline/internal/engine"
	"tierline/internal/migrate"
	"tierline/internal/repo"
)

// DefaultOrgID names the organization seeded into an empty workspace.
const DefaultOrgID = "default-org"

// ResolveOrgAndConfig picks the active organization and loads its config from the DB,
// seeding the default config if missing. It prefers the override, then the single stored org.
func ResolveOrgAndConfig(ctx context.Context, orgOverride string, r repo.Repo) (string, *config.Config, error) {
	orgID := orgOverride
	if orgID == "" {
		id, err := r.SingleOrg(ctx)
		switch {
		case err == nil:
			orgID = id
		case errors.Is(err, repo.ErrNotFound):
			orgID = DefaultOrgID
		default:
			return "", nil, err
		}
	}
	cfg, err := r.GetOrgConfig(ctx, orgID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(orgID)
		if err := r.UpsertOrgConfig(ctx, orgID, cfg); err != nil {
			return "", nil, fmt.Errorf("seed org config: %w", err)
		}
	}
	cfg.Organization.ID = orgID
	return orgID, cfg, nil
}

type Options struct {
	Workspace string
	OrgID     string
	Logger    *zap.Logger
}

// Session is an engine bound to an open workspace database.
type Session struct {
	Engine engine.Engine
	Conn   *sql.DB
}

func (s Session) Close() error {
	return s.Conn.Close()
}

// Open migrates the workspace database and builds an engine for the resolved organization.
func Open(ctx context.Context, opts Options) (Session, error) {
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return Session{}, err
	}
	if _, err := migrate.Apply(ctx, conn, opts.Logger); err != nil {
		conn.Close()
		return Session{}, err
	}
	_, cfg, err := ResolveOrgAndConfig(ctx, opts.OrgID, repo.Repo{DB: conn})
	if err != nil {
		conn.Close()
		return Session{}, err
	}
	e, err := engine.New(ctx, conn, cfg, engine.Options{Logger: opts.Logger})
	if err != nil {
		conn.Close()
		return Session{}, err
	}
	return Session{Engine: e, Conn: conn}, nil
}
