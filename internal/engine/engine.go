package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tierline/internal/audit"
	"tierline/internal/catalog"
	"tierline/internal/config"
	"tierline/internal/domain"
	"tierline/internal/engine/auth"
	"tierline/internal/events"
	"tierline/internal/groups"
	"tierline/internal/mode"
	"tierline/internal/policy"
	"tierline/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	OrgID   string
	Repo    repo.Repo
	Events  events.Writer
	Auth    auth.Service
	Catalog *catalog.Store
	Modes   *mode.Manager
	Groups  *groups.Registry
	Log     *zap.Logger
	Now     func() time.Time
}

type Options struct {
	Logger *zap.Logger
	Now    func() time.Time
}

// New publishes cfg, seeds engine-owned state on first boot and loads the
// mode and voting-group state from the database.
func New(ctx context.Context, conn *sql.DB, cfg *config.Config, opts Options) (Engine, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	cat, err := catalog.FromConfig(cfg)
	if err != nil {
		return Engine{}, err
	}
	e := Engine{
		DB:      conn,
		OrgID:   cfg.Organization.ID,
		Repo:    repo.Repo{DB: conn},
		Events:  events.Writer{DB: conn, Now: now},
		Auth:    auth.Service{DB: conn},
		Catalog: catalog.NewStore(cat),
		Log:     log,
		Now:     now,
	}
	modeStore := repo.ModeStore{Repo: e.Repo, Events: e.Events}
	groupStore := repo.GroupStore{Repo: e.Repo, Events: e.Events}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return Engine{}, err
	}
	defer tx.Rollback()
	if err := modeStore.EnsureMode(ctx, tx, cfg.Organization.DefaultMode); err != nil {
		return Engine{}, fmt.Errorf("seed system mode: %w", err)
	}
	if _, err := groupStore.SyncGroups(ctx, tx, cfg.Groups(), cfg.Groups()); err != nil {
		return Engine{}, fmt.Errorf("sync voting groups: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Engine{}, err
	}

	sink := events.Sink{Writer: e.Events}
	e.Modes, err = mode.Load(ctx, mode.Options{
		TopAdmin: e.topAdmin,
		Store:    modeStore,
		Sink:     sink,
		Logger:   log.Named("mode"),
		Now:      now,
	})
	if err != nil {
		return Engine{}, err
	}
	e.Groups, err = groups.Load(ctx, groups.Options{
		TopAdmin: e.topAdmin,
		Store:    groupStore,
		Sink:     sink,
		Logger:   log.Named("groups"),
		Now:      now,
	})
	if err != nil {
		return Engine{}, err
	}
	return e, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) sink() audit.Sink {
	return events.Sink{Writer: e.Events}
}

func (e Engine) topAdmin() float64 {
	return e.Catalog.Load().TopAdminLevel()
}

// Sync picks up what other processes sharing the database changed: the
// system mode, voting-group state and the stored config.
func (e Engine) Sync(ctx context.Context) error {
	if err := e.Modes.Refresh(ctx); err != nil {
		return err
	}
	if err := e.Groups.Refresh(ctx); err != nil {
		return err
	}
	raw, err := e.Repo.OrgConfigYAML(ctx, e.OrgID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if raw == e.Catalog.Load().Stamp() {
		return nil
	}
	cfg, err := config.FromYAML([]byte(raw))
	if err != nil {
		return fmt.Errorf("stored config: %w", err)
	}
	cat, err := catalog.FromConfig(cfg)
	if err != nil {
		return fmt.Errorf("stored config: %w", err)
	}
	e.Catalog.Publish(cat.WithStamp(raw))
	e.Log.Debug("stored config reloaded", zap.String("org", e.OrgID))
	return nil
}

// ResolveLevel maps a score to a level on the track currently in force.
func (e Engine) ResolveLevel(ctx context.Context, score float64, dept string) (domain.Track, domain.Level, error) {
	if err := e.Sync(ctx); err != nil {
		return "", "", err
	}
	return e.resolveLevel(score, dept)
}

func (e Engine) resolveLevel(score float64, dept string) (domain.Track, domain.Level, error) {
	track := e.Modes.Track()
	level, err := policy.ResolveLevel(score, track, e.Catalog.Thresholds(track, dept))
	return track, level, err
}

// ResolvePermission looks up the responsibility for (track, level) and resolves the actor against it.
func (e Engine) ResolvePermission(actor domain.Actor, track domain.Track, level domain.Level) domain.PermissionDecision {
	return policy.ResolvePermissionFor(actor, e.responsibility(track, level))
}

func (e Engine) responsibility(track domain.Track, level domain.Level) *domain.Responsibility {
	r, ok := e.Catalog.Responsibility(track, level)
	if !ok {
		return nil
	}
	return &r
}

type Proposal struct {
	Score        float64
	DepartmentID string
}

// Evaluation is everything a caller needs to render one actor's view of a proposal.
type Evaluation struct {
	Track          domain.Track              `json:"track"`
	Level          domain.Level              `json:"level"`
	Label          string                    `json:"label,omitempty"`
	Responsibility *domain.Responsibility    `json:"responsibility,omitempty"`
	GroupID        string                    `json:"group_id,omitempty"`
	Decision       domain.PermissionDecision `json:"decision"`
}

// EvaluateProposal resolves the level for the proposal and the actor's rights
// at that level. Proposals from a department that votes through a group are
// resolved against the group.
func (e Engine) EvaluateProposal(ctx context.Context, p Proposal, actor domain.Actor) (Evaluation, error) {
	if err := e.Sync(ctx); err != nil {
		return Evaluation{}, err
	}
	track, level, err := e.resolveLevel(p.Score, p.DepartmentID)
	if err != nil {
		return Evaluation{}, err
	}
	ev := Evaluation{Track: track, Level: level, Responsibility: e.responsibility(track, level)}
	if ev.Responsibility != nil {
		ev.Label = ev.Responsibility.Label
	}
	group, grouped := e.Groups.ForDepartment(p.DepartmentID)
	switch {
	case ev.Responsibility == nil:
		ev.Decision = policy.ResolvePermissionFor(actor, nil)
	case grouped:
		ev.GroupID = group.ID
		ev.Decision = policy.ResolveGroupPermission(actor, *ev.Responsibility, group)
	default:
		ev.Decision = policy.ResolvePermission(actor, *ev.Responsibility)
	}
	e.Log.Debug("proposal evaluated",
		zap.Float64("score", p.Score),
		zap.String("department", p.DepartmentID),
		zap.String("actor", actor.ID),
		zap.String("level", string(level)),
		zap.String("role", string(ev.Decision.Role)),
		zap.String("basis", ev.Decision.Basis))
	return ev, nil
}

func (e Engine) SetMode(ctx context.Context, target domain.Track, actor domain.Actor) (domain.SystemMode, error) {
	return e.Modes.SetMode(ctx, target, actor)
}

func (e Engine) AdvanceRotation(ctx context.Context, groupID string, tick time.Time, actor domain.Actor) (domain.VotingGroup, bool, error) {
	return e.Groups.Advance(ctx, groupID, tick, actor)
}

func (e Engine) SetPrimaryApprover(ctx context.Context, groupID, approverID string, actor domain.Actor) (domain.VotingGroup, error) {
	return e.Groups.SetPrimaryApprover(ctx, groupID, approverID, actor)
}

// SetDepartmentThresholds installs or clears a Project-track override for a
// department. The stored config and the live catalog are both updated.
func (e Engine) SetDepartmentThresholds(ctx context.Context, dept string, entries []domain.Threshold, actor domain.Actor) (domain.ThresholdTable, error) {
	before := e.Catalog.Thresholds(domain.TrackProject, dept)
	if err := auth.RequireTopAdmin(actor, e.topAdmin(), domain.ActionThresholdsChanged); err != nil {
		e.Log.Warn("threshold change denied", zap.String("actor", actor.ID), zap.String("department", dept))
		entry := audit.NewEntry(actor.ID, domain.ActionThresholdsDenied, "department:"+dept,
			map[string]any{"entries": before.Entries},
			map[string]any{"requested": entries, "org_level": actor.OrgLevel}, e.now())
		if aerr := e.sink().Append(ctx, entry); aerr != nil {
			e.Log.Error("audit denied threshold change", zap.Error(aerr))
		}
		return domain.ThresholdTable{}, err
	}
	if dept == "" {
		return domain.ThresholdTable{}, fmt.Errorf("%w: department required", policy.ErrInvalidThresholdConfig)
	}
	table := domain.ThresholdTable{Track: domain.TrackProject, Entries: entries}
	if len(entries) > 0 {
		if err := policy.ValidateDepartmentThresholds(dept, table); err != nil {
			return domain.ThresholdTable{}, err
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ThresholdTable{}, err
	}
	defer tx.Rollback()
	cfg, err := e.Repo.GetOrgConfigTx(ctx, tx, e.OrgID)
	if err != nil {
		return domain.ThresholdTable{}, err
	}
	if err := e.Repo.UpsertOrgConfigTx(ctx, tx, e.OrgID, cfg.WithDepartmentThresholds(dept, entries)); err != nil {
		return domain.ThresholdTable{}, err
	}
	entry := audit.NewEntry(actor.ID, domain.ActionThresholdsChanged, "department:"+dept,
		map[string]any{"entries": before.Entries},
		map[string]any{"entries": entries}, e.now())
	if err := e.Events.AppendAudit(ctx, tx, entry); err != nil {
		return domain.ThresholdTable{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ThresholdTable{}, err
	}
	if _, err := e.Catalog.SetDepartmentThresholds(dept, entries); err != nil {
		return domain.ThresholdTable{}, err
	}
	e.Log.Info("department thresholds changed", zap.String("department", dept), zap.Int("entries", len(entries)))
	return e.Catalog.Thresholds(domain.TrackProject, dept), nil
}

// ImportConfig replaces the stored config, reconciles the voting groups
// with it and publishes the new tables.
func (e Engine) ImportConfig(ctx context.Context, cfg *config.Config, actorID string) error {
	return e.importConfig(ctx, cfg, actorID, false)
}

// ReloadConfig imports a config file edited on disk. Department overrides
// that exist only in the stored config, set through SetDepartmentThresholds,
// are carried over; the file wins for departments it names.
func (e Engine) ReloadConfig(ctx context.Context, cfg *config.Config, actorID string) error {
	return e.importConfig(ctx, cfg, actorID, true)
}

func (e Engine) importConfig(ctx context.Context, cfg *config.Config, actorID string, keepOverrides bool) error {
	if cfg.Organization.ID != "" && cfg.Organization.ID != e.OrgID {
		return fmt.Errorf("config is for organization %s, engine serves %s", cfg.Organization.ID, e.OrgID)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	prev, err := e.Repo.GetOrgConfigTx(ctx, tx, e.OrgID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	var prevGroups []domain.VotingGroup
	if prev != nil {
		prevGroups = prev.Groups()
		if keepOverrides {
			for dept, entries := range prev.Thresholds.ProjectDepartments {
				if _, ok := cfg.Thresholds.ProjectDepartments[dept]; !ok {
					cfg = cfg.WithDepartmentThresholds(dept, entries)
				}
			}
		}
	}
	cat, err := catalog.FromConfig(cfg)
	if err != nil {
		return err
	}
	if err := e.Repo.UpsertOrgConfigTx(ctx, tx, e.OrgID, cfg); err != nil {
		return err
	}
	synced, err := (repo.GroupStore{Repo: e.Repo, Events: e.Events}).SyncGroups(ctx, tx, cfg.Groups(), prevGroups)
	if err != nil {
		return fmt.Errorf("sync voting groups: %w", err)
	}
	raw, err := e.Repo.OrgConfigYAMLTx(ctx, tx, e.OrgID)
	if err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "config.imported", "organization", e.OrgID, actorID, events.EventPayload{
		"voting_groups":   len(cfg.VotingGroups),
		"departments":     cfg.Departments(),
		"groups_added":    synced.Added,
		"groups_updated":  synced.Updated,
		"groups_removed":  synced.Removed,
		"top_admin_level": cfg.Organization.TopAdminLevel,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Catalog.Publish(cat.WithStamp(raw))
	if err := e.Groups.Refresh(ctx); err != nil {
		return fmt.Errorf("reload voting groups: %w", err)
	}
	e.Log.Info("config imported",
		zap.String("org", e.OrgID),
		zap.String("actor", actorID),
		zap.Strings("groups_added", synced.Added),
		zap.Strings("groups_updated", synced.Updated),
		zap.Strings("groups_removed", synced.Removed))
	return nil
}

// PutActor records an actor's seat in the org chart.
func (e Engine) PutActor(ctx context.Context, a domain.Actor, by string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Auth.EnsureActor(ctx, tx, a); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "actor.upserted", "actor", a.ID, by, events.EventPayload{
		"org_level":     a.OrgLevel,
		"department_id": a.DepartmentID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateAPIKey mints a key for an actor. The plaintext is returned once and only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name, by string) (string, domain.APIKey, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, err
	}
	plaintext := "tl_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plaintext),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := e.Events.Append(ctx, tx, "apikey.created", "api_key", key.ID, by, events.EventPayload{"actor_id": actorID, "name": name}); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", domain.APIKey{}, err
	}
	return plaintext, key, nil
}

// AuditTail returns the newest audit entries first. Events that are not
// privileged actions are skipped.
func (e Engine) AuditTail(ctx context.Context, f repo.EventFilters) ([]domain.AuditEntry, int64, error) {
	evts, err := e.Repo.LatestEvents(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	var out []domain.AuditEntry
	var next int64
	for _, ev := range evts {
		next = ev.ID
		if !IsAuditAction(ev.Type) {
			continue
		}
		entry, err := events.ToAuditEntry(ev)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, entry)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(evts) < limit {
		next = 0
	}
	return out, next, nil
}

var auditActions = map[string]bool{
	domain.ActionModeChanged:          true,
	domain.ActionModeChangeDenied:     true,
	domain.ActionRotationAdvanced:     true,
	domain.ActionApproverChanged:      true,
	domain.ActionApproverChangeDenied: true,
	domain.ActionThresholdsChanged:    true,
	domain.ActionThresholdsDenied:     true,
}

func IsAuditAction(t string) bool {
	return auditActions[t]
}

// ActorFor resolves a principal id through the org chart.
func (e Engine) ActorFor(ctx context.Context, id string) (domain.Actor, error) {
	a, err := e.Auth.Actor(ctx, id)
	if errors.Is(err, auth.ErrUnknownActor) {
		return domain.Actor{}, fmt.Errorf("%w: %w", repo.ErrNotFound, err)
	}
	return a, err
}
