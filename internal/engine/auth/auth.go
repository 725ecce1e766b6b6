package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tierline/internal/domain"
)

var ErrPermissionDenied = errors.New("permission denied")

// ErrUnknownActor is returned when the org chart has no record for an actor.
var ErrUnknownActor = errors.New("actor not in org chart")

// PermissionDeniedError indicates an actor below the level a privileged action requires.
type PermissionDeniedError struct {
	ActorID  string
	Action   string
	Required float64
	Actual   float64
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied: %s requires org level %v, actor %s has %v", e.Action, e.Required, e.ActorID, e.Actual)
}

func (e *PermissionDeniedError) Is(target error) bool {
	return target == ErrPermissionDenied
}

// RequireTopAdmin allows only actors seated exactly at the top admin level.
func RequireTopAdmin(actor domain.Actor, topAdminLevel float64, action string) error {
	if actor.ID != "" && actor.OrgLevel == topAdminLevel {
		return nil
	}
	return &PermissionDeniedError{
		ActorID:  actor.ID,
		Action:   action,
		Required: topAdminLevel,
		Actual:   actor.OrgLevel,
	}
}

// Service resolves actors from the org chart stored in SQL.
type Service struct {
	DB *sql.DB
}

func (s Service) EnsureActor(ctx context.Context, tx *sql.Tx, a domain.Actor) error {
	if a.ID == "" {
		return errors.New("actor_id required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO actors(id, org_level, department_id, created_at, updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET org_level=excluded.org_level, department_id=excluded.department_id, updated_at=excluded.updated_at`,
		a.ID, a.OrgLevel, nullable(a.DepartmentID), now, now)
	return err
}

func (s Service) Actor(ctx context.Context, actorID string) (domain.Actor, error) {
	if actorID == "" {
		return domain.Actor{}, errors.New("actor_id required")
	}
	var a domain.Actor
	var dept sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT id, org_level, department_id FROM actors WHERE id=?`, actorID).
		Scan(&a.ID, &a.OrgLevel, &dept)
	if err == sql.ErrNoRows {
		return domain.Actor{}, fmt.Errorf("%w: %s", ErrUnknownActor, actorID)
	}
	if err != nil {
		return domain.Actor{}, err
	}
	if dept.Valid {
		a.DepartmentID = dept.String
	}
	return a, nil
}

func (s Service) ListActors(ctx context.Context) ([]domain.Actor, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, org_level, COALESCE(department_id,'') FROM actors ORDER BY org_level DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var actors []domain.Actor
	for rows.Next() {
		var a domain.Actor
		if err := rows.Scan(&a.ID, &a.OrgLevel, &a.DepartmentID); err != nil {
			return nil, err
		}
		actors = append(actors, a)
	}
	return actors, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
