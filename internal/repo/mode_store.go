package repo

import (
	"context"
	"database/sql"

	"tierline/internal/domain"
	"tierline/internal/events"
)

// ModeStore persists the singleton system mode row. It satisfies mode.Store.
type ModeStore struct {
	Repo   Repo
	Events events.Writer
}

// EnsureMode seeds the row on first boot and leaves an existing row alone.
func (s ModeStore) EnsureMode(ctx context.Context, tx *sql.Tx, initial domain.Track) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO system_mode(id,current,version) VALUES (1,?,0) ON CONFLICT(id) DO NOTHING`, string(initial))
	return err
}

func (s ModeStore) Load(ctx context.Context) (domain.SystemMode, error) {
	var m domain.SystemMode
	var by, at sql.NullString
	err := s.Repo.DB.QueryRowContext(ctx, `SELECT current,last_changed_by,last_changed_at,version FROM system_mode WHERE id=1`).
		Scan(&m.Current, &by, &at, &m.Version)
	if err == sql.ErrNoRows {
		return domain.SystemMode{}, ErrNotFound
	}
	if err != nil {
		return domain.SystemMode{}, err
	}
	m.LastChangedBy = by.String
	m.LastChangedAt = at.String
	return m, nil
}

// Save writes next only if the row is still at prev.Version, and records the
// audit entry in the same transaction.
func (s ModeStore) Save(ctx context.Context, prev, next domain.SystemMode, entry domain.AuditEntry) error {
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE system_mode SET current=?, last_changed_by=?, last_changed_at=?, version=? WHERE id=1 AND version=?`,
		string(next.Current), nullable(next.LastChangedBy), nullable(next.LastChangedAt), next.Version, prev.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrConflict
	}
	if err := s.Events.AppendAudit(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}
