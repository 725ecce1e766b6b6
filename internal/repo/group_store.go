package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"tierline/internal/domain"
	"tierline/internal/events"
)

// GroupStore persists voting groups and their rotation state. It satisfies groups.Store.
type GroupStore struct {
	Repo   Repo
	Events events.Writer
}

// GroupSync lists what SyncGroups changed.
type GroupSync struct {
	Added   []string
	Updated []string
	Removed []string
}

// SyncGroups makes the stored groups match the configured ones inside tx.
// Name, member departments and rotation roster follow the config, and groups
// missing from it are deleted. Rotation position survives while the current
// approver is still on the roster. A primary approver set at runtime survives
// unless the config names a different one than previous did.
func (s GroupStore) SyncGroups(ctx context.Context, tx *sql.Tx, configured, previous []domain.VotingGroup) (GroupSync, error) {
	var out GroupSync
	stored, err := listGroups(ctx, tx)
	if err != nil {
		return out, err
	}
	byID := make(map[string]domain.VotingGroup, len(stored))
	for _, g := range stored {
		byID[g.ID] = g
	}
	prevByID := make(map[string]domain.VotingGroup, len(previous))
	for _, g := range previous {
		prevByID[g.ID] = g
	}
	keep := make(map[string]bool, len(configured))
	now := time.Now().UTC().Format(time.RFC3339)

	for _, g := range configured {
		keep[g.ID] = true
		cur, exists := byID[g.ID]
		if !exists {
			row, err := encodeGroup(g)
			if err != nil {
				return out, err
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO voting_groups(id,name,departments_json,primary_approver_id,rotation_period,rotation_members_json,rotation_index,last_rotated_at,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,0,?,?)`,
				g.ID, row.name, row.depts, row.approver, row.period, row.members, row.index, row.last, now, now); err != nil {
				return out, fmt.Errorf("insert voting group %s: %w", g.ID, err)
			}
			out.Added = append(out.Added, g.ID)
			continue
		}
		next := mergeGroup(cur, g, prevByID)
		want, err := encodeGroup(next)
		if err != nil {
			return out, err
		}
		have, err := encodeGroup(cur)
		if err != nil {
			return out, err
		}
		if want == have {
			continue
		}
		if _, err := tx.ExecContext(ctx, `UPDATE voting_groups SET name=?, departments_json=?, primary_approver_id=?, rotation_period=?, rotation_members_json=?, rotation_index=?, last_rotated_at=?, version=version+1, updated_at=? WHERE id=?`,
			want.name, want.depts, want.approver, want.period, want.members, want.index, want.last, now, g.ID); err != nil {
			return out, fmt.Errorf("update voting group %s: %w", g.ID, err)
		}
		out.Updated = append(out.Updated, g.ID)
	}
	for _, g := range stored {
		if keep[g.ID] {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM voting_groups WHERE id=?`, g.ID); err != nil {
			return out, fmt.Errorf("delete voting group %s: %w", g.ID, err)
		}
		out.Removed = append(out.Removed, g.ID)
	}
	return out, nil
}

// mergeGroup carries runtime state from the stored group into the configured one.
func mergeGroup(cur, cfg domain.VotingGroup, previous map[string]domain.VotingGroup) domain.VotingGroup {
	next := cfg.Clone()
	next.Version = cur.Version
	if prev, ok := previous[cfg.ID]; ok && prev.PrimaryApproverID == cfg.PrimaryApproverID && cur.PrimaryApproverID != "" {
		next.PrimaryApproverID = cur.PrimaryApproverID
	}
	rot, rotating := next.Rotating()
	old, wasRotating := cur.Rotating()
	if !rotating || !wasRotating {
		return next
	}
	rot.CurrentIndex = 0
	approver := cur.CurrentApprover()
	for i, m := range rot.Members {
		if m == approver {
			rot.CurrentIndex = i
			break
		}
	}
	rot.LastRotatedAt = old.LastRotatedAt
	next.Rotation = rot
	return next
}

type groupRow struct {
	name, depts, approver any
	period, members, last any
	index                 int
}

func encodeGroup(g domain.VotingGroup) (groupRow, error) {
	depts, err := json.Marshal(g.MemberDepartmentIDs)
	if err != nil {
		return groupRow{}, err
	}
	period, members, index, last, err := encodeRotation(g.Rotation)
	if err != nil {
		return groupRow{}, err
	}
	return groupRow{
		name:     nullable(g.Name),
		depts:    string(depts),
		approver: nullable(g.PrimaryApproverID),
		period:   period,
		members:  members,
		last:     last,
		index:    index,
	}, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s GroupStore) List(ctx context.Context) ([]domain.VotingGroup, error) {
	return listGroups(ctx, s.Repo.DB)
}

func listGroups(ctx context.Context, q queryer) ([]domain.VotingGroup, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,COALESCE(name,''),departments_json,COALESCE(primary_approver_id,''),rotation_period,rotation_members_json,rotation_index,last_rotated_at,version FROM voting_groups ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.VotingGroup
	for rows.Next() {
		var g domain.VotingGroup
		var depts string
		var period, members, last sql.NullString
		var index int
		if err := rows.Scan(&g.ID, &g.Name, &depts, &g.PrimaryApproverID, &period, &members, &index, &last, &g.Version); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(depts), &g.MemberDepartmentIDs); err != nil {
			return nil, fmt.Errorf("voting group %s departments: %w", g.ID, err)
		}
		g.Rotation, err = decodeRotation(period, members, index, last)
		if err != nil {
			return nil, fmt.Errorf("voting group %s rotation: %w", g.ID, err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// Save writes next only if the row is still at prev.Version.
func (s GroupStore) Save(ctx context.Context, prev, next domain.VotingGroup, entry domain.AuditEntry) error {
	period, members, index, last, err := encodeRotation(next.Rotation)
	if err != nil {
		return err
	}
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE voting_groups SET primary_approver_id=?, rotation_period=?, rotation_members_json=?, rotation_index=?, last_rotated_at=?, version=?, updated_at=? WHERE id=? AND version=?`,
		nullable(next.PrimaryApproverID), period, members, index, last, next.Version,
		time.Now().UTC().Format(time.RFC3339), prev.ID, prev.Version)
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

func encodeRotation(rot domain.Rotation) (period, members any, index int, last any, err error) {
	r, ok := rot.(domain.Rotating)
	if !ok {
		return nil, nil, 0, nil, nil
	}
	data, err := json.Marshal(r.Members)
	if err != nil {
		return nil, nil, 0, nil, err
	}
	if !r.LastRotatedAt.IsZero() {
		last = r.LastRotatedAt.UTC().Format(time.RFC3339Nano)
	}
	return string(r.Period), string(data), r.CurrentIndex, last, nil
}

func decodeRotation(period, members sql.NullString, index int, last sql.NullString) (domain.Rotation, error) {
	if !period.Valid {
		return domain.NoRotation{}, nil
	}
	r := domain.Rotating{Period: domain.RotationPeriod(period.String), CurrentIndex: index}
	if members.Valid {
		if err := json.Unmarshal([]byte(members.String), &r.Members); err != nil {
			return nil, err
		}
	}
	if last.Valid && last.String != "" {
		ts, err := time.Parse(time.RFC3339Nano, last.String)
		if err != nil {
			return nil, err
		}
		r.LastRotatedAt = ts
	}
	return r, nil
}
