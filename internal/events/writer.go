// Package events writes the append-only log that doubles as the audit trail.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"tierline/internal/domain"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	return w.insert(ctx, tx, now().UTC(), evtType, entityKind, entityID, actorID, payload)
}

// AppendAudit records an audit entry inside tx. The entry's subject
// "kind:id" becomes the event entity.
func (w Writer) AppendAudit(ctx context.Context, tx *sql.Tx, entry domain.AuditEntry) error {
	kind, id := splitSubject(entry.Subject)
	payload := EventPayload{"audit_id": entry.ID}
	if entry.Before != nil {
		payload["before"] = entry.Before
	}
	if entry.After != nil {
		payload["after"] = entry.After
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return w.insert(ctx, tx, ts.UTC(), entry.Action, kind, id, entry.ActorID, payload)
}

func (w Writer) insert(ctx context.Context, tx *sql.Tx, ts time.Time, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts.Format(time.RFC3339Nano), evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

// Sink adapts the writer to audit.Sink for records written outside a caller's transaction.
type Sink struct {
	Writer Writer
}

func (s Sink) Append(ctx context.Context, entry domain.AuditEntry) error {
	tx, err := s.Writer.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Writer.AppendAudit(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

// ToAuditEntry rebuilds an audit entry from a stored event.
func ToAuditEntry(e domain.Event) (domain.AuditEntry, error) {
	var payload struct {
		AuditID string         `json:"audit_id"`
		Before  map[string]any `json:"before"`
		After   map[string]any `json:"after"`
	}
	if e.Payload != "" {
		if err := json.Unmarshal([]byte(e.Payload), &payload); err != nil {
			return domain.AuditEntry{}, fmt.Errorf("decode event %d: %w", e.ID, err)
		}
	}
	ts, err := time.Parse(time.RFC3339Nano, e.TS)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("event %d timestamp: %w", e.ID, err)
	}
	subject := e.EntityKind
	if e.EntityID != "" {
		subject += ":" + e.EntityID
	}
	return domain.AuditEntry{
		ID:        payload.AuditID,
		ActorID:   e.ActorID,
		Action:    e.Type,
		Subject:   subject,
		Before:    payload.Before,
		After:     payload.After,
		Timestamp: ts,
	}, nil
}

func splitSubject(subject string) (string, string) {
	kind, id, ok := strings.Cut(subject, ":")
	if !ok {
		return subject, ""
	}
	return kind, id
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
