// Package audit defines where privileged actions are recorded.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"tierline/internal/domain"
)

// Sink is an append-only store for audit entries.
type Sink interface {
	Append(ctx context.Context, entry domain.AuditEntry) error
}

// NewEntry stamps an entry with a fresh id and the given time.
func NewEntry(actorID, action, subject string, before, after map[string]any, now time.Time) domain.AuditEntry {
	return domain.AuditEntry{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Action:    action,
		Subject:   subject,
		Before:    before,
		After:     after,
		Timestamp: now.UTC(),
	}
}

// MemorySink keeps entries in process. Used by tests and by callers that do not
// need durable audit.
type MemorySink struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (s *MemorySink) Append(_ context.Context, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

// Entries returns a copy of everything appended so far.
func (s *MemorySink) Entries() []domain.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AuditEntry(nil), s.entries...)
}

// Actions returns the action names in append order.
func (s *MemorySink) Actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Action
	}
	return out
}
