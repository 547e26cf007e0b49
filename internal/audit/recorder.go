// Package audit records session lifecycle events: creation, phase closure,
// session closure and gate blocks. Entries are append-only.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"sessiongate/internal/domain"
	"sessiongate/internal/store"
)

type Detail map[string]any

// Recorder stamps entries with an id and timestamp before appending them.
type Recorder struct {
	Log    store.AuditLog
	Now    func() time.Time
	Logger *slog.Logger
}

func (r Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Entry builds an unsequenced entry.
func (r Recorder) Entry(sessionID string, kind domain.EventType, actorID string, detail Detail) domain.AuditEntry {
	if detail == nil {
		detail = Detail{}
	}
	return domain.AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: r.now().UTC().Format(time.RFC3339),
		SessionID: sessionID,
		EventType: kind,
		ActorID:   actorID,
		Detail:    detail,
	}
}

// Append writes entries in order and stops at the first failure.
func (r Recorder) Append(ctx context.Context, entries ...domain.AuditEntry) ([]domain.AuditEntry, error) {
	if r.Log == nil {
		return nil, fmt.Errorf("audit log not configured")
	}
	out := make([]domain.AuditEntry, 0, len(entries))
	for _, e := range entries {
		stored, err := r.Log.Append(ctx, e)
		if err != nil {
			return out, fmt.Errorf("append audit %s for %s: %w", e.EventType, e.SessionID, err)
		}
		r.Logged(stored)
		out = append(out, stored)
	}
	return out, nil
}

// Logged reports entries that reached the log by another path, such as a
// backend transaction.
func (r Recorder) Logged(stored ...domain.AuditEntry) {
	if r.Logger == nil {
		return
	}
	for _, e := range stored {
		r.Logger.Info("audit", "session", e.SessionID, "event", string(e.EventType), "actor", e.ActorID, "seq", e.Seq)
	}
}
