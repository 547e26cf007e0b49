// Package store defines the durable session document and audit log contracts.
// Backends hold no business logic: they persist whole documents under an
// optimistic version and append audit entries in order.
package store

import (
	"context"
	"errors"

	"sessiongate/internal/domain"
)

// ErrVersionConflict is returned by Put when the stored version moved on.
var ErrVersionConflict = errors.New("version conflict")

type Store interface {
	// Create stores doc at version 1; ErrAlreadyExists if the id is taken.
	Create(ctx context.Context, doc domain.Session) error
	// Get returns the document and its version; ErrNotFound if absent.
	Get(ctx context.Context, id string) (domain.Session, int64, error)
	// Put replaces the document only if its version still equals expected
	// and returns the new version.
	Put(ctx context.Context, doc domain.Session, expected int64) (int64, error)
	List(ctx context.Context, f ListFilter) ([]domain.Session, error)
}

type ListFilter struct {
	IncludeArchived bool
	Status          domain.Status
}

// Match reports whether doc passes the filter.
func (f ListFilter) Match(doc domain.Session) bool {
	if doc.Archived() && !f.IncludeArchived {
		return false
	}
	return f.Status == "" || doc.Status == f.Status
}

type AuditLog interface {
	// Append assigns the next sequence number and returns the stored entry.
	Append(ctx context.Context, e domain.AuditEntry) (domain.AuditEntry, error)
	// Entries returns entries in sequence order.
	Entries(ctx context.Context, f AuditFilter) ([]domain.AuditEntry, error)
	// LatestSeq returns the sequence of the newest entry, 0 when empty.
	LatestSeq(ctx context.Context) (int64, error)
}

// Journal is implemented by backends that keep documents and the audit log
// in one database. The document write and its entries commit together.
type Journal interface {
	CreateJournaled(ctx context.Context, doc domain.Session, entries []domain.AuditEntry) ([]domain.AuditEntry, error)
	PutJournaled(ctx context.Context, doc domain.Session, expected int64, entries []domain.AuditEntry) (int64, []domain.AuditEntry, error)
}

type AuditFilter struct {
	SessionID string
	AfterSeq  int64
	Limit     int
}

// Match reports whether e passes the filter, ignoring Limit.
func (f AuditFilter) Match(e domain.AuditEntry) bool {
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	return e.Seq > f.AfterSeq
}
