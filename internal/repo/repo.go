// Package repo is the SQLite backend for session documents and the audit log.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"sessiongate/internal/domain"
	"sessiongate/internal/store"
)

type Repo struct {
	DB *sql.DB
}

var (
	_ store.Store    = Repo{}
	_ store.AuditLog = Repo{}
	_ store.Journal  = Repo{}
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) Create(ctx context.Context, doc domain.Session) error {
	return createSession(ctx, r.DB, doc)
}

func createSession(ctx context.Context, q querier, doc domain.Session) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `INSERT INTO sessions(id,description,status,version,archived,created_at,updated_at,doc_json)
VALUES (?,?,?,1,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		doc.ID, nullable(doc.Description), string(doc.Status), boolInt(doc.Archived()), doc.CreatedAt, doc.LastUpdated, string(payload))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: session %s", domain.ErrAlreadyExists, doc.ID)
	}
	return nil
}

func (r Repo) Get(ctx context.Context, id string) (domain.Session, int64, error) {
	var (
		payload string
		version int64
	)
	err := r.DB.QueryRowContext(ctx, `SELECT doc_json,version FROM sessions WHERE id=?`, id).Scan(&payload, &version)
	if err == sql.ErrNoRows {
		return domain.Session{}, 0, fmt.Errorf("%w: session %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.Session{}, 0, err
	}
	var doc domain.Session
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return domain.Session{}, 0, fmt.Errorf("decode session %s: %w", id, err)
	}
	return doc, version, nil
}

// Put is a compare-and-swap on the version column.
func (r Repo) Put(ctx context.Context, doc domain.Session, expected int64) (int64, error) {
	return putSession(ctx, r.DB, doc, expected)
}

func putSession(ctx context.Context, q querier, doc domain.Session, expected int64) (int64, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return 0, err
	}
	res, err := q.ExecContext(ctx, `UPDATE sessions SET doc_json=?, status=?, archived=?, updated_at=?, version=version+1 WHERE id=? AND version=?`,
		string(payload), string(doc.Status), boolInt(doc.Archived()), doc.LastUpdated, doc.ID, expected)
	if err != nil {
		return 0, fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return expected + 1, nil
	}
	var current int64
	err = q.QueryRowContext(ctx, `SELECT version FROM sessions WHERE id=?`, doc.ID).Scan(&current)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: session %s", domain.ErrNotFound, doc.ID)
	}
	if err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("%w: session %s at version %d, expected %d", store.ErrVersionConflict, doc.ID, current, expected)
}

// CreateJournaled inserts doc and its creation entries in one transaction.
func (r Repo) CreateJournaled(ctx context.Context, doc domain.Session, entries []domain.AuditEntry) ([]domain.AuditEntry, error) {
	var stored []domain.AuditEntry
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		if err := createSession(ctx, tx, doc); err != nil {
			return err
		}
		var err error
		stored, err = appendEntries(ctx, tx, entries)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// PutJournaled is Put plus the entries describing the change, all or nothing.
func (r Repo) PutJournaled(ctx context.Context, doc domain.Session, expected int64, entries []domain.AuditEntry) (int64, []domain.AuditEntry, error) {
	var (
		next   int64
		stored []domain.AuditEntry
	)
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if next, err = putSession(ctx, tx, doc, expected); err != nil {
			return err
		}
		stored, err = appendEntries(ctx, tx, entries)
		return err
	})
	if err != nil {
		return 0, nil, err
	}
	return next, stored, nil
}

func (r Repo) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (r Repo) List(ctx context.Context, f store.ListFilter) ([]domain.Session, error) {
	var (
		clauses []string
		args    []any
	)
	if !f.IncludeArchived {
		clauses = append(clauses, "archived=0")
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	query := `SELECT doc_json FROM sessions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var doc domain.Session
		if err := json.Unmarshal([]byte(payload), &doc); err != nil {
			return nil, err
		}
		res = append(res, doc)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
