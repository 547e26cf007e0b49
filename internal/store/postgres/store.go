// Package postgres is the PostgreSQL backend for session documents and the
// audit log.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"sessiongate/internal/domain"
	"sessiongate/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements store.Store and store.AuditLog over a pgx pool.
type Store struct {
	Pool *pgxpool.Pool
}

var (
	_ store.Store    = (*Store)(nil)
	_ store.AuditLog = (*Store)(nil)
	_ store.Journal  = (*Store)(nil)
)

// querier is satisfied by both the pool and a pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Open connects and runs migrations. An empty dsn falls back to DATABASE_URL.
func Open(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		return nil, errors.New("postgres DSN or DATABASE_URL required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s := &Store{Pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.Pool == nil {
		return nil
	}
	s.Pool.Close()
	return nil
}

// Migrate applies the embedded migrations not yet recorded in schema_migrations.
func (s *Store) Migrate(ctx context.Context) error {
	applied := make(map[int]bool)
	rows, err := s.Pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err == nil {
		for rows.Next() {
			var v int
			if err := rows.Scan(&v); err != nil {
				break
			}
			applied[v] = true
		}
		rows.Close()
	}

	type mig struct {
		version   int
		name, sql string
	}
	var migs []mig
	files, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		v, err := strconv.Atoi(strings.SplitN(strings.TrimSuffix(f.Name(), ".sql"), "_", 2)[0])
		if err != nil {
			return fmt.Errorf("invalid migration filename %s: %w", f.Name(), err)
		}
		if applied[v] {
			continue
		}
		body, err := migrationsFS.ReadFile("migrations/" + f.Name())
		if err != nil {
			return err
		}
		migs = append(migs, mig{v, f.Name(), string(body)})
	}
	sort.Slice(migs, func(i, j int) bool { return migs[i].version < migs[j].version })

	for _, m := range migs {
		if _, err := s.Pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		if _, err := s.Pool.Exec(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES($1, $2) ON CONFLICT (version) DO NOTHING`, m.version, time.Now().Unix()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Create(ctx context.Context, doc domain.Session) error {
	return createSession(ctx, s.Pool, doc)
}

func createSession(ctx context.Context, q querier, doc domain.Session) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, `INSERT INTO sessions(id,description,status,version,archived,created_at,updated_at,doc)
VALUES ($1,$2,$3,1,$4,$5,$6,$7) ON CONFLICT (id) DO NOTHING`,
		doc.ID, doc.Description, string(doc.Status), doc.Archived(), doc.CreatedAt, doc.LastUpdated, payload)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: session %s", domain.ErrAlreadyExists, doc.ID)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.Session, int64, error) {
	var (
		payload []byte
		version int64
	)
	err := s.Pool.QueryRow(ctx, `SELECT doc, version FROM sessions WHERE id=$1`, id).Scan(&payload, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Session{}, 0, fmt.Errorf("%w: session %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.Session{}, 0, err
	}
	var doc domain.Session
	if err := json.Unmarshal(payload, &doc); err != nil {
		return domain.Session{}, 0, fmt.Errorf("decode session %s: %w", id, err)
	}
	return doc, version, nil
}

func (s *Store) Put(ctx context.Context, doc domain.Session, expected int64) (int64, error) {
	return putSession(ctx, s.Pool, doc, expected)
}

func putSession(ctx context.Context, q querier, doc domain.Session, expected int64) (int64, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return 0, err
	}
	var next int64
	err = q.QueryRow(ctx, `UPDATE sessions SET doc=$1, status=$2, archived=$3, updated_at=$4, version=version+1
WHERE id=$5 AND version=$6 RETURNING version`,
		payload, string(doc.Status), doc.Archived(), doc.LastUpdated, doc.ID, expected).Scan(&next)
	if err == nil {
		return next, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("update session: %w", err)
	}
	var current int64
	err = q.QueryRow(ctx, `SELECT version FROM sessions WHERE id=$1`, doc.ID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: session %s", domain.ErrNotFound, doc.ID)
	}
	if err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("%w: session %s at version %d, expected %d", store.ErrVersionConflict, doc.ID, current, expected)
}

func (s *Store) List(ctx context.Context, f store.ListFilter) ([]domain.Session, error) {
	var (
		clauses []string
		args    []any
	)
	if !f.IncludeArchived {
		clauses = append(clauses, "archived=FALSE")
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		clauses = append(clauses, "status=$"+strconv.Itoa(len(args)))
	}
	query := `SELECT doc FROM sessions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Session
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var doc domain.Session
		if err := json.Unmarshal(payload, &doc); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// CreateJournaled inserts doc and its creation entries in one transaction.
func (s *Store) CreateJournaled(ctx context.Context, doc domain.Session, entries []domain.AuditEntry) ([]domain.AuditEntry, error) {
	var stored []domain.AuditEntry
	err := pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
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
func (s *Store) PutJournaled(ctx context.Context, doc domain.Session, expected int64, entries []domain.AuditEntry) (int64, []domain.AuditEntry, error) {
	var (
		next   int64
		stored []domain.AuditEntry
	)
	err := pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
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

func (s *Store) Append(ctx context.Context, e domain.AuditEntry) (domain.AuditEntry, error) {
	return appendEntry(ctx, s.Pool, e)
}

func appendEntries(ctx context.Context, q querier, entries []domain.AuditEntry) ([]domain.AuditEntry, error) {
	out := make([]domain.AuditEntry, 0, len(entries))
	for _, e := range entries {
		stored, err := appendEntry(ctx, q, e)
		if err != nil {
			return nil, err
		}
		out = append(out, stored)
	}
	return out, nil
}

func appendEntry(ctx context.Context, q querier, e domain.AuditEntry) (domain.AuditEntry, error) {
	detail := e.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	data, err := json.Marshal(detail)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("marshal audit detail: %w", err)
	}
	var actor *string
	if e.ActorID != "" {
		actor = &e.ActorID
	}
	err = q.QueryRow(ctx, `INSERT INTO audit_log(id,ts,session_id,event_type,actor_id,detail) VALUES ($1,$2,$3,$4,$5,$6) RETURNING seq`,
		e.ID, e.Timestamp, e.SessionID, string(e.EventType), actor, data).Scan(&e.Seq)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("insert audit entry: %w", err)
	}
	return e, nil
}

func (s *Store) Entries(ctx context.Context, f store.AuditFilter) ([]domain.AuditEntry, error) {
	args := []any{f.AfterSeq}
	clauses := []string{"seq > $1"}
	if f.SessionID != "" {
		args = append(args, f.SessionID)
		clauses = append(clauses, "session_id=$"+strconv.Itoa(len(args)))
	}
	query := `SELECT seq,id,ts,session_id,event_type,COALESCE(actor_id,''),detail FROM audit_log WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY seq ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AuditEntry
	for rows.Next() {
		var (
			e      domain.AuditEntry
			kind   string
			detail []byte
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.Timestamp, &e.SessionID, &kind, &e.ActorID, &detail); err != nil {
			return nil, err
		}
		e.EventType = domain.EventType(kind)
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("decode audit detail %d: %w", e.Seq, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestSeq returns the highest assigned sequence number, 0 when empty.
func (s *Store) LatestSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.Pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq),0) FROM audit_log`).Scan(&seq)
	return seq, err
}
