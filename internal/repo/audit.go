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

func (r Repo) Append(ctx context.Context, e domain.AuditEntry) (domain.AuditEntry, error) {
	return appendEntry(ctx, r.DB, e)
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
	res, err := q.ExecContext(ctx, `INSERT INTO audit_log(id,ts,session_id,event_type,actor_id,detail_json) VALUES (?,?,?,?,?,?)`,
		e.ID, e.Timestamp, e.SessionID, string(e.EventType), nullable(e.ActorID), string(data))
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("insert audit entry: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return domain.AuditEntry{}, err
	}
	e.Seq = seq
	return e, nil
}

func (r Repo) Entries(ctx context.Context, f store.AuditFilter) ([]domain.AuditEntry, error) {
	clauses := []string{"seq > ?"}
	args := []any{f.AfterSeq}
	if f.SessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, f.SessionID)
	}
	query := `SELECT seq,id,ts,session_id,event_type,COALESCE(actor_id,''),detail_json FROM audit_log WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY seq ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestSeq returns the highest assigned sequence number, 0 when empty.
func (r Repo) LatestSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(seq) FROM audit_log`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

func scanAudit(rows *sql.Rows) (domain.AuditEntry, error) {
	var (
		e      domain.AuditEntry
		kind   string
		detail string
	)
	if err := rows.Scan(&e.Seq, &e.ID, &e.Timestamp, &e.SessionID, &kind, &e.ActorID, &detail); err != nil {
		return e, err
	}
	e.EventType = domain.EventType(kind)
	if detail != "" {
		if err := json.Unmarshal([]byte(detail), &e.Detail); err != nil {
			return e, fmt.Errorf("decode audit detail %d: %w", e.Seq, err)
		}
	}
	return e, nil
}
