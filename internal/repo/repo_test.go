package repo

import (
	"context"
	"path/filepath"
	"testing"

	"sessiongate/internal/db"
	"sessiongate/internal/domain"
	"sessiongate/internal/migrate"
	"sessiongate/internal/store/storetest"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "repo.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return Repo{DB: conn}
}

func TestSQLiteStore(t *testing.T) {
	storetest.RunStore(t, newTestRepo(t))
}

func TestSQLiteAuditLog(t *testing.T) {
	storetest.RunAuditLog(t, newTestRepo(t))
}

func TestSQLiteJournal(t *testing.T) {
	storetest.RunJournal(t, newTestRepo(t))
}

func TestLatestSeq(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if seq, err := r.LatestSeq(ctx); err != nil || seq != 0 {
		t.Fatalf("empty log: %d %v", seq, err)
	}
	e, err := r.Append(ctx, domain.AuditEntry{ID: "a", Timestamp: "2024-05-01T12:00:00Z", SessionID: "WO-A-001", EventType: domain.EventCreated})
	if err != nil {
		t.Fatal(err)
	}
	if seq, err := r.LatestSeq(ctx); err != nil || seq != e.Seq {
		t.Fatalf("latest %d want %d (%v)", seq, e.Seq, err)
	}
}
