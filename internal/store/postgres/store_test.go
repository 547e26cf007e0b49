package postgres

import (
	"context"
	"os"
	"testing"

	"sessiongate/internal/store/storetest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping postgres test")
	}
	ctx := context.Background()
	st, err := Open(ctx, dsn, 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if _, err := st.Pool.Exec(ctx, `TRUNCATE sessions, audit_log RESTART IDENTITY`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return st
}

func TestPostgresStore(t *testing.T) {
	storetest.RunStore(t, openTestStore(t))
}

func TestPostgresAuditLog(t *testing.T) {
	storetest.RunAuditLog(t, openTestStore(t))
}

func TestPostgresJournal(t *testing.T) {
	storetest.RunJournal(t, openTestStore(t))
}
