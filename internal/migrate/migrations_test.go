package migrate

import (
	"context"
	"path/filepath"
	"testing"
	"testing/fstest"

	"sessiongate/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if v, err := Version(ctx, conn); err != nil || v != 0 {
		t.Fatalf("fresh version %d %v", v, err)
	}
	for i := 0; i < 2; i++ {
		if err := Migrate(ctx, conn); err != nil {
			t.Fatalf("migrate run %d: %v", i, err)
		}
	}
	all, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	v, err := Version(ctx, conn)
	if err != nil {
		t.Fatal(err)
	}
	if v != all[len(all)-1].Version {
		t.Fatalf("expected version %d, got %d", all[len(all)-1].Version, v)
	}
	for _, table := range []string{"sessions", "audit_log"} {
		var n int
		if err := conn.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n); err != nil || n != 1 {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestLoadRejectsBadNames(t *testing.T) {
	fsys := fstest.MapFS{
		"m/001_a.sql": {Data: []byte("SELECT 1;")},
		"m/001_b.sql": {Data: []byte("SELECT 1;")},
	}
	if _, err := load(fsys, "m"); err == nil {
		t.Fatal("expected duplicate version error")
	}
	fsys = fstest.MapFS{"m/init.sql": {Data: []byte("SELECT 1;")}}
	if _, err := load(fsys, "m"); err == nil {
		t.Fatal("expected filename error")
	}
}
