package metadata

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestSQLiteEngine(t *testing.T) *SQLiteEngine {
	t.Helper()
	engine, err := NewSQLiteEngine(filepath.Join(t.TempDir(), "metadata.db"))
	if err != nil {
		t.Fatalf("NewSQLiteEngine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	return engine
}

func TestSQLiteEngine(t *testing.T) {
	testTable(t, newTestSQLiteEngine(t))
}

func TestSQLiteTombstone(t *testing.T) {
	ctx := context.Background()
	engine := newTestSQLiteEngine(t)
	table, err := engine.Table(ctx, VerificationsTable)
	if err != nil {
		t.Fatal(err)
	}
	table.Put(ctx, "svc", "v1", []byte(`{"id":"v1"}`))
	if err := table.Delete(ctx, "svc", "v1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	var data string
	err = engine.DB().QueryRowContext(ctx,
		`SELECT data FROM verifications_deleted WHERE row_key = ? AND column_key = ?`, "svc", "v1").Scan(&data)
	if err != nil {
		t.Fatalf("reading tombstone: %v", err)
	}
	if data != `{"id":"v1"}` {
		t.Errorf("tombstone data = %q", data)
	}
}

func TestSQLiteTableIdempotent(t *testing.T) {
	ctx := context.Background()
	engine := newTestSQLiteEngine(t)
	first, _ := engine.Table(ctx, BackupsTable)
	first.Put(ctx, "svc", "a", []byte(`{}`))

	second, err := engine.Table(ctx, BackupsTable)
	if err != nil {
		t.Fatalf("second Table: %v", err)
	}
	if _, err := second.Get(ctx, "svc", "a"); err != nil {
		t.Errorf("record lost after reopening table: %v", err)
	}
}
