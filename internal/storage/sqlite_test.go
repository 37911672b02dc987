package storage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func newTestSQLiteStorage(t *testing.T, quota int64) *SQLiteStorage {
	t.Helper()
	s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "files.db"), quota)
	if err != nil {
		t.Fatalf("NewSQLiteStorage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStorage(t *testing.T) {
	testFileStorage(t, newTestSQLiteStorage(t, 0))
}

func TestSQLiteQuota(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStorage(t, 100)
	writeFile(t, s, "svc", "a", strings.Repeat("x", 60))

	w, err := s.Upload(ctx, "svc", "b")
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte(strings.Repeat("y", 60)))
	if err := w.Close(); err == nil {
		t.Error("upload over quota succeeded")
	}
	if free, _ := s.FreeSpace(ctx); free != 40 {
		t.Errorf("free = %d, want 40", free)
	}
}
