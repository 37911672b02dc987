package metadata

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	backuperr "github.com/bleepstore/bleepbackup/internal/errors"
	"github.com/bleepstore/bleepbackup/internal/model"
)

// testTable runs the behaviour every engine's tables must share.
func testTable(t *testing.T, engine Engine) {
	ctx := context.Background()
	table, err := engine.Table(ctx, "things")
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	if err := engine.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	t.Run("PutGet", func(t *testing.T) {
		if err := table.Put(ctx, "svc-a", "id1", []byte(`{"v":1}`)); err != nil {
			t.Fatalf("Put: %v", err)
		}
		data, err := table.Get(ctx, "svc-a", "id1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if string(data) != `{"v":1}` {
			t.Errorf("data = %s", data)
		}
		if err := table.Put(ctx, "svc-a", "id1", []byte(`{"v":2}`)); err != nil {
			t.Fatalf("Put overwrite: %v", err)
		}
		data, _ = table.Get(ctx, "svc-a", "id1")
		if string(data) != `{"v":2}` {
			t.Errorf("data after overwrite = %s", data)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		if _, err := table.Get(ctx, "svc-a", "nope"); !errors.Is(err, backuperr.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("Replace", func(t *testing.T) {
		if err := table.Replace(ctx, "svc-a", "id1", []byte(`{"v":3}`)); err != nil {
			t.Fatalf("Replace: %v", err)
		}
		data, _ := table.Get(ctx, "svc-a", "id1")
		if string(data) != `{"v":3}` {
			t.Errorf("data = %s", data)
		}
		if err := table.Replace(ctx, "svc-a", "vanished", []byte(`{}`)); !errors.Is(err, backuperr.ErrNotFound) {
			t.Errorf("Replace missing: err = %v, want ErrNotFound", err)
		}
		if _, err := table.Get(ctx, "svc-a", "vanished"); !errors.Is(err, backuperr.ErrNotFound) {
			t.Errorf("Replace missing created a record")
		}
	})

	t.Run("ScanAndRows", func(t *testing.T) {
		table.Put(ctx, "svc-a", "id2", []byte(`{}`))
		table.Put(ctx, "svc-b", "id3", []byte(`{}`))

		all, err := table.Scan(ctx, "")
		if err != nil {
			t.Fatalf("Scan all: %v", err)
		}
		var keys []string
		for _, r := range all {
			keys = append(keys, r.Row+"/"+r.Column)
		}
		want := []string{"svc-a/id1", "svc-a/id2", "svc-b/id3"}
		if !slices.Equal(keys, want) {
			t.Errorf("Scan all = %v, want %v", keys, want)
		}

		rowA, err := table.Scan(ctx, "svc-a")
		if err != nil {
			t.Fatalf("Scan row: %v", err)
		}
		if len(rowA) != 2 {
			t.Errorf("Scan svc-a returned %d rows, want 2", len(rowA))
		}

		rows, err := table.Rows(ctx)
		if err != nil {
			t.Fatalf("Rows: %v", err)
		}
		if !slices.Equal(rows, []string{"svc-a", "svc-b"}) {
			t.Errorf("Rows = %v", rows)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := table.Delete(ctx, "svc-b", "id3"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := table.Get(ctx, "svc-b", "id3"); !errors.Is(err, backuperr.ErrNotFound) {
			t.Errorf("Get after delete: err = %v", err)
		}
		if err := table.Delete(ctx, "svc-b", "id3"); !errors.Is(err, backuperr.ErrNotFound) {
			t.Errorf("second Delete: err = %v, want ErrNotFound", err)
		}
		rows, _ := table.Rows(ctx)
		if slices.Contains(rows, "svc-b") {
			t.Errorf("Rows still lists svc-b: %v", rows)
		}
	})

	t.Run("Clear", func(t *testing.T) {
		if err := table.Clear(ctx); err != nil {
			t.Fatalf("Clear: %v", err)
		}
		all, _ := table.Scan(ctx, "")
		if len(all) != 0 {
			t.Errorf("%d rows after Clear", len(all))
		}
	})
}

func TestMemoryEngine(t *testing.T) {
	testTable(t, NewMemoryEngine())
}

func TestInvalidTableName(t *testing.T) {
	for _, name := range []string{"", "Backups", "drop table;", "1abc"} {
		if _, err := NewMemoryEngine().Table(context.Background(), name); !errors.Is(err, backuperr.ErrInvalidArgument) {
			t.Errorf("Table(%q): err = %v, want ErrInvalidArgument", name, err)
		}
	}
}

func TestMemoryTombstones(t *testing.T) {
	ctx := context.Background()
	table := NewMemoryTable(BackupsTable)
	table.Put(ctx, "svc", "id", []byte(`{"x":1}`))
	table.Delete(ctx, "svc", "id")
	if got := string(table.Tombstones("svc")["id"]); got != `{"x":1}` {
		t.Errorf("tombstone = %q", got)
	}
}

func newBackupStorage(t *testing.T) *Storage[*model.BackupMetadata] {
	t.Helper()
	table, err := NewMemoryEngine().Table(context.Background(), BackupsTable)
	if err != nil {
		t.Fatal(err)
	}
	return NewStorage(table, func() *model.BackupMetadata { return new(model.BackupMetadata) })
}

func TestStorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newBackupStorage(t)

	b := model.NewBackupMetadata("db", "10.0.0.1", "node-1", time.Now())
	b.AddLocation(model.Local)
	if err := s.Put(ctx, b); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, "db", b.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID() != b.ID() || got.State() != model.BackupWaiting || !got.ExistsAt(model.Local) {
		t.Errorf("round trip mismatch: %v", got)
	}

	if err := got.TransitionState(model.BackupWaiting, model.BackupFinished, "done"); err != nil {
		t.Fatal(err)
	}
	if err := s.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	again, _ := s.Get(ctx, "db", b.ID())
	if again.State() != model.BackupFinished {
		t.Errorf("state after Update = %s", again.State())
	}
}

func TestStorageUpdateVanished(t *testing.T) {
	s := newBackupStorage(t)
	b := model.NewBackupMetadata("db", "", "node-1", time.Now())
	if err := s.Update(context.Background(), b); !errors.Is(err, backuperr.ErrNotFound) {
		t.Errorf("Update of unknown record: err = %v, want ErrNotFound", err)
	}
}

func TestStorageListing(t *testing.T) {
	ctx := context.Background()
	s := newBackupStorage(t)
	for _, svc := range []string{"db", "db", "web"} {
		s.Put(ctx, model.NewBackupMetadata(svc, "", "node-1", time.Now()))
	}

	all, err := s.ListAll(ctx)
	if err != nil || len(all) != 3 {
		t.Errorf("ListAll = %d items, %v", len(all), err)
	}
	db, err := s.List(ctx, "db")
	if err != nil || len(db) != 2 {
		t.Errorf("List(db) = %d items, %v", len(db), err)
	}
	none, err := s.List(ctx, "")
	if err != nil || len(none) != 0 {
		t.Errorf("List(\"\") = %d items, %v", len(none), err)
	}
	rows, _ := s.ListRows(ctx)
	if !slices.Equal(rows, []string{"db", "web"}) {
		t.Errorf("ListRows = %v", rows)
	}

	if err := s.Delete(ctx, db[0]); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "db", db[0].ID()); !errors.Is(err, backuperr.ErrNotFound) {
		t.Errorf("Get after Delete: err = %v", err)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if all, _ := s.ListAll(ctx); len(all) != 0 {
		t.Errorf("%d items after Clear", len(all))
	}
}

func TestStorageServiceRecords(t *testing.T) {
	ctx := context.Background()
	table, _ := NewMemoryEngine().Table(ctx, ServicesTable)
	s := NewStorage(table, func() *model.ServiceMetadata { return new(model.ServiceMetadata) })

	s.Put(ctx, &model.ServiceMetadata{Name: "db", HealthcheckDisabled: true})
	got, err := s.Get(ctx, "db", "db")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.HealthcheckDisabled {
		t.Error("HealthcheckDisabled lost in round trip")
	}
}
