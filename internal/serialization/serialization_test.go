package serialization

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/bleepstore/bleepbackup/internal/metadata"
)

var exportTime = func() time.Time { return time.Date(2026, 2, 25, 12, 0, 0, 0, time.UTC) }

func seed(t *testing.T) metadata.Engine {
	t.Helper()
	ctx := context.Background()
	engine := metadata.NewMemoryEngine()
	docs := []struct{ table, row, column, data string }{
		{metadata.BackupsTable, "db", "b2", `{"id":"b2","state":"FINISHED"}`},
		{metadata.BackupsTable, "db", "b1", `{"id":"b1","state":"FAILED"}`},
		{metadata.BackupsTable, "web", "b3", `{"id":"b3","state":"WAITING"}`},
		{metadata.VerificationsTable, "db", "v1", `{"id":"v1","backupId":"b2"}`},
		{metadata.ServicesTable, "db", "db", `{"name":"db","healthcheckDisabled":false}`},
	}
	for _, d := range docs {
		table, err := engine.Table(ctx, d.table)
		if err != nil {
			t.Fatal(err)
		}
		if err := table.Put(ctx, d.row, d.column, []byte(d.data)); err != nil {
			t.Fatal(err)
		}
	}
	return engine
}

func export(t *testing.T, engine metadata.Engine) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	if _, err := Export(context.Background(), engine, &buf, &ExportOptions{Now: exportTime}); err != nil {
		t.Fatal(err)
	}
	return &buf
}

func TestExport(t *testing.T) {
	var buf bytes.Buffer
	counts, err := Export(context.Background(), seed(t), &buf, &ExportOptions{Now: exportTime})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]int{metadata.BackupsTable: 3, metadata.VerificationsTable: 1, metadata.ServicesTable: 1}
	for table, n := range want {
		if counts[table] != n {
			t.Errorf("counts[%s] = %d, want %d", table, counts[table], n)
		}
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 6 {
		t.Fatalf("got %d lines:\n%s", len(lines), buf.String())
	}
	if lines[0] != `{"bleepbackup_export":{"version":1,"exported_at":"2026-02-25T12:00:00.000Z"}}` {
		t.Errorf("header = %s", lines[0])
	}
	var first Record
	if err := json.Unmarshal([]byte(lines[1]), &first); err != nil {
		t.Fatal(err)
	}
	if first.Table != metadata.BackupsTable || first.Row != "db" || first.Column != "b1" {
		t.Errorf("records are not sorted: first = %+v", first)
	}
	if string(first.Data) != `{"id":"b1","state":"FAILED"}` {
		t.Errorf("data = %s", first.Data)
	}
}

func TestExportSelectedTables(t *testing.T) {
	var buf bytes.Buffer
	counts, err := Export(context.Background(), seed(t), &buf, &ExportOptions{Tables: []string{metadata.ServicesTable}})
	if err != nil {
		t.Fatal(err)
	}
	if len(counts) != 1 || counts[metadata.ServicesTable] != 1 {
		t.Errorf("counts = %v", counts)
	}
	if _, err := Export(context.Background(), seed(t), &buf, &ExportOptions{Tables: []string{"buckets"}}); err == nil {
		t.Error("expected an error for an unknown table")
	}
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := seed(t)
	dst := metadata.NewMemoryEngine()

	result, err := Import(ctx, dst, export(t, src), nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Counts[metadata.BackupsTable] != 3 || len(result.Warnings) != 0 {
		t.Errorf("result = %+v", result)
	}

	again := export(t, dst)
	if want := export(t, src).String(); again.String() != want {
		t.Errorf("re-export differs:\n%s\nwant:\n%s", again, want)
	}
}

func TestImportKeepsExisting(t *testing.T) {
	ctx := context.Background()
	dump := export(t, seed(t))

	dst := metadata.NewMemoryEngine()
	services, _ := dst.Table(ctx, metadata.ServicesTable)
	services.Put(ctx, "db", "db", []byte(`{"name":"db","healthcheckDisabled":true}`))

	result, err := Import(ctx, dst, dump, &ImportOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Skipped[metadata.ServicesTable] != 1 || result.Counts[metadata.ServicesTable] != 0 {
		t.Errorf("result = %+v", result)
	}
	data, _ := services.Get(ctx, "db", "db")
	if !strings.Contains(string(data), `"healthcheckDisabled":true`) {
		t.Errorf("existing document was overwritten: %s", data)
	}
}

func TestImportReplace(t *testing.T) {
	ctx := context.Background()
	dump := export(t, seed(t))

	dst := metadata.NewMemoryEngine()
	backups, _ := dst.Table(ctx, metadata.BackupsTable)
	backups.Put(ctx, "old", "x", []byte(`{"id":"x"}`))
	services, _ := dst.Table(ctx, metadata.ServicesTable)
	services.Put(ctx, "db", "db", []byte(`{"name":"db","healthcheckDisabled":true}`))

	if _, err := Import(ctx, dst, dump, &ImportOptions{Replace: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := backups.Get(ctx, "old", "x"); err == nil {
		t.Error("replace kept a document missing from the export")
	}
	data, _ := services.Get(ctx, "db", "db")
	if !strings.Contains(string(data), `"healthcheckDisabled":false`) {
		t.Errorf("document not replaced: %s", data)
	}
}

func TestImportWarnings(t *testing.T) {
	input := `{"bleepbackup_export":{"version":1}}
{"table":"buckets","row":"a","column":"b","data":{}}
{"table":"backups","row":"","column":"b","data":{}}
{"table":"backups","row":"db","column":"b","data":{"id":"b"}}
`
	result, err := Import(context.Background(), metadata.NewMemoryEngine(), strings.NewReader(input), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Warnings) != 2 || result.Counts[metadata.BackupsTable] != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestImportRejectsVersion(t *testing.T) {
	for _, input := range []string{
		`{"bleepbackup_export":{"version":2}}`,
		`{"other":{}}`,
		`not json`,
	} {
		if _, err := Import(context.Background(), metadata.NewMemoryEngine(), strings.NewReader(input), nil); err == nil {
			t.Errorf("Import(%q) succeeded", input)
		}
	}
}
