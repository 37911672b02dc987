// Package serialization exports and imports metadata tables as JSON lines.
//
// An export starts with a header line carrying the format version, followed
// by one record per document:
//
//	{"bleepbackup_export":{"version":1,"exported_at":"2026-02-25T12:00:00.000Z"}}
//	{"table":"backups","row":"db","column":"0190...","data":{...}}
//
// Both directions go through metadata.Table, so any engine can be the source
// or the destination.
package serialization

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	backuperr "github.com/bleepstore/bleepbackup/internal/errors"
	"github.com/bleepstore/bleepbackup/internal/metadata"
)

const ExportVersion = 1

// Header is the first line of an export.
type Header struct {
	Export struct {
		Version    int    `json:"version"`
		ExportedAt string `json:"exported_at"`
	} `json:"bleepbackup_export"`
}

// Record is one exported document.
type Record struct {
	Table  string          `json:"table"`
	Row    string          `json:"row"`
	Column string          `json:"column"`
	Data   json.RawMessage `json:"data"`
}

// ExportOptions configures what to export.
type ExportOptions struct {
	Tables []string
	Now    func() time.Time
}

// ImportOptions configures how to import.
type ImportOptions struct {
	// Replace clears every known table before importing and overwrites
	// existing documents. Otherwise existing documents are kept.
	Replace bool
}

// ImportResult holds the result of an import operation.
type ImportResult struct {
	Counts   map[string]int
	Skipped  map[string]int
	Warnings []string
}

// Export writes every document of the selected tables to w and returns the
// number of records written per table.
func Export(ctx context.Context, engine metadata.Engine, w io.Writer, opts *ExportOptions) (map[string]int, error) {
	if opts == nil {
		opts = &ExportOptions{}
	}
	tables := opts.Tables
	if len(tables) == 0 {
		tables = metadata.Tables
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	enc := json.NewEncoder(w)
	var header Header
	header.Export.Version = ExportVersion
	header.Export.ExportedAt = now().UTC().Format("2006-01-02T15:04:05.000Z")
	if err := enc.Encode(header); err != nil {
		return nil, fmt.Errorf("writing header: %w", err)
	}

	counts := make(map[string]int, len(tables))
	for _, name := range tables {
		if !slices.Contains(metadata.Tables, name) {
			return nil, fmt.Errorf("unknown table %q: %w", name, backuperr.ErrInvalidArgument)
		}
		table, err := engine.Table(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", name, err)
		}
		rows, err := table.Scan(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", name, err)
		}
		slices.SortFunc(rows, func(a, b metadata.Row) int {
			return cmp.Or(cmp.Compare(a.Row, b.Row), cmp.Compare(a.Column, b.Column))
		})
		for _, row := range rows {
			rec := Record{Table: name, Row: row.Row, Column: row.Column, Data: row.Data}
			if err := enc.Encode(rec); err != nil {
				return nil, fmt.Errorf("writing %s/%s/%s: %w", name, row.Row, row.Column, err)
			}
		}
		counts[name] = len(rows)
	}
	return counts, nil
}

// Import reads an export from r into engine.
func Import(ctx context.Context, engine metadata.Engine, r io.Reader, opts *ImportOptions) (*ImportResult, error) {
	if opts == nil {
		opts = &ImportOptions{}
	}
	dec := json.NewDecoder(r)

	var header Header
	if err := dec.Decode(&header); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if v := header.Export.Version; v < 1 || v > ExportVersion {
		return nil, fmt.Errorf("unsupported export version: %d", v)
	}

	tables := make(map[string]metadata.Table, len(metadata.Tables))
	for _, name := range metadata.Tables {
		table, err := engine.Table(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", name, err)
		}
		if opts.Replace {
			if err := table.Clear(ctx); err != nil {
				return nil, fmt.Errorf("clearing %s: %w", name, err)
			}
		}
		tables[name] = table
	}

	result := &ImportResult{
		Counts:  make(map[string]int),
		Skipped: make(map[string]int),
	}
	for line := 2; ; line++ {
		var rec Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return result, fmt.Errorf("line %d: %w", line, err)
		}

		table, ok := tables[rec.Table]
		if !ok {
			result.Skipped[rec.Table]++
			result.Warnings = append(result.Warnings, fmt.Sprintf("Skipped line %d: unknown table %q", line, rec.Table))
			continue
		}
		if rec.Row == "" || rec.Column == "" || len(rec.Data) == 0 {
			result.Skipped[rec.Table]++
			result.Warnings = append(result.Warnings, fmt.Sprintf("Skipped line %d: incomplete record", line))
			continue
		}
		if !opts.Replace {
			_, err := table.Get(ctx, rec.Row, rec.Column)
			if err == nil {
				result.Skipped[rec.Table]++
				continue
			}
			if !errors.Is(err, backuperr.ErrNotFound) {
				return result, fmt.Errorf("line %d: reading %s/%s: %w", line, rec.Row, rec.Column, err)
			}
		}
		if err := table.Put(ctx, rec.Row, rec.Column, rec.Data); err != nil {
			return result, fmt.Errorf("line %d: writing %s/%s: %w", line, rec.Row, rec.Column, err)
		}
		result.Counts[rec.Table]++
	}
	return result, nil
}
