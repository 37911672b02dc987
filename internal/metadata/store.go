// Package metadata persists BleepBackup's entities. Records are keyed by
// (row, column), where row is the service name and column is the entity id.
//
// Engines store opaque JSON documents in named tables. Deleting a record
// moves it into a parallel tombstone table instead of discarding it.
package metadata

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	backuperr "github.com/bleepstore/bleepbackup/internal/errors"
)

// Table names used by the service.
const (
	BackupsTable       = "backups"
	VerificationsTable = "verifications"
	ServicesTable      = "services"
	NodesTable         = "nodes"
)

// Tables lists every table the service uses, in export order.
var Tables = []string{BackupsTable, VerificationsTable, ServicesTable, NodesTable}

// TombstoneSuffix is appended to a table name to form its tombstone table.
const TombstoneSuffix = "_deleted"

var tableNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

func validateTableName(name string) error {
	if !tableNameRe.MatchString(name) {
		return fmt.Errorf("invalid table name %q: %w", name, backuperr.ErrInvalidArgument)
	}
	return nil
}

// Row is one stored document.
type Row struct {
	Row    string
	Column string
	Data   []byte
}

// Table stores JSON documents keyed by (row, column). All methods must be safe
// for concurrent use.
type Table interface {
	// Name returns the table name.
	Name() string
	// Put inserts or replaces a document.
	Put(ctx context.Context, row, column string, data []byte) error
	// Replace overwrites an existing document. Returns ErrNotFound if absent.
	Replace(ctx context.Context, row, column string, data []byte) error
	// Get returns a document. Returns ErrNotFound if absent.
	Get(ctx context.Context, row, column string) ([]byte, error)
	// Delete moves a document to the tombstone table. Returns ErrNotFound if
	// absent.
	Delete(ctx context.Context, row, column string) error
	// Scan returns every document of a row, or of the whole table when row is
	// empty.
	Scan(ctx context.Context, row string) ([]Row, error)
	// Rows returns the distinct row keys, sorted.
	Rows(ctx context.Context) ([]string, error)
	// Clear removes every document, including tombstones.
	Clear(ctx context.Context) error
}

// Engine is a metadata backend that hands out tables.
type Engine interface {
	// Table opens (creating if needed) the named table.
	Table(ctx context.Context, name string) (Table, error)
	// Ping verifies that the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases any resources held by the engine.
	Close() error
}

// Record is a storable entity.
type Record interface {
	RowKey() string
	ColumnKey() string
}

// Storage is a typed view of a Table. T is usually a pointer type whose zero
// value can be filled by json.Unmarshal.
type Storage[T Record] struct {
	table Table
	newT  func() T
}

// NewStorage wraps a table. newT returns an empty T to decode into.
func NewStorage[T Record](table Table, newT func() T) *Storage[T] {
	return &Storage[T]{table: table, newT: newT}
}

// Table returns the underlying table.
func (s *Storage[T]) Table() Table { return s.table }

func (s *Storage[T]) encode(item T) ([]byte, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("encoding %s/%s: %w", item.RowKey(), item.ColumnKey(), err)
	}
	return data, nil
}

func (s *Storage[T]) decode(data []byte) (T, error) {
	item := s.newT()
	if err := json.Unmarshal(data, item); err != nil {
		var zero T
		return zero, fmt.Errorf("decoding %s record: %w", s.table.Name(), err)
	}
	return item, nil
}

// Put stores item, replacing any existing record with the same key.
func (s *Storage[T]) Put(ctx context.Context, item T) error {
	data, err := s.encode(item)
	if err != nil {
		return err
	}
	return s.table.Put(ctx, item.RowKey(), item.ColumnKey(), data)
}

// Update overwrites an existing record. Returns ErrNotFound if it vanished.
func (s *Storage[T]) Update(ctx context.Context, item T) error {
	data, err := s.encode(item)
	if err != nil {
		return err
	}
	return s.table.Replace(ctx, item.RowKey(), item.ColumnKey(), data)
}

// Get loads one record. Returns ErrNotFound if absent.
func (s *Storage[T]) Get(ctx context.Context, row, column string) (T, error) {
	data, err := s.table.Get(ctx, row, column)
	if err != nil {
		var zero T
		return zero, err
	}
	return s.decode(data)
}

// Delete moves item to the tombstone table.
func (s *Storage[T]) Delete(ctx context.Context, item T) error {
	return s.table.Delete(ctx, item.RowKey(), item.ColumnKey())
}

// ListAll returns every record in the table.
func (s *Storage[T]) ListAll(ctx context.Context) ([]T, error) {
	return s.list(ctx, "")
}

// List returns every record of one row.
func (s *Storage[T]) List(ctx context.Context, row string) ([]T, error) {
	if row == "" {
		return nil, nil
	}
	return s.list(ctx, row)
}

func (s *Storage[T]) list(ctx context.Context, row string) ([]T, error) {
	rows, err := s.table.Scan(ctx, row)
	if err != nil {
		return nil, err
	}
	items := make([]T, 0, len(rows))
	for _, r := range rows {
		item, err := s.decode(r.Data)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// ListRows returns the distinct row keys (service names).
func (s *Storage[T]) ListRows(ctx context.Context) ([]string, error) {
	return s.table.Rows(ctx)
}

// Clear removes every record. Intended for tests.
func (s *Storage[T]) Clear(ctx context.Context) error {
	return s.table.Clear(ctx)
}

func notFound(table, row, column string) error {
	return fmt.Errorf("%s record %s/%s: %w", table, row, column, backuperr.ErrNotFound)
}

// sortRows orders rows by (row, column) so every engine scans identically.
func sortRows(rows []Row) {
	slices.SortFunc(rows, func(a, b Row) int {
		return cmp.Or(strings.Compare(a.Row, b.Row), strings.Compare(a.Column, b.Column))
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, backuperr.ErrNotFound)
}
