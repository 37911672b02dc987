package metadata

import (
	"bytes"
	"context"
	"maps"
	"slices"
	"sync"
)

// MemoryEngine keeps every table in process memory. Used by tests and
// single-node development setups.
type MemoryEngine struct {
	mu     sync.Mutex
	tables map[string]*MemoryTable
}

// NewMemoryEngine creates an empty in-memory engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{tables: make(map[string]*MemoryTable)}
}

func (e *MemoryEngine) Table(ctx context.Context, name string) (Table, error) {
	if err := validateTableName(name); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tables[name]
	if !ok {
		t = NewMemoryTable(name)
		e.tables[name] = t
	}
	return t, nil
}

func (e *MemoryEngine) Ping(ctx context.Context) error { return nil }
func (e *MemoryEngine) Close() error                   { return nil }

// MemoryTable is a Table backed by nested maps.
type MemoryTable struct {
	name       string
	mu         sync.RWMutex
	rows       map[string]map[string][]byte
	tombstones map[string]map[string][]byte
}

// NewMemoryTable creates an empty table.
func NewMemoryTable(name string) *MemoryTable {
	return &MemoryTable{
		name:       name,
		rows:       make(map[string]map[string][]byte),
		tombstones: make(map[string]map[string][]byte),
	}
}

func (t *MemoryTable) Name() string { return t.name }

func (t *MemoryTable) Put(ctx context.Context, row, column string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.putLocked(t.rows, row, column, data)
	return nil
}

func (t *MemoryTable) putLocked(m map[string]map[string][]byte, row, column string, data []byte) {
	cols, ok := m[row]
	if !ok {
		cols = make(map[string][]byte)
		m[row] = cols
	}
	cols[column] = bytes.Clone(data)
}

func (t *MemoryTable) Replace(ctx context.Context, row, column string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rows[row][column]; !ok {
		return notFound(t.name, row, column)
	}
	t.putLocked(t.rows, row, column, data)
	return nil
}

func (t *MemoryTable) Get(ctx context.Context, row, column string) ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	data, ok := t.rows[row][column]
	if !ok {
		return nil, notFound(t.name, row, column)
	}
	return bytes.Clone(data), nil
}

func (t *MemoryTable) Delete(ctx context.Context, row, column string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	data, ok := t.rows[row][column]
	if !ok {
		return notFound(t.name, row, column)
	}
	t.putLocked(t.tombstones, row, column, data)
	delete(t.rows[row], column)
	if len(t.rows[row]) == 0 {
		delete(t.rows, row)
	}
	return nil
}

func (t *MemoryTable) Scan(ctx context.Context, row string) ([]Row, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Row
	for r, cols := range t.rows {
		if row != "" && r != row {
			continue
		}
		for c, data := range cols {
			out = append(out, Row{Row: r, Column: c, Data: bytes.Clone(data)})
		}
	}
	sortRows(out)
	return out, nil
}

func (t *MemoryTable) Rows(ctx context.Context) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Sorted(maps.Keys(t.rows)), nil
}

func (t *MemoryTable) Clear(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.rows)
	clear(t.tombstones)
	return nil
}

// Tombstones returns the deleted documents of a row. Test helper.
func (t *MemoryTable) Tombstones(row string) map[string][]byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(t.tombstones[row])
}

var (
	_ Engine = (*MemoryEngine)(nil)
	_ Table  = (*MemoryTable)(nil)
)
