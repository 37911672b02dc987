package metadata

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// jsonlEntry is one line of a table's append-only log.
type jsonlEntry struct {
	Op     string          `json:"op"`
	Row    string          `json:"row,omitempty"`
	Column string          `json:"column,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

const (
	opPut    = "put"
	opDelete = "delete"
	opClear  = "clear"
)

// LocalEngine keeps tables in memory and journals every mutation to
// {rootDir}/{table}.jsonl. Tombstones go to {rootDir}/{table}_deleted.jsonl.
// Journals are replayed when a table is opened.
type LocalEngine struct {
	rootDir   string
	compactOn bool

	mu     sync.Mutex
	tables map[string]*localTable
}

// NewLocalEngine creates the root directory if needed. With compactOnOpen each
// journal is rewritten to its live records when its table is first opened.
func NewLocalEngine(rootDir string, compactOnOpen bool) (*LocalEngine, error) {
	if rootDir == "" {
		rootDir = "./data/metadata"
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating metadata directory: %w", err)
	}
	return &LocalEngine{
		rootDir:   rootDir,
		compactOn: compactOnOpen,
		tables:    make(map[string]*localTable),
	}, nil
}

func (e *LocalEngine) Table(ctx context.Context, name string) (Table, error) {
	if err := validateTableName(name); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.tables[name]; ok {
		return t, nil
	}

	t := &localTable{
		mem:           NewMemoryTable(name),
		path:          filepath.Join(e.rootDir, name+".jsonl"),
		tombstonePath: filepath.Join(e.rootDir, name+TombstoneSuffix+".jsonl"),
	}
	if err := t.load(); err != nil {
		return nil, fmt.Errorf("loading table %q: %w", name, err)
	}
	if e.compactOn {
		if err := t.compact(); err != nil {
			return nil, fmt.Errorf("compacting table %q: %w", name, err)
		}
	}
	e.tables[name] = t
	return t, nil
}

// Ping checks that the root directory is still accessible.
func (e *LocalEngine) Ping(ctx context.Context) error {
	_, err := os.Stat(e.rootDir)
	return err
}

func (e *LocalEngine) Close() error { return nil }

type localTable struct {
	// mu serializes journal writes with the in-memory change they record.
	mu            sync.Mutex
	mem           *MemoryTable
	path          string
	tombstonePath string
}

func (t *localTable) load() error {
	ctx := context.Background()
	return loadJSONLFile(t.path, func(entry jsonlEntry) error {
		switch entry.Op {
		case opPut:
			return t.mem.Put(ctx, entry.Row, entry.Column, entry.Data)
		case opDelete:
			// Journals may record deletes of rows that were already compacted away.
			if err := t.mem.Delete(ctx, entry.Row, entry.Column); err != nil && !isNotFound(err) {
				return err
			}
		case opClear:
			return t.mem.Clear(ctx)
		}
		return nil
	})
}

func loadJSONLFile(path string, handler func(jsonlEntry) error) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry jsonlEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			// A torn final line from a crash is skipped.
			continue
		}
		if err := handler(entry); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func appendEntry(path string, entry jsonlEntry) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

// compact rewrites the journal to one put per live record.
func (t *localTable) compact() error {
	rows, err := t.mem.Scan(context.Background(), "")
	if err != nil {
		return err
	}
	tmp := t.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, r := range rows {
		data, err := json.Marshal(jsonlEntry{Op: opPut, Row: r.Row, Column: r.Column, Data: r.Data})
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, t.path)
}

func (t *localTable) Name() string { return t.mem.Name() }

func (t *localTable) Put(ctx context.Context, row, column string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := appendEntry(t.path, jsonlEntry{Op: opPut, Row: row, Column: column, Data: data}); err != nil {
		return fmt.Errorf("journaling put: %w", err)
	}
	return t.mem.Put(ctx, row, column, data)
}

func (t *localTable) Replace(ctx context.Context, row, column string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.mem.Get(ctx, row, column); err != nil {
		return err
	}
	if err := appendEntry(t.path, jsonlEntry{Op: opPut, Row: row, Column: column, Data: data}); err != nil {
		return fmt.Errorf("journaling put: %w", err)
	}
	return t.mem.Put(ctx, row, column, data)
}

func (t *localTable) Get(ctx context.Context, row, column string) ([]byte, error) {
	return t.mem.Get(ctx, row, column)
}

func (t *localTable) Delete(ctx context.Context, row, column string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	data, err := t.mem.Get(ctx, row, column)
	if err != nil {
		return err
	}
	if err := appendEntry(t.tombstonePath, jsonlEntry{Op: opPut, Row: row, Column: column, Data: data}); err != nil {
		return fmt.Errorf("journaling tombstone: %w", err)
	}
	if err := appendEntry(t.path, jsonlEntry{Op: opDelete, Row: row, Column: column}); err != nil {
		return fmt.Errorf("journaling delete: %w", err)
	}
	return t.mem.Delete(ctx, row, column)
}

func (t *localTable) Scan(ctx context.Context, row string) ([]Row, error) {
	return t.mem.Scan(ctx, row)
}

func (t *localTable) Rows(ctx context.Context) ([]string, error) {
	return t.mem.Rows(ctx)
}

func (t *localTable) Clear(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := appendEntry(t.path, jsonlEntry{Op: opClear}); err != nil {
		return fmt.Errorf("journaling clear: %w", err)
	}
	if err := os.Remove(t.tombstonePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing tombstones: %w", err)
	}
	return t.mem.Clear(ctx)
}

var (
	_ Engine = (*LocalEngine)(nil)
	_ Table  = (*localTable)(nil)
)
