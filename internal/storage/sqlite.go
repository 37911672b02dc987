package storage

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStorage implements FileStorage by keeping file contents as BLOBs in a
// SQLite database. Appends rewrite the whole row, so it suits logs and small
// single-node deployments rather than large chunks.
type SQLiteStorage struct {
	db    *sql.DB
	quota int64
	// mu serializes commits so the quota check and the write are atomic.
	mu sync.Mutex
}

// NewSQLiteStorage opens the database at dsn and creates the files table.
func NewSQLiteStorage(dsn string, quota int64) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite storage database: %w", err)
	}
	s := &SQLiteStorage{db: db, quota: quota}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite storage database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStorage) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS file_data (
			namespace TEXT NOT NULL,
			path      TEXT NOT NULL,
			data      BLOB NOT NULL,
			PRIMARY KEY (namespace, path)
		)`)
	if err != nil {
		return fmt.Errorf("creating storage schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) Upload(ctx context.Context, namespace, path string) (io.WriteCloser, error) {
	ok, err := s.Exists(ctx, namespace, path)
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, alreadyExists(namespace, path)
	}
	return &sqliteWriter{ctx: ctx, s: s, namespace: namespace, path: path, exclusive: true}, nil
}

func (s *SQLiteStorage) Append(ctx context.Context, namespace, path string) (io.WriteCloser, error) {
	return &sqliteWriter{ctx: ctx, s: s, namespace: namespace, path: path}, nil
}

// sqliteWriter buffers writes and stores them in one transaction on Close.
type sqliteWriter struct {
	ctx       context.Context
	s         *SQLiteStorage
	namespace string
	path      string
	exclusive bool
	buf       bytes.Buffer
	closed    bool
}

func (w *sqliteWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *sqliteWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.s.commit(w.ctx, w.namespace, w.path, w.buf.Bytes(), w.exclusive)
}

func (s *SQLiteStorage) commit(ctx context.Context, namespace, path string, data []byte, exclusive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.quota > 0 {
		used, err := s.UsedSpace(ctx)
		if err != nil {
			return err
		}
		if used+int64(len(data)) > s.quota {
			return fmt.Errorf("sqlite storage full: %d of %d bytes used", used, s.quota)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var existing []byte
	err = tx.QueryRowContext(ctx,
		`SELECT data FROM file_data WHERE namespace = ? AND path = ?`,
		namespace, path,
	).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("reading %s/%s: %w", namespace, path, err)
	case exclusive:
		return alreadyExists(namespace, path)
	}

	merged := make([]byte, 0, len(existing)+len(data))
	merged = append(append(merged, existing...), data...)
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO file_data (namespace, path, data) VALUES (?, ?, ?)`,
		namespace, path, merged,
	)
	if err != nil {
		return fmt.Errorf("writing %s/%s: %w", namespace, path, err)
	}
	return tx.Commit()
}

func (s *SQLiteStorage) Download(ctx context.Context, namespace, path string) (io.ReadCloser, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM file_data WHERE namespace = ? AND path = ?`,
		namespace, path,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(namespace, path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s/%s: %w", namespace, path, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *SQLiteStorage) Exists(ctx context.Context, namespace, path string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM file_data WHERE namespace = ? AND path = ?`,
		namespace, path,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking %s/%s: %w", namespace, path, err)
	}
	return n > 0, nil
}

func (s *SQLiteStorage) Delete(ctx context.Context, namespace, path string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM file_data WHERE namespace = ? AND path = ?`,
		namespace, path,
	)
	if err != nil {
		return false, fmt.Errorf("deleting %s/%s: %w", namespace, path, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStorage) DeleteNamespace(ctx context.Context, namespace string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM file_data WHERE namespace = ?`, namespace)
	if err != nil {
		return false, fmt.Errorf("deleting namespace %s: %w", namespace, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStorage) TotalSpace(ctx context.Context) (int64, error) {
	total, _ := quotaSpace(s.quota, 0)
	return total, nil
}

func (s *SQLiteStorage) UsedSpace(ctx context.Context) (int64, error) {
	var used int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(LENGTH(data)), 0) FROM file_data`).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("measuring used space: %w", err)
	}
	return used, nil
}

func (s *SQLiteStorage) FreeSpace(ctx context.Context) (int64, error) {
	used, err := s.UsedSpace(ctx)
	if err != nil {
		return 0, err
	}
	_, free := quotaSpace(s.quota, used)
	return free, nil
}

var _ FileStorage = (*SQLiteStorage)(nil)
