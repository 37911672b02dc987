package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

const (
	// timeFormat is the ISO 8601 format used for all timestamps in SQLite.
	timeFormat = "2006-01-02T15:04:05.000Z"
)

// SQLiteEngine stores each table, and its tombstone table, as a SQLite table
// in one database file. Suitable for single-node deployments.
type SQLiteEngine struct {
	db *sql.DB
}

// NewSQLiteEngine opens the database at dsn and applies the connection
// PRAGMAs.
func NewSQLiteEngine(dsn string) (*SQLiteEngine, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("executing %q: %w", p, err)
		}
	}
	return &SQLiteEngine{db: db}, nil
}

// DB exposes the connection pool so other components (the lease table) can
// share the database file.
func (e *SQLiteEngine) DB() *sql.DB { return e.db }

// Table creates the table and its tombstone table if they do not exist.
func (e *SQLiteEngine) Table(ctx context.Context, name string) (Table, error) {
	if err := validateTableName(name); err != nil {
		return nil, err
	}
	tombstones := name + TombstoneSuffix
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			row_key    TEXT NOT NULL,
			column_key TEXT NOT NULL,
			data       TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (row_key, column_key)
		);

		CREATE TABLE IF NOT EXISTS %[2]s (
			row_key    TEXT NOT NULL,
			column_key TEXT NOT NULL,
			data       TEXT NOT NULL,
			deleted_at TEXT NOT NULL,
			PRIMARY KEY (row_key, column_key)
		);
	`, name, tombstones)
	if _, err := e.db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("creating table %q: %w", name, err)
	}
	return &sqliteTable{db: e.db, name: name, tombstones: tombstones}, nil
}

func (e *SQLiteEngine) Ping(ctx context.Context) error {
	return e.db.PingContext(ctx)
}

func (e *SQLiteEngine) Close() error {
	return e.db.Close()
}

type sqliteTable struct {
	db         *sql.DB
	name       string
	tombstones string
}

func now() string {
	return time.Now().UTC().Format(timeFormat)
}

func (t *sqliteTable) Name() string { return t.name }

func (t *sqliteTable) Put(ctx context.Context, row, column string, data []byte) error {
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO `+t.name+` (row_key, column_key, data, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (row_key, column_key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		row, column, string(data), now())
	if err != nil {
		return fmt.Errorf("putting %s/%s: %w", row, column, err)
	}
	return nil
}

func (t *sqliteTable) Replace(ctx context.Context, row, column string, data []byte) error {
	res, err := t.db.ExecContext(ctx,
		`UPDATE `+t.name+` SET data = ?, updated_at = ? WHERE row_key = ? AND column_key = ?`,
		string(data), now(), row, column)
	if err != nil {
		return fmt.Errorf("updating %s/%s: %w", row, column, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating %s/%s: %w", row, column, err)
	}
	if n == 0 {
		return notFound(t.name, row, column)
	}
	return nil
}

func (t *sqliteTable) Get(ctx context.Context, row, column string) ([]byte, error) {
	var data string
	err := t.db.QueryRowContext(ctx,
		`SELECT data FROM `+t.name+` WHERE row_key = ? AND column_key = ?`, row, column).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(t.name, row, column)
	}
	if err != nil {
		return nil, fmt.Errorf("getting %s/%s: %w", row, column, err)
	}
	return []byte(data), nil
}

// Delete copies the record into the tombstone table and removes it in one
// transaction.
func (t *sqliteTable) Delete(ctx context.Context, row, column string) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO `+t.tombstones+` (row_key, column_key, data, deleted_at)
		 SELECT row_key, column_key, data, ? FROM `+t.name+` WHERE row_key = ? AND column_key = ?`,
		now(), row, column)
	if err != nil {
		return fmt.Errorf("writing tombstone for %s/%s: %w", row, column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(t.name, row, column)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM `+t.name+` WHERE row_key = ? AND column_key = ?`, row, column); err != nil {
		return fmt.Errorf("deleting %s/%s: %w", row, column, err)
	}
	return tx.Commit()
}

func (t *sqliteTable) Scan(ctx context.Context, row string) ([]Row, error) {
	query := `SELECT row_key, column_key, data FROM ` + t.name
	var args []any
	if row != "" {
		query += ` WHERE row_key = ?`
		args = append(args, row)
	}
	query += ` ORDER BY row_key, column_key`

	rs, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", t.name, err)
	}
	defer rs.Close()

	var out []Row
	for rs.Next() {
		var r Row
		var data string
		if err := rs.Scan(&r.Row, &r.Column, &data); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", t.name, err)
		}
		r.Data = []byte(data)
		out = append(out, r)
	}
	return out, rs.Err()
}

func (t *sqliteTable) Rows(ctx context.Context) ([]string, error) {
	rs, err := t.db.QueryContext(ctx, `SELECT DISTINCT row_key FROM `+t.name+` ORDER BY row_key`)
	if err != nil {
		return nil, fmt.Errorf("listing rows of %s: %w", t.name, err)
	}
	defer rs.Close()

	var rows []string
	for rs.Next() {
		var row string
		if err := rs.Scan(&row); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, rs.Err()
}

func (t *sqliteTable) Clear(ctx context.Context) error {
	for _, name := range []string{t.name, t.tombstones} {
		if _, err := t.db.ExecContext(ctx, `DELETE FROM `+name); err != nil {
			return fmt.Errorf("clearing %s: %w", name, err)
		}
	}
	return nil
}

var (
	_ Engine = (*SQLiteEngine)(nil)
	_ Table  = (*sqliteTable)(nil)
)
