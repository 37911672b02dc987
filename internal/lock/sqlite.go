package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/juju/clock"
)

// SQLiteLeaser keeps leases in a table of the shared metadata database.
// Expiry times are unix milliseconds from the holder's clock.
type SQLiteLeaser struct {
	db    *sql.DB
	clock clock.Clock
}

// NewSQLiteLeaser creates the leases table if needed.
func NewSQLiteLeaser(ctx context.Context, db *sql.DB, clk clock.Clock) (*SQLiteLeaser, error) {
	if clk == nil {
		clk = clock.WallClock
	}
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS leases (
		lease_key  TEXT PRIMARY KEY,
		holder     TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("creating leases table: %w", err)
	}
	return &SQLiteLeaser{db: db, clock: clk}, nil
}

func (s *SQLiteLeaser) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (lease_key, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(lease_key) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE leases.expires_at <= ? OR leases.holder = excluded.holder`,
		key, holder, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteLeaser) Renew(ctx context.Context, key, holder string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leases SET expires_at = ? WHERE lease_key = ? AND holder = ?`,
		s.clock.Now().Add(ttl).UnixMilli(), key, holder)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *SQLiteLeaser) Release(ctx context.Context, key, holder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE lease_key = ? AND holder = ?`, key, holder)
	return err
}

var _ Leaser = (*SQLiteLeaser)(nil)
