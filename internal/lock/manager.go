package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/juju/clock"

	backuperr "github.com/bleepstore/bleepbackup/internal/errors"
	"github.com/bleepstore/bleepbackup/internal/logging"
	"github.com/bleepstore/bleepbackup/internal/metrics"
)

// Bounds of the lease timeout. Azure blob leases only accept this range.
const (
	MinLeaseTimeout = 15 * time.Second
	MaxLeaseTimeout = 60 * time.Second
)

// Config controls lock timing.
type Config struct {
	LeaseTimeout   time.Duration
	AcquireTimeout time.Duration
	RetryDelay     time.Duration
}

// DefaultConfig returns a 15s lease, a 1m acquire timeout and a 1s retry delay.
func DefaultConfig() Config {
	return Config{
		LeaseTimeout:   MinLeaseTimeout,
		AcquireTimeout: time.Minute,
		RetryDelay:     time.Second,
	}
}

// Validate checks the lease bounds and fills unset durations.
func (c *Config) Validate() error {
	if c.LeaseTimeout < MinLeaseTimeout || c.LeaseTimeout > MaxLeaseTimeout {
		return fmt.Errorf("lease timeout %s outside [%s, %s]: %w",
			c.LeaseTimeout, MinLeaseTimeout, MaxLeaseTimeout, backuperr.ErrInvalidArgument)
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = time.Minute
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	return nil
}

// Manager hands out locks keyed by entity id.
type Manager struct {
	leaser  Leaser
	cfg     Config
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewManager validates cfg and returns a manager over leaser.
func NewManager(leaser Leaser, cfg Config, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Manager{
		leaser:  leaser,
		cfg:     cfg,
		clock:   clk,
		logger:  logging.OrDiscard(logger).With("component", "lock"),
		metrics: metrics.OrDiscard(m),
	}, nil
}

// Key returns the lease key guarding id.
func Key(id string) string { return id + ".lock" }

// Lock returns a fresh, unheld lock for id.
func (m *Manager) Lock(id string) *DistributedLock {
	return New(m.leaser, Key(id), m.cfg.LeaseTimeout, m.clock, m.logger, m.metrics)
}

// WithLock runs fn while holding the lock for id.
func (m *Manager) WithLock(ctx context.Context, id string, fn func() error) error {
	l := m.Lock(id)
	if err := l.Acquire(ctx, m.cfg.AcquireTimeout, m.cfg.RetryDelay); err != nil {
		return err
	}
	defer l.Release(context.WithoutCancel(ctx))
	return fn()
}
