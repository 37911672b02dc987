// Package lock provides lease-based mutual exclusion between BleepBackup
// nodes that share one metadata store.
//
// A DistributedLock claims a lease on a Leaser medium under a random token,
// keeps it alive by renewing at half the lease timeout, and releases it when
// done. A holder that crashes loses the lease once it expires.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	backuperr "github.com/bleepstore/bleepbackup/internal/errors"
	"github.com/bleepstore/bleepbackup/internal/logging"
	"github.com/bleepstore/bleepbackup/internal/metrics"
	"github.com/bleepstore/bleepbackup/internal/uid"
)

// Leaser is a shared medium holding expiring, exclusive leases.
type Leaser interface {
	// Acquire claims key for holder if it is free, expired or already held by
	// holder. It reports false with a nil error when someone else holds it.
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	// Renew extends a lease that holder owns.
	Renew(ctx context.Context, key, holder string, ttl time.Duration) error
	// Release frees a lease that holder owns. Releasing a lease that is not
	// held is not an error.
	Release(ctx context.Context, key, holder string) error
}

// ErrLeaseLost is returned by Renew when the lease expired and was taken over.
var ErrLeaseLost = errors.New("lease lost")

// errLeaseHeld makes retry.Call try again.
var errLeaseHeld = errors.New("lease held by another holder")

// DistributedLock is a single-use lock on one key. Create one per critical
// section.
type DistributedLock struct {
	leaser  Leaser
	key     string
	token   string
	ttl     time.Duration
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// New creates an unheld lock on key.
func New(leaser Leaser, key string, ttl time.Duration, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) *DistributedLock {
	if clk == nil {
		clk = clock.WallClock
	}
	return &DistributedLock{
		leaser:  leaser,
		key:     key,
		token:   uid.New(),
		ttl:     ttl,
		clock:   clk,
		logger:  logging.OrDiscard(logger),
		metrics: metrics.OrDiscard(m),
	}
}

// Key returns the lease key.
func (l *DistributedLock) Key() string { return l.key }

// Token returns the random lease token identifying this holder.
func (l *DistributedLock) Token() string { return l.token }

// Held reports whether the lease is currently held by this lock.
func (l *DistributedLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stop != nil
}

// TryAcquire makes one attempt. On success the renewal loop starts.
func (l *DistributedLock) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop != nil {
		return true, nil
	}

	ok, err := l.leaser.Acquire(ctx, l.key, l.token, l.ttl)
	if err != nil {
		return false, fmt.Errorf("acquiring lease %s: %w", l.key, err)
	}
	if !ok {
		return false, nil
	}
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.renewLoop(l.stop, l.done)
	return true, nil
}

// Acquire retries TryAcquire every retryDelay until it succeeds, ctx ends or
// timeout elapses. Running out of time returns ErrLockTimeout.
func (l *DistributedLock) Acquire(ctx context.Context, timeout, retryDelay time.Duration) error {
	start := l.clock.Now()
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			ok, err := l.TryAcquire(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return errLeaseHeld
			}
			return nil
		},
		NotifyFunc: func(err error, attempt int) {
			if !errors.Is(err, errLeaseHeld) {
				l.logger.Debug("Lease attempt failed", "key", l.key, "attempt", attempt, "error", err)
			}
		},
		Attempts:    -1,
		Delay:       retryDelay,
		MaxDuration: timeout,
		Clock:       l.clock,
		Stop:        ctx.Done(),
	})
	l.metrics.LockAcquireDuration.Observe(l.clock.Now().Sub(start).Seconds())

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("acquiring lock %s: %w", l.key, ctx.Err())
	case retry.IsDurationExceeded(err):
		l.metrics.LockTimeouts.Inc()
		return fmt.Errorf("lock %s not acquired within %s: %w", l.key, timeout, backuperr.ErrLockTimeout)
	default:
		return fmt.Errorf("acquiring lock %s: %w", l.key, err)
	}
}

// Release stops renewal and frees the lease. Failures are logged; the lease
// expires on its own.
func (l *DistributedLock) Release(ctx context.Context) {
	l.mu.Lock()
	stop, done := l.stop, l.done
	l.stop, l.done = nil, nil
	l.mu.Unlock()
	if stop == nil {
		return
	}

	close(stop)
	<-done
	if err := l.leaser.Release(ctx, l.key, l.token); err != nil {
		l.logger.Warn("Failed to release lease", "key", l.key, "error", err)
	}
}

func (l *DistributedLock) renewLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := l.ttl / 2
	for {
		select {
		case <-stop:
			return
		case <-l.clock.After(interval):
		}

		ctx, cancel := context.WithTimeout(context.Background(), interval)
		err := l.leaser.Renew(ctx, l.key, l.token, l.ttl)
		cancel()
		if err != nil {
			l.logger.Warn("Failed to renew lease", "key", l.key, "error", err)
		}
	}
}
