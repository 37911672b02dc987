package lock

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
)

type memoryLease struct {
	holder  string
	expires time.Time
}

// MemoryLeaser keeps leases in process memory. It only excludes holders in
// the same process and is meant for single-node deployments and tests.
type MemoryLeaser struct {
	clock clock.Clock

	mu     sync.Mutex
	leases map[string]memoryLease
}

func NewMemoryLeaser(clk clock.Clock) *MemoryLeaser {
	if clk == nil {
		clk = clock.WallClock
	}
	return &MemoryLeaser{clock: clk, leases: make(map[string]memoryLease)}
}

func (m *MemoryLeaser) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	if l, ok := m.leases[key]; ok && l.holder != holder && now.Before(l.expires) {
		return false, nil
	}
	m.leases[key] = memoryLease{holder: holder, expires: now.Add(ttl)}
	return true, nil
}

func (m *MemoryLeaser) Renew(ctx context.Context, key, holder string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[key]
	if !ok || l.holder != holder {
		return ErrLeaseLost
	}
	l.expires = m.clock.Now().Add(ttl)
	m.leases[key] = l
	return nil
}

func (m *MemoryLeaser) Release(ctx context.Context, key, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leases[key]; ok && l.holder == holder {
		delete(m.leases, key)
	}
	return nil
}

// Holder returns the current holder of key, if the lease is live.
func (m *MemoryLeaser) Holder(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[key]
	if !ok || !m.clock.Now().Before(l.expires) {
		return "", false
	}
	return l.holder, true
}

var _ Leaser = (*MemoryLeaser)(nil)
