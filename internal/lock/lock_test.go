package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"go.uber.org/goleak"

	backuperr "github.com/bleepstore/bleepbackup/internal/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestTryAcquireExclusive(t *testing.T) {
	ctx := context.Background()
	leaser := NewMemoryLeaser(nil)

	a := New(leaser, "b1.lock", 20*time.Second, nil, nil, nil)
	b := New(leaser, "b1.lock", 20*time.Second, nil, nil, nil)

	ok, err := a.TryAcquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first TryAcquire = %v, %v", ok, err)
	}
	ok, err = b.TryAcquire(ctx)
	if err != nil || ok {
		t.Fatalf("second TryAcquire = %v, %v; want false", ok, err)
	}

	a.Release(ctx)
	if a.Held() {
		t.Error("lock still held after Release")
	}
	ok, _ = b.TryAcquire(ctx)
	if !ok {
		t.Error("lease not free after Release")
	}
	b.Release(ctx)
}

func TestAcquireTimeout(t *testing.T) {
	ctx := context.Background()
	leaser := NewMemoryLeaser(nil)
	holder := New(leaser, "b1.lock", time.Minute, nil, nil, nil)
	if ok, _ := holder.TryAcquire(ctx); !ok {
		t.Fatal("holder could not acquire")
	}
	defer holder.Release(ctx)

	waiter := New(leaser, "b1.lock", time.Minute, nil, nil, nil)
	start := time.Now()
	err := waiter.Acquire(ctx, 50*time.Millisecond, 10*time.Millisecond)
	if !errors.Is(err, backuperr.ErrLockTimeout) {
		t.Fatalf("err = %v, want ErrLockTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Acquire took %s", elapsed)
	}
}

func TestAcquireCancelled(t *testing.T) {
	leaser := NewMemoryLeaser(nil)
	holder := New(leaser, "k", time.Minute, nil, nil, nil)
	holder.TryAcquire(context.Background())
	defer holder.Release(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New(leaser, "k", time.Minute, nil, nil, nil).Acquire(ctx, time.Minute, 10*time.Millisecond)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestAcquireAfterExpiry(t *testing.T) {
	ctx := context.Background()
	clk := testclock.NewClock(time.Now())
	leaser := NewMemoryLeaser(clk)

	// A crashed holder never renews or releases.
	if ok, _ := leaser.Acquire(ctx, "k", "crashed", 15*time.Second); !ok {
		t.Fatal("setup acquire failed")
	}
	clk.Advance(16 * time.Second)

	l := New(leaser, "k", 15*time.Second, clk, nil, nil)
	ok, err := l.TryAcquire(ctx)
	if err != nil || !ok {
		t.Fatalf("TryAcquire after expiry = %v, %v", ok, err)
	}
	l.Release(ctx)
}

func TestRenewalKeepsLease(t *testing.T) {
	ctx := context.Background()
	clk := testclock.NewClock(time.Now())
	leaser := NewMemoryLeaser(clk)

	l := New(leaser, "k", 20*time.Second, clk, nil, nil)
	if ok, _ := l.TryAcquire(ctx); !ok {
		t.Fatal("TryAcquire failed")
	}

	// Three renewal periods carry the lease well past its original expiry.
	for i := 0; i < 3; i++ {
		if err := clk.WaitAdvance(10*time.Second, time.Second, 1); err != nil {
			t.Fatalf("WaitAdvance: %v", err)
		}
	}
	// Wait for the renew loop to finish the last renewal and block again.
	if err := clk.WaitAdvance(0, time.Second, 1); err != nil {
		t.Fatalf("WaitAdvance: %v", err)
	}

	holder, ok := leaser.Holder("k")
	if !ok || holder != l.Token() {
		t.Errorf("holder = %q, %v; want %q", holder, ok, l.Token())
	}

	l.Release(ctx)
	if _, ok := leaser.Holder("k"); ok {
		t.Error("lease still live after Release")
	}
}

func TestManagerConfig(t *testing.T) {
	for _, lease := range []time.Duration{0, 14 * time.Second, 61 * time.Second} {
		cfg := DefaultConfig()
		cfg.LeaseTimeout = lease
		if _, err := NewManager(NewMemoryLeaser(nil), cfg, nil, nil, nil); !errors.Is(err, backuperr.ErrInvalidArgument) {
			t.Errorf("lease %s: err = %v, want ErrInvalidArgument", lease, err)
		}
	}
	if _, err := NewManager(NewMemoryLeaser(nil), DefaultConfig(), nil, nil, nil); err != nil {
		t.Errorf("default config rejected: %v", err)
	}
	if got := Key("abc"); got != "abc.lock" {
		t.Errorf("Key = %q", got)
	}
}

// Concurrent read-modify-write sections on the same id never interleave.
func TestWithLockSerializes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.AcquireTimeout = 30 * time.Second
	m, err := NewManager(NewMemoryLeaser(nil), cfg, clock.WallClock, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	const workers, rounds = 4, 10
	var counter int
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				err := m.WithLock(context.Background(), "entity", func() error {
					v := counter
					time.Sleep(100 * time.Microsecond)
					counter = v + 1
					return nil
				})
				if err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
	if counter != workers*rounds {
		t.Errorf("counter = %d, want %d", counter, workers*rounds)
	}
}
