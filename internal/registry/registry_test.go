package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	backuperr "github.com/bleepstore/bleepbackup/internal/errors"
	"github.com/bleepstore/bleepbackup/internal/events"
	"github.com/bleepstore/bleepbackup/internal/metadata"
	"github.com/bleepstore/bleepbackup/internal/model"
)

// Completion dates are stamped from the wall clock, so the test clock runs an
// hour ahead of it.
var now = time.Now().UTC().Add(time.Hour)

type sliceLister[T model.Entity] []T

func (l sliceLister[T]) List(ctx context.Context, service string, filter func(T) bool) ([]T, error) {
	var out []T
	for _, item := range l {
		if item.Service() == service && (filter == nil || filter(item)) {
			out = append(out, item)
		}
	}
	return out, nil
}

func newRegistry(t *testing.T, backups sliceLister[*model.BackupMetadata], verifications sliceLister[*model.VerificationMetadata]) *Registry {
	t.Helper()
	return newRegistryAt(t, testclock.NewClock(now), backups, verifications)
}

func newRegistryAt(t *testing.T, clk *testclock.Clock, backups sliceLister[*model.BackupMetadata], verifications sliceLister[*model.VerificationMetadata]) *Registry {
	t.Helper()
	table, err := metadata.NewMemoryEngine().Table(context.Background(), metadata.ServicesTable)
	if err != nil {
		t.Fatal(err)
	}
	store := metadata.NewStorage(table, func() *model.ServiceMetadata { return &model.ServiceMetadata{} })
	return New(store, backups, verifications, Config{NodeName: "node-1"}, clk, nil)
}

func TestRegisterIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t, nil, nil)
	if _, err := r.Register(ctx, "db"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.DisableHealthcheck(ctx, "db", true); err != nil {
		t.Fatal(err)
	}
	s, err := r.Register(ctx, "db")
	if err != nil {
		t.Fatal(err)
	}
	if !s.HealthcheckDisabled {
		t.Error("registering a known service reset it")
	}
	all, err := r.ListAll(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("ListAll = %d services, %v", len(all), err)
	}
}

func TestRunRegistersCreatedBackups(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t, nil, nil)
	bus := events.NewBus()
	ch := bus.Subscribe(4)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, ch) }()

	bus.Publish(ctx, events.Event{Kind: events.BackupFinished, Service: "ignored"})
	bus.Publish(ctx, events.Event{Kind: events.BackupCreated, Service: "db", BackupID: "b1"})
	bus.Close()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := r.Get(ctx, "db"); err != nil {
		t.Errorf("db not registered: %v", err)
	}
	if _, err := r.Get(ctx, "ignored"); !errors.Is(err, backuperr.ErrNotFound) {
		t.Errorf("finished event registered a service: %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := newRegistry(t, nil, nil)
	if err := r.Run(ctx, make(chan events.Event)); !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
}

func TestDisableUnknownService(t *testing.T) {
	r := newRegistry(t, nil, nil)
	if _, err := r.DisableHealthcheck(context.Background(), "nope", true); !errors.Is(err, backuperr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func backup(started time.Time, state model.BackupState) *model.BackupMetadata {
	return backupAt("node-1", started, state)
}

func backupAt(node string, started time.Time, state model.BackupState) *model.BackupMetadata {
	b := model.NewBackupMetadata("db", "", node, started)
	b.SetState(state, "")
	return b
}

func verification(started time.Time, state model.VerificationState) *model.VerificationMetadata {
	v := model.NewVerificationMetadata("db", "b", "", "node-1", started)
	if state != model.VerificationStarted {
		v.SetState(state, "")
	}
	return v
}

func TestStatus(t *testing.T) {
	tests := []struct {
		name          string
		backups       sliceLister[*model.BackupMetadata]
		verifications sliceLister[*model.VerificationMetadata]
		disabled      bool
		healthy       bool
		backupLate    bool
		verifyLate    bool
		backupFailed  bool
		verifyFailed  bool
	}{
		{name: "no history", healthy: true},
		{
			name:          "recent",
			backups:       sliceLister[*model.BackupMetadata]{backup(now.Add(-2*time.Hour), model.BackupFinished)},
			verifications: sliceLister[*model.VerificationMetadata]{verification(now.Add(-48*time.Hour), model.VerificationFinished)},
			healthy:       true,
		},
		{
			name: "backup overdue",
			backups: sliceLister[*model.BackupMetadata]{
				backup(now.Add(-30*time.Hour), model.BackupFinished),
				// Running backups do not count.
				backup(now.Add(-time.Hour), model.BackupReceiving),
			},
			backupLate: true,
		},
		{
			name:          "verification overdue",
			verifications: sliceLister[*model.VerificationMetadata]{verification(now.Add(-9*24*time.Hour), model.VerificationFinished)},
			verifyLate:    true,
		},
		{
			name: "latest failed",
			backups: sliceLister[*model.BackupMetadata]{
				backup(now.Add(-30*time.Hour), model.BackupFinished),
				backup(now.Add(-2*time.Hour), model.BackupFailed),
			},
			verifications: sliceLister[*model.VerificationMetadata]{verification(now.Add(-2*time.Hour), model.VerificationTimedOut)},
			backupFailed:  true,
			verifyFailed:  true,
		},
		{
			name: "retried after failure",
			backups: sliceLister[*model.BackupMetadata]{
				backup(now.Add(-3*time.Hour), model.BackupFailed),
				backup(now.Add(-2*time.Hour), model.BackupFinished),
			},
			healthy: true,
		},
		{
			name: "latest owned by another node",
			backups: sliceLister[*model.BackupMetadata]{
				backup(now.Add(-40*time.Hour), model.BackupFinished),
				backupAt("node-2", now.Add(-30*time.Hour), model.BackupFailed),
			},
			healthy: true,
		},
		{
			name:       "disabled",
			backups:    sliceLister[*model.BackupMetadata]{backup(now.Add(-30*time.Hour), model.BackupFinished)},
			disabled:   true,
			healthy:    true,
			backupLate: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			r := newRegistry(t, tt.backups, tt.verifications)
			if _, err := r.Register(ctx, "db"); err != nil {
				t.Fatal(err)
			}
			if _, err := r.DisableHealthcheck(ctx, "db", tt.disabled); err != nil {
				t.Fatal(err)
			}
			st, err := r.Status(ctx, "db")
			if err != nil {
				t.Fatal(err)
			}
			if st.Healthy != tt.healthy || st.BackupOverdue != tt.backupLate || st.VerificationOverdue != tt.verifyLate ||
				st.BackupFailed != tt.backupFailed || st.VerificationFailed != tt.verifyFailed {
				t.Errorf("status = %+v", st)
			}
		})
	}
}

func TestStatusWaitsBeforeReportingFailure(t *testing.T) {
	ctx := context.Background()
	clk := testclock.NewClock(time.Now())
	r := newRegistryAt(t, clk, sliceLister[*model.BackupMetadata]{backup(time.Now().Add(-time.Minute), model.BackupFailed)}, nil)
	if _, err := r.Register(ctx, "db"); err != nil {
		t.Fatal(err)
	}

	st, err := r.Status(ctx, "db")
	if err != nil {
		t.Fatal(err)
	}
	if st.BackupFailed || !st.Healthy {
		t.Errorf("fresh failure reported: %+v", st)
	}

	clk.Advance(DefaultFailedAlertLag + time.Minute)
	if st, _ = r.Status(ctx, "db"); !st.BackupFailed || st.Healthy {
		t.Errorf("standing failure not reported: %+v", st)
	}
}

func TestRegisterRejectsInvalidNames(t *testing.T) {
	r := newRegistry(t, nil, nil)
	for _, name := range []string{"", "..", "a/b"} {
		if _, err := r.Register(context.Background(), name); !errors.Is(err, backuperr.ErrInvalidArgument) {
			t.Errorf("Register(%q) = %v, want ErrInvalidArgument", name, err)
		}
	}
}
