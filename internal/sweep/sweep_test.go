package sweep

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bleepstore/bleepbackup/internal/codec"
	backuperr "github.com/bleepstore/bleepbackup/internal/errors"
	"github.com/bleepstore/bleepbackup/internal/lock"
	"github.com/bleepstore/bleepbackup/internal/metadata"
	"github.com/bleepstore/bleepbackup/internal/metrics"
	"github.com/bleepstore/bleepbackup/internal/model"
	"github.com/bleepstore/bleepbackup/internal/policy"
	"github.com/bleepstore/bleepbackup/internal/processor"
	"github.com/bleepstore/bleepbackup/internal/storage"
)

const testNode = "node-1"

var epoch = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	clock         *testclock.Clock
	local         *storage.MemoryStorage
	offsite       *storage.MemoryStorage
	backups       *processor.BackupProcessor
	verifications *processor.VerificationProcessor
	metrics       *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	engine := metadata.NewMemoryEngine()
	lockCfg := lock.DefaultConfig()
	lockCfg.RetryDelay = time.Millisecond
	locks, err := lock.NewManager(lock.NewMemoryLeaser(nil), lockCfg, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	codecs, err := codec.NewFactory(codec.Snappy, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	backupTable, _ := engine.Table(ctx, metadata.BackupsTable)
	verificationTable, _ := engine.Table(ctx, metadata.VerificationsTable)

	f := &fixture{
		clock:   testclock.NewClock(epoch),
		local:   storage.NewMemoryStorage(0),
		offsite: storage.NewMemoryStorage(0),
		metrics: metrics.New(nil),
	}
	logs := storage.NewMemoryStorage(0)
	f.backups = processor.NewBackupProcessor(processor.BackupConfig{NodeName: testNode, ChunkSize: 1000}, processor.BackupDeps{
		Store:   metadata.NewStorage(backupTable, func() *model.BackupMetadata { return new(model.BackupMetadata) }),
		Local:   f.local,
		Offsite: f.offsite,
		Logs:    logs,
		Locks:   locks,
		Codecs:  codecs,
		Clock:   f.clock,
	})
	f.verifications = processor.NewVerificationProcessor(
		metadata.NewStorage(verificationTable, func() *model.VerificationMetadata { return new(model.VerificationMetadata) }),
		logs, locks, f.backups, testNode, f.clock, nil)
	return f
}

// backup stores one small file and finishes the backup with the given
// outcome, then moves the clock a day forward.
func (f *fixture) backup(t *testing.T, service string, success bool) *model.BackupMetadata {
	t.Helper()
	ctx := context.Background()
	data := bytes.Repeat([]byte("backup"), 50)
	sum := md5.Sum(data)

	b, err := f.backups.Create(ctx, service, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.backups.Store(ctx, b, hex.EncodeToString(sum[:]), bytes.NewReader(data), "dump"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.backups.Finish(ctx, b, "", success); err != nil {
		t.Fatal(err)
	}
	if err := f.backups.Close(ctx); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(24 * time.Hour)
	b, err = f.backups.Get(ctx, service, b.ID())
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	stalled, err := f.backups.Create(ctx, "db", "")
	if err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(10 * time.Hour)
	fresh, err := f.backups.Create(ctx, "db", "")
	if err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(15 * time.Hour)

	sw := NewTimeout[*model.BackupMetadata]("backup-timeout", f.backups, 24*time.Hour, f.clock, nil, f.metrics)
	if err := sw.Run(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := f.backups.Get(ctx, "db", stalled.ID())
	if got.State() != model.BackupTimedOut {
		t.Fatalf("stalled backup state = %s, want TIMEDOUT", got.State())
	}
	transitions := got.Transitions()
	if c := transitions[len(transitions)-1].Comment; c != "Expired after 90000 seconds" {
		t.Errorf("comment = %q", c)
	}
	if _, ok := got.CompletedDate(); !ok {
		t.Error("timed out backup has no completed date")
	}
	if got, _ := f.backups.Get(ctx, "db", fresh.ID()); got.State() != model.BackupWaiting {
		t.Errorf("fresh backup state = %s, want WAITING", got.State())
	}
}

func TestTimeoutSkipsOtherNodes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	b, err := f.backups.Create(ctx, "db", "")
	if err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(48 * time.Hour)

	other := &nodeOverride[*model.BackupMetadata]{Entities: f.backups, node: "node-2"}
	if err := NewTimeout[*model.BackupMetadata]("backup-timeout", other, time.Hour, f.clock, nil, nil).Run(ctx); err != nil {
		t.Fatal(err)
	}
	if got, _ := f.backups.Get(ctx, "db", b.ID()); got.State() != model.BackupWaiting {
		t.Errorf("state = %s, another node's backup was timed out", got.State())
	}
}

type nodeOverride[T model.Entity] struct {
	Entities[T]
	node string
}

func (n *nodeOverride[T]) NodeName() string { return n.node }

func TestTimeoutVerifications(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	b := f.backup(t, "db", true)
	v, err := f.verifications.Create(ctx, "db", b.ID(), "")
	if err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(2 * time.Hour)
	if err := NewTimeout[*model.VerificationMetadata]("verification-timeout", f.verifications, time.Hour, f.clock, nil, nil).Run(ctx); err != nil {
		t.Fatal(err)
	}
	if got, _ := f.verifications.Get(ctx, "db", v.ID()); got.State() != model.VerificationTimedOut {
		t.Errorf("state = %s, want TIMEDOUT", got.State())
	}
}

func TestOrphans(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	kept := f.backup(t, "db", true)
	gone := f.backup(t, "db", true)
	keptV, err := f.verifications.Create(ctx, "db", kept.ID(), "")
	if err != nil {
		t.Fatal(err)
	}
	goneV, err := f.verifications.Create(ctx, "db", gone.ID(), "")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.backups.Delete(ctx, gone); err != nil {
		t.Fatal(err)
	}

	if err := NewOrphans(f.verifications, nil, nil).Run(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := f.verifications.Get(ctx, "db", keptV.ID()); err != nil {
		t.Errorf("verification of an existing backup deleted: %v", err)
	}
	if _, err := f.verifications.Get(ctx, "db", goneV.ID()); !errors.Is(err, backuperr.ErrNotFound) {
		t.Errorf("orphaned verification kept: %v", err)
	}
}

func TestRetentionPerTier(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var all []*model.BackupMetadata
	for range 5 {
		all = append(all, f.backup(t, "db", true))
	}
	other := f.backup(t, "web", true)
	finished := []model.BackupState{model.BackupFinished}

	local := NewRetention("local-retention", f.backups, f.local, model.Local, finished,
		policy.NewLastCount[*model.BackupMetadata](2), nil, f.metrics)
	if err := local.Run(ctx); err != nil {
		t.Fatal(err)
	}
	for i, b := range all {
		got, err := f.backups.Get(ctx, "db", b.ID())
		if err != nil {
			t.Fatalf("backup %d: %v", i, err)
		}
		if wantLocal := i >= 3; got.ExistsAt(model.Local) != wantLocal {
			t.Errorf("backup %d local = %v, want %v", i, got.ExistsAt(model.Local), wantLocal)
		}
		if !got.ExistsAt(model.Offsite) {
			t.Errorf("backup %d lost its offsite copy", i)
		}
	}
	if got, _ := f.backups.Get(ctx, "web", other.ID()); !got.ExistsAt(model.Local) {
		t.Error("retention counted across services")
	}

	offsite := NewRetention("offsite-retention", f.backups, f.offsite, model.Offsite, finished,
		policy.NewLastCount[*model.BackupMetadata](4), nil, f.metrics)
	if err := offsite.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := f.backups.Get(ctx, "db", all[0].ID()); !errors.Is(err, backuperr.ErrNotFound) {
		t.Errorf("backup gone from both tiers still has metadata: %v", err)
	}
	for i, b := range all[1:] {
		if _, err := f.backups.Get(ctx, "db", b.ID()); err != nil {
			t.Errorf("backup %d: %v", i+1, err)
		}
	}
	if n := testutil.ToFloat64(f.metrics.SweepItemFailures.WithLabelValues("offsite-retention")); n != 0 {
		t.Errorf("item failures = %v", n)
	}
}

func TestFailedRetention(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.backup(t, "db", false)
	second := f.backup(t, "db", false)

	pol := policy.NewFailed[*model.BackupMetadata](func(ctx context.Context, service string) ([]*model.BackupMetadata, error) {
		return f.backups.List(ctx, service, nil)
	}, nil)
	sw := NewRetention("local-failed-retention", f.backups, f.local, model.Local,
		[]model.BackupState{model.BackupFailed, model.BackupTimedOut}, pol, nil, nil)
	if err := sw.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if got, _ := f.backups.Get(ctx, "db", first.ID()); got.ExistsAt(model.Local) {
		t.Error("earlier failure kept")
	}
	if got, _ := f.backups.Get(ctx, "db", second.ID()); !got.ExistsAt(model.Local) {
		t.Error("latest failure dropped")
	}
}

type countingSweep struct {
	runs chan struct{}
	n    atomic.Int32
}

func (s *countingSweep) Name() string { return "counting" }

func (s *countingSweep) Run(ctx context.Context) error {
	s.n.Add(1)
	s.runs <- struct{}{}
	return errors.New("boom")
}

func TestSchedulerFixedDelay(t *testing.T) {
	clk := testclock.NewClock(epoch)
	sw := &countingSweep{runs: make(chan struct{})}
	m := metrics.New(nil)
	s := NewScheduler(Config{InitialDelay: 5 * time.Minute, Frequency: time.Hour}, clk, nil, m, sw)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	if err := clk.WaitAdvance(5*time.Minute, time.Second, 1); err != nil {
		t.Fatal(err)
	}
	<-sw.runs
	// No second run until the full delay has passed again.
	if err := clk.WaitAdvance(59*time.Minute, time.Second, 1); err != nil {
		t.Fatal(err)
	}
	select {
	case <-sw.runs:
		t.Fatal("sweep ran before its delay")
	case <-time.After(20 * time.Millisecond):
	}
	clk.Advance(time.Minute)
	<-sw.runs

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v", err)
	}
	if n := sw.n.Load(); n != 2 {
		t.Errorf("runs = %d, want 2", n)
	}
	if n := testutil.CollectAndCount(m.SweepDuration); n != 1 {
		t.Errorf("duration series = %d, want 1", n)
	}
}
