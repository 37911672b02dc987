package model

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bleepstore/bleepbackup/internal/codec"
	backuperr "github.com/bleepstore/bleepbackup/internal/errors"
)

func newBackup() *BackupMetadata {
	return NewBackupMetadata("db", "10.0.0.1", "node-a", time.Now())
}

func assertCompletedInvariant(t *testing.T, b *BackupMetadata) {
	t.Helper()
	_, ok := b.CompletedDate()
	want := b.IsSuccessful() || b.IsFailed()
	if ok != want {
		t.Errorf("state %s: completedDate present = %v, want %v", b.State(), ok, want)
	}
}

func TestNewBackupMetadata(t *testing.T) {
	b := newBackup()
	if b.State() != BackupWaiting {
		t.Errorf("State = %s, want WAITING", b.State())
	}
	if b.ID() == "" {
		t.Error("ID is empty")
	}
	if b.RowKey() != "db" || b.ColumnKey() != b.ID() {
		t.Errorf("keys = (%q, %q)", b.RowKey(), b.ColumnKey())
	}
	if b.ModelVersion() != BackupModelVersion {
		t.Errorf("ModelVersion = %d, want %d", b.ModelVersion(), BackupModelVersion)
	}
	if !b.IsRunning() || b.IsFinished() {
		t.Error("new backup should be running")
	}
	assertCompletedInvariant(t, b)
}

func TestTransitionState(t *testing.T) {
	b := newBackup()
	if err := b.TransitionState(BackupReceiving, BackupWaiting, "wrong"); !errors.Is(err, backuperr.ErrIllegalTransition) {
		t.Fatalf("TransitionState from wrong state: err = %v, want ErrIllegalTransition", err)
	}
	if got := len(b.Transitions()); got != 0 {
		t.Fatalf("failed transition recorded %d transitions", got)
	}
	if b.State() != BackupWaiting {
		t.Fatalf("failed transition changed state to %s", b.State())
	}

	if err := b.TransitionState(BackupWaiting, BackupUploading, "uploading"); err != nil {
		t.Fatalf("TransitionState: %v", err)
	}
	tr := b.Transitions()
	if len(tr) != 1 || tr[0].OldState != BackupWaiting || tr[0].NewState != BackupUploading || tr[0].Comment != "uploading" {
		t.Errorf("Transitions = %+v", tr)
	}
	assertCompletedInvariant(t, b)
	first, _ := b.CompletedDate()

	time.Sleep(2 * time.Millisecond)
	if err := b.TransitionState(BackupUploading, BackupFinished, "done"); err != nil {
		t.Fatalf("TransitionState: %v", err)
	}
	second, _ := b.CompletedDate()
	if !first.Equal(second) {
		t.Errorf("completedDate moved from %v to %v", first, second)
	}
	assertCompletedInvariant(t, b)
}

func TestCompletedDateInvariantAcrossStates(t *testing.T) {
	for _, st := range BackupStates {
		b := newBackup()
		b.SetState(st, "forced")
		assertCompletedInvariant(t, b)
		if b.IsRunning() == b.IsFinished() {
			t.Errorf("%s: running and finished must be complementary", st)
		}
	}
}

func TestBackupStatePredicates(t *testing.T) {
	tests := []struct {
		state                       BackupState
		successful, failed, running bool
	}{
		{BackupWaiting, false, false, true},
		{BackupReceiving, false, false, true},
		{BackupQueued, false, false, true},
		{BackupUploading, true, false, true},
		{BackupFinished, true, false, false},
		{BackupFailed, false, true, false},
		{BackupTimedOut, false, true, false},
	}
	for _, tt := range tests {
		if tt.state.Successful() != tt.successful || tt.state.Failed() != tt.failed || tt.state.Running() != tt.running {
			t.Errorf("%s: predicates = (%v, %v, %v)", tt.state, tt.state.Successful(), tt.state.Failed(), tt.state.Running())
		}
	}
}

func TestPendingStores(t *testing.T) {
	b := newBackup()
	if err := b.IncrementPendingStores("a"); err != nil {
		t.Fatalf("first increment: %v", err)
	}
	if b.State() != BackupReceiving || b.PendingStores() != 1 {
		t.Fatalf("state %s pending %d", b.State(), b.PendingStores())
	}
	if err := b.IncrementPendingStores("b"); err != nil {
		t.Fatalf("second increment: %v", err)
	}
	if err := b.DecrementPendingStores("a"); err != nil {
		t.Fatalf("first decrement: %v", err)
	}
	if b.State() != BackupReceiving || b.PendingStores() != 1 {
		t.Fatalf("after first decrement: state %s pending %d", b.State(), b.PendingStores())
	}
	if err := b.DecrementPendingStores("b"); err != nil {
		t.Fatalf("second decrement: %v", err)
	}
	if b.State() != BackupWaiting || b.PendingStores() != 0 {
		t.Fatalf("after last decrement: state %s pending %d", b.State(), b.PendingStores())
	}
}

func TestIncrementPendingStoresRequiresWaiting(t *testing.T) {
	b := newBackup()
	b.SetFailed("boom")
	if err := b.IncrementPendingStores("a"); !errors.Is(err, backuperr.ErrIllegalTransition) {
		t.Fatalf("err = %v, want ErrIllegalTransition", err)
	}
	if b.PendingStores() != 0 {
		t.Errorf("PendingStores = %d after failed increment", b.PendingStores())
	}
}

func TestPendingUploadsAuditTransitions(t *testing.T) {
	b := newBackup()
	if n := b.IncrementPendingUploads("p1"); n != 1 {
		t.Errorf("IncrementPendingUploads = %d, want 1", n)
	}
	if n := b.DecrementPendingUploads("p1"); n != 0 {
		t.Errorf("DecrementPendingUploads = %d, want 0", n)
	}
	tr := b.Transitions()
	if len(tr) != 2 {
		t.Fatalf("len(Transitions) = %d, want 2", len(tr))
	}
	for _, x := range tr {
		if x.OldState != x.NewState {
			t.Errorf("audit transition changed state: %+v", x)
		}
	}
}

func TestAddChunk(t *testing.T) {
	b := newBackup()
	chunk := Chunk{Path: "p0", OriginalSize: 100, Size: 40, Hash: "h"}
	if err := b.AddChunk("f", chunk); !errors.Is(err, backuperr.ErrIllegalTransition) {
		t.Fatalf("AddChunk while WAITING: err = %v", err)
	}
	if err := b.IncrementPendingStores("f"); err != nil {
		t.Fatal(err)
	}
	if err := b.AddChunk("f", chunk); err != nil {
		t.Fatalf("AddChunk: %v", err)
	}
	if err := b.AddChunk("f", Chunk{Path: "p1", OriginalSize: 50, Size: 20}); err != nil {
		t.Fatalf("AddChunk: %v", err)
	}
	if b.OriginalSize() != 150 || b.Size() != 60 {
		t.Errorf("sizes = %d/%d, want 150/60", b.OriginalSize(), b.Size())
	}
	chunks := b.Chunks("f")
	if len(chunks) != 2 || chunks[0].Path != "p0" || chunks[1].Path != "p1" {
		t.Errorf("Chunks = %+v", chunks)
	}
}

func TestChunkCompressionDefaultsToSnappy(t *testing.T) {
	var c Chunk
	if err := json.Unmarshal([]byte(`{"path":"x"}`), &c); err != nil {
		t.Fatal(err)
	}
	if c.Compression() != codec.Snappy {
		t.Errorf("Compression() = %q, want SNAPPY", c.Compression())
	}
	c.CompressionCodec = codec.Zstd
	if c.Compression() != codec.Zstd {
		t.Errorf("Compression() = %q, want ZSTD", c.Compression())
	}
}

func TestBackupJSON(t *testing.T) {
	b := newBackup()
	if err := b.IncrementPendingStores("f"); err != nil {
		t.Fatal(err)
	}
	if err := b.AddChunk("f", Chunk{Path: "p0", OriginalSize: 10, Size: 5, CompressionCodec: codec.Gzip}); err != nil {
		t.Fatal(err)
	}
	b.AddLocation(Local)
	b.SetVerificationID("v1")

	data, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got BackupMetadata
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.ID() != b.ID() || got.State() != BackupReceiving || got.PendingStores() != 1 {
		t.Errorf("round trip lost fields: %s", data)
	}
	if !got.ExistsAt(Local) || got.ExistsAt(Offsite) {
		t.Errorf("Locations = %v", got.Locations())
	}
	if !got.HasVerification() || got.OriginalSize() != 10 {
		t.Errorf("verification %q size %d", got.VerificationID(), got.OriginalSize())
	}
	if len(got.Transitions()) != 1 {
		t.Errorf("Transitions = %+v", got.Transitions())
	}
}

func TestBackupJSONIgnoresUnknownFields(t *testing.T) {
	var b BackupMetadata
	data := `{"service":"db","id":"1","state":"FINISHED","futureField":{"x":1},"modelVersion":7}`
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if b.State() != BackupFinished || b.ModelVersion() != 7 {
		t.Errorf("state %s version %d", b.State(), b.ModelVersion())
	}
	if len(b.Chunks("anything")) != 0 {
		t.Error("expected no chunks")
	}
	b.AddLocation(Offsite)
}

func TestConcurrentMutation(t *testing.T) {
	b := newBackup()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.IncrementPendingUploads("p")
		}()
	}
	wg.Wait()
	if b.PendingUploads() != 50 {
		t.Errorf("PendingUploads = %d, want 50", b.PendingUploads())
	}
}

func TestVerificationMetadata(t *testing.T) {
	v := NewVerificationMetadata("db", "b1", "10.0.0.2", "node-a", time.Now())
	if v.State() != VerificationStarted || !v.IsRunning() {
		t.Fatalf("State = %s", v.State())
	}
	if _, ok := v.CompletedDate(); ok {
		t.Error("started verification has completedDate")
	}
	if err := v.TransitionState(VerificationStarted, VerificationFinished, "ok"); err != nil {
		t.Fatal(err)
	}
	if !v.IsFinished() || !v.IsSuccessful() {
		t.Error("finished verification predicates")
	}
	if _, ok := v.CompletedDate(); !ok {
		t.Error("finished verification has no completedDate")
	}

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	var got VerificationMetadata
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.BackupID() != "b1" || got.State() != VerificationFinished {
		t.Errorf("round trip: %s", data)
	}

	v2 := NewVerificationMetadata("db", "b1", "", "node-a", time.Now())
	v2.SetTimedOut("expired")
	if !v2.IsFailed() || !v2.IsFinished() {
		t.Error("timed out verification should be failed and finished")
	}
}

func TestParseStates(t *testing.T) {
	if _, err := ParseBackupState("FINISHED"); err != nil {
		t.Error(err)
	}
	if _, err := ParseBackupState("finished"); !errors.Is(err, backuperr.ErrInvalidArgument) {
		t.Errorf("err = %v", err)
	}
	if _, err := ParseVerificationState("STARTED"); err != nil {
		t.Error(err)
	}
}

func TestValidateServiceName(t *testing.T) {
	tests := []struct {
		name string
		ok   bool
	}{
		{"db", true},
		{"billing-db.replica_2", true},
		{"db.v2", true},
		{"..db", false},
		{".tmp", false},
		{"", false},
		{".", false},
		{"..", false},
		{"a/b", false},
		{"../etc", false},
		{`a\b`, false},
		{"nul\x00", false},
		{strings.Repeat("s", MaxServiceNameLength), true},
		{strings.Repeat("s", MaxServiceNameLength+1), false},
	}
	for _, tt := range tests {
		err := ValidateServiceName(tt.name)
		if tt.ok && err != nil {
			t.Errorf("ValidateServiceName(%q) = %v", tt.name, err)
		}
		if !tt.ok && !errors.Is(err, backuperr.ErrInvalidArgument) {
			t.Errorf("ValidateServiceName(%q) = %v, want ErrInvalidArgument", tt.name, err)
		}
	}
}
