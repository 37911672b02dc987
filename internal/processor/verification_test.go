package processor

import (
	"context"
	"errors"
	"testing"

	backuperr "github.com/bleepstore/bleepbackup/internal/errors"
	"github.com/bleepstore/bleepbackup/internal/model"
)

func TestVerificationCreate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	if _, err := h.verifications.Create(ctx, "db", "missing", ""); !errors.Is(err, backuperr.ErrNotFound) {
		t.Errorf("unknown backup: err = %v, want ErrNotFound", err)
	}

	b := h.storeAndFinish(t, "db", "f", []byte("content"))
	v, err := h.verifications.Create(ctx, "db", b.ID(), "10.0.0.2")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if v.State() != model.VerificationStarted || v.BackupID() != b.ID() {
		t.Errorf("verification = %v", v)
	}
	got, _ := h.backups.Get(ctx, "db", b.ID())
	if got.VerificationID() != v.ID() || !got.HasVerification() {
		t.Errorf("backup verification id = %q, want %q", got.VerificationID(), v.ID())
	}
}

func TestVerificationFinish(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	b := h.storeAndFinish(t, "db", "f", []byte("content"))

	ok, _ := h.verifications.Create(ctx, "db", b.ID(), "")
	done, err := h.verifications.Finish(ctx, ok, "restored fine", true)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if done.State() != model.VerificationFinished {
		t.Errorf("state = %s", done.State())
	}
	if _, err := h.verifications.Finish(ctx, ok, "", false); !errors.Is(err, backuperr.ErrIllegalTransition) {
		t.Errorf("second finish: err = %v, want ErrIllegalTransition", err)
	}

	bad, _ := h.verifications.Create(ctx, "db", b.ID(), "")
	failed, err := h.verifications.Finish(ctx, bad, "", false)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if failed.State() != model.VerificationFailed {
		t.Errorf("state = %s", failed.State())
	}
	if c := failed.Transitions()[len(failed.Transitions())-1].Comment; c != "Marked as failed by client" {
		t.Errorf("comment = %q", c)
	}
}

func TestVerificationOrphaned(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	b := h.storeAndFinish(t, "db", "f", []byte("content"))
	v, _ := h.verifications.Create(ctx, "db", b.ID(), "")

	if orphan, err := h.verifications.Orphaned(ctx, v); err != nil || orphan {
		t.Errorf("Orphaned = %v, %v; want false", orphan, err)
	}
	if err := h.backups.Delete(ctx, b); err != nil {
		t.Fatal(err)
	}
	if orphan, err := h.verifications.Orphaned(ctx, v); err != nil || !orphan {
		t.Errorf("Orphaned = %v, %v; want true", orphan, err)
	}
}
