package events

import (
	"context"
	"testing"
	"time"

	"github.com/bleepstore/bleepbackup/internal/model"
)

func TestPublishFansOut(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe(1)
	b := bus.Subscribe(1)

	bus.Publish(context.Background(), Event{Kind: BackupCreated, Service: "db", BackupID: "x", State: model.BackupWaiting})

	for _, ch := range []<-chan Event{a, b} {
		e := <-ch
		if e.Kind != BackupCreated || e.Service != "db" || e.Time.IsZero() {
			t.Errorf("event = %+v", e)
		}
	}
	bus.Close()
	if _, ok := <-a; ok {
		t.Error("channel open after Close")
	}
}

func TestPublishHonoursContext(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	bus.Subscribe(0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		bus.Publish(ctx, Event{Kind: BackupDeleted})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked past its context")
	}
}

func TestClosedBus(t *testing.T) {
	bus := NewBus()
	bus.Close()
	bus.Close()
	bus.Publish(context.Background(), Event{Kind: BackupFinished})
	if _, ok := <-bus.Subscribe(1); ok {
		t.Error("subscription on closed bus is open")
	}
}

func TestKindString(t *testing.T) {
	if BackupUploaded.String() != "BackupUploaded" || Kind(0).String() != "Unknown" {
		t.Error("unexpected Kind names")
	}
}
