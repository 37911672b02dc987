// Package events carries backup lifecycle notifications from the backup
// processor to its subscribers, such as the service registry.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/bleepstore/bleepbackup/internal/model"
)

// Kind tags an event.
type Kind int

// BackupUploaded follows every file a client finished storing; BackupDeleted
// follows every delete request, whether or not metadata remains.
const (
	BackupCreated Kind = iota + 1
	BackupUploaded
	BackupFinished
	BackupDeleted
)

func (k Kind) String() string {
	switch k {
	case BackupCreated:
		return "BackupCreated"
	case BackupUploaded:
		return "BackupUploaded"
	case BackupFinished:
		return "BackupFinished"
	case BackupDeleted:
		return "BackupDeleted"
	}
	return "Unknown"
}

// Event describes one change to a backup.
type Event struct {
	Kind     Kind
	Service  string
	BackupID string
	// Filename is the stored file of a BackupUploaded event.
	Filename string
	State    model.BackupState
	Time     time.Time
}

// Bus fans events out to subscriber channels.
type Bus struct {
	mu     sync.RWMutex
	subs   []chan Event
	closed bool
}

func NewBus() *Bus { return &Bus{} }

// Subscribe returns a channel receiving every event published from now on.
// The channel is closed by Close. Slow subscribers apply backpressure to
// publishers once buffer events are queued.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers e to every subscriber, giving up on the remaining ones
// when ctx ends. Publishing on a closed bus does nothing.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		case <-ctx.Done():
			return
		}
	}
}

// Close closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
