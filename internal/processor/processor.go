// Package processor implements the operations on BleepBackup's tracked
// entities: the generic metadata processor shared by every entity type, the
// backup pipeline and verifications.
//
// Persisted state only changes through Processor.Update, which holds the
// entity's distributed lock and re-reads the stored copy before mutating it.
package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/juju/clock"

	backuperr "github.com/bleepstore/bleepbackup/internal/errors"
	"github.com/bleepstore/bleepbackup/internal/lock"
	"github.com/bleepstore/bleepbackup/internal/logging"
	"github.com/bleepstore/bleepbackup/internal/metadata"
	"github.com/bleepstore/bleepbackup/internal/model"
	"github.com/bleepstore/bleepbackup/internal/storage"
)

const (
	recoveryComment = "Service restarted while operation was in progress"
	recoveryLog     = "----\nService restarted while operation was in progress :(\n----"
)

// Processor is the generic metadata processor.
type Processor[T model.Entity] struct {
	store    *metadata.Storage[T]
	logs     storage.FileStorage
	locks    *lock.Manager
	nodeName string
	clock    clock.Clock
	logger   *slog.Logger
}

// NewProcessor creates a processor over store. Entity logs are appended to
// the logs tier.
func NewProcessor[T model.Entity](store *metadata.Storage[T], logs storage.FileStorage, locks *lock.Manager, nodeName string, clk clock.Clock, logger *slog.Logger) *Processor[T] {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Processor[T]{
		store:    store,
		logs:     logs,
		locks:    locks,
		nodeName: nodeName,
		clock:    clk,
		logger:   logging.OrDiscard(logger),
	}
}

// NodeName returns the name of the node this processor acts for.
func (p *Processor[T]) NodeName() string { return p.nodeName }

// Create stores a new entity as is.
func (p *Processor[T]) Create(ctx context.Context, item T) error {
	if err := model.ValidateServiceName(item.Service()); err != nil {
		return err
	}
	return p.store.Put(ctx, item)
}

// Get loads one entity. Returns ErrNotFound if absent.
func (p *Processor[T]) Get(ctx context.Context, service, id string) (T, error) {
	if err := model.ValidateServiceName(service); err != nil {
		var zero T
		return zero, err
	}
	return p.store.Get(ctx, service, id)
}

// checkOwner fails with an IncorrectNodeError unless this node owns item.
func (p *Processor[T]) checkOwner(item T) error {
	if item.IsAtNode(p.nodeName) {
		return nil
	}
	return fmt.Errorf("%s/%s: %w", item.Service(), item.ID(),
		&backuperr.IncorrectNodeError{Node: p.nodeName, Owner: item.NodeName()})
}

// ListServices returns the services that have entities.
func (p *Processor[T]) ListServices(ctx context.Context) ([]string, error) {
	return p.store.ListRows(ctx)
}

// List returns the entities of service, or of every service when service is
// empty, that pass filter. A nil filter keeps everything.
func (p *Processor[T]) List(ctx context.Context, service string, filter func(T) bool) ([]T, error) {
	var items []T
	var err error
	if service != "" {
		if err := model.ValidateServiceName(service); err != nil {
			return nil, err
		}
	}
	if service == "" {
		items, err = p.store.ListAll(ctx)
	} else {
		items, err = p.store.List(ctx, service)
	}
	if err != nil || filter == nil {
		return items, err
	}
	out := items[:0]
	for _, item := range items {
		if filter(item) {
			out = append(out, item)
		}
	}
	return out, nil
}

// Delete removes the metadata record. The entity's log is kept.
func (p *Processor[T]) Delete(ctx context.Context, item T) error {
	return p.store.Delete(ctx, item)
}

// Update applies mutate to the freshest stored copy of item while holding its
// lock, persists the result and returns it. The caller's copy is only used for
// its key. Returns ErrNotFound if the record vanished and ErrLockTimeout if
// the lock could not be taken.
func (p *Processor[T]) Update(ctx context.Context, item T, mutate func(T) error) (T, error) {
	var updated T
	err := p.locks.WithLock(ctx, item.ID(), func() error {
		current, err := p.store.Get(ctx, item.RowKey(), item.ColumnKey())
		if err != nil {
			return err
		}
		if err := mutate(current); err != nil {
			return err
		}
		if err := p.store.Update(ctx, current); err != nil {
			return err
		}
		updated = current
		return nil
	})
	return updated, err
}

// Start fails every entity this node left running, which happens when the
// process died mid-operation.
func (p *Processor[T]) Start(ctx context.Context) error {
	stalled, err := p.List(ctx, "", func(item T) bool {
		return item.IsAtNode(p.nodeName) && item.IsRunning()
	})
	if err != nil {
		return fmt.Errorf("listing stalled entities: %w", err)
	}
	for _, item := range stalled {
		p.logger.Info("Recovering stalled entity", "service", item.Service(), "id", item.ID())
		if err := p.AppendLog(ctx, item, recoveryLog); err != nil {
			p.logger.Warn("Failed to append recovery log", "id", item.ID(), "error", err)
		}
		_, err := p.Update(ctx, item, func(current T) error {
			if current.IsRunning() {
				current.SetFailed(recoveryComment)
			}
			return nil
		})
		if err != nil {
			p.logger.Warn("Failed to recover stalled entity", "id", item.ID(), "error", err)
		}
	}
	return nil
}

func logPath(id string) string { return id + ".log" }

// AppendLog appends text, trimmed and newline terminated, to the entity's log.
// Blank text is ignored.
func (p *Processor[T]) AppendLog(ctx context.Context, item T, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	w, err := p.logs.Append(ctx, item.Service(), logPath(item.ID()))
	if err != nil {
		return fmt.Errorf("opening log of %s: %w", item.ID(), err)
	}
	if _, err := io.WriteString(w, text+"\n"); err != nil {
		w.Close()
		return fmt.Errorf("writing log of %s: %w", item.ID(), err)
	}
	return w.Close()
}

// Log opens an entity's log. A missing log reads as empty.
func (p *Processor[T]) Log(ctx context.Context, service, id string) (io.ReadCloser, error) {
	if err := model.ValidateServiceName(service); err != nil {
		return nil, err
	}
	r, err := p.logs.Download(ctx, service, logPath(id))
	if errors.Is(err, backuperr.ErrNotFound) {
		return io.NopCloser(strings.NewReader("")), nil
	}
	return r, err
}
