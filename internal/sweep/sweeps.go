package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/juju/clock"

	"github.com/bleepstore/bleepbackup/internal/logging"
	"github.com/bleepstore/bleepbackup/internal/metrics"
	"github.com/bleepstore/bleepbackup/internal/model"
	"github.com/bleepstore/bleepbackup/internal/policy"
	"github.com/bleepstore/bleepbackup/internal/storage"
)

// Entities is the part of a metadata processor the sweeps use.
type Entities[T model.Entity] interface {
	NodeName() string
	ListServices(ctx context.Context) ([]string, error)
	List(ctx context.Context, service string, filter func(T) bool) ([]T, error)
	Update(ctx context.Context, item T, mutate func(T) error) (T, error)
	Delete(ctx context.Context, item T) error
}

// itemFailed logs a failure on one item and counts it.
func itemFailed(logger *slog.Logger, m *metrics.Metrics, sweep string, id string, err error) {
	logger.Warn("Sweep item failed", "sweep", sweep, "id", id, "error", err)
	m.SweepItemFailures.WithLabelValues(sweep).Inc()
}

// Timeout marks entities of this node TIMEDOUT once they have been running
// for at least the expiration.
type Timeout[T model.Entity] struct {
	name       string
	entities   Entities[T]
	expiration time.Duration
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

func NewTimeout[T model.Entity](name string, entities Entities[T], expiration time.Duration, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) *Timeout[T] {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Timeout[T]{
		name:       name,
		entities:   entities,
		expiration: expiration,
		clock:      clk,
		logger:     logging.OrDiscard(logger),
		metrics:    metrics.OrDiscard(m),
	}
}

func (s *Timeout[T]) Name() string { return s.name }

// elapsedSeconds is the whole seconds since item started.
func (s *Timeout[T]) elapsedSeconds(item T) int64 {
	return int64(s.clock.Now().Sub(item.StartedDate()) / time.Second)
}

func (s *Timeout[T]) expired(item T) bool {
	return s.elapsedSeconds(item) >= int64(s.expiration/time.Second)
}

func (s *Timeout[T]) Run(ctx context.Context) error {
	node := s.entities.NodeName()
	stalled, err := s.entities.List(ctx, "", func(item T) bool {
		return item.IsAtNode(node) && item.IsRunning() && s.expired(item)
	})
	if err != nil {
		return fmt.Errorf("listing running entities: %w", err)
	}
	for _, item := range stalled {
		_, err := s.entities.Update(ctx, item, func(current T) error {
			// It may have finished since it was listed.
			if current.IsRunning() {
				current.SetTimedOut(fmt.Sprintf("Expired after %d seconds", s.elapsedSeconds(current)))
			}
			return nil
		})
		if err != nil {
			itemFailed(s.logger, s.metrics, s.name, item.ID(), err)
			continue
		}
		s.logger.Info("Timed out entity", "sweep", s.name, "service", item.Service(), "id", item.ID())
	}
	return nil
}

// Verifications is the verification processor as the orphan sweep uses it.
type Verifications interface {
	Entities[*model.VerificationMetadata]
	Orphaned(ctx context.Context, v *model.VerificationMetadata) (bool, error)
}

// Orphans deletes verifications of this node whose backup no longer exists.
type Orphans struct {
	verifications Verifications
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

func NewOrphans(verifications Verifications, logger *slog.Logger, m *metrics.Metrics) *Orphans {
	return &Orphans{verifications: verifications, logger: logging.OrDiscard(logger), metrics: metrics.OrDiscard(m)}
}

func (s *Orphans) Name() string { return "orphaned-verifications" }

func (s *Orphans) Run(ctx context.Context) error {
	node := s.verifications.NodeName()
	items, err := s.verifications.List(ctx, "", func(v *model.VerificationMetadata) bool {
		return v.IsAtNode(node)
	})
	if err != nil {
		return fmt.Errorf("listing verifications: %w", err)
	}
	for _, v := range items {
		orphaned, err := s.verifications.Orphaned(ctx, v)
		if err != nil {
			itemFailed(s.logger, s.metrics, s.Name(), v.ID(), err)
			continue
		}
		if !orphaned {
			continue
		}
		if err := s.verifications.Delete(ctx, v); err != nil {
			itemFailed(s.logger, s.metrics, s.Name(), v.ID(), err)
			continue
		}
		s.logger.Info("Deleted orphaned verification", "service", v.Service(), "id", v.ID(), "backup", v.BackupID())
	}
	return nil
}

// Backups is the backup processor as the retention sweep uses it.
type Backups interface {
	Entities[*model.BackupMetadata]
	DeleteFromFileStorage(ctx context.Context, fs storage.FileStorage, loc model.Location, b *model.BackupMetadata) error
}

// Retention removes backups a policy does not retain from one tier.
type Retention struct {
	name     string
	backups  Backups
	fs       storage.FileStorage
	location model.Location
	states   []model.BackupState
	policy   policy.Policy[*model.BackupMetadata]
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewRetention builds a retention sweep over the backups of this node that
// are stored at location and in one of states.
func NewRetention(name string, backups Backups, fs storage.FileStorage, location model.Location, states []model.BackupState, pol policy.Policy[*model.BackupMetadata], logger *slog.Logger, m *metrics.Metrics) *Retention {
	return &Retention{
		name:     name,
		backups:  backups,
		fs:       fs,
		location: location,
		states:   states,
		policy:   pol,
		logger:   logging.OrDiscard(logger),
		metrics:  metrics.OrDiscard(m),
	}
}

func (s *Retention) Name() string { return s.name }

func (s *Retention) candidate(b *model.BackupMetadata) bool {
	return b.IsAtNode(s.backups.NodeName()) && b.ExistsAt(s.location) && slices.Contains(s.states, b.State())
}

func (s *Retention) Run(ctx context.Context) error {
	services, err := s.backups.ListServices(ctx)
	if err != nil {
		return fmt.Errorf("listing services: %w", err)
	}
	for _, service := range services {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.sweepService(ctx, service)
	}
	return nil
}

func (s *Retention) sweepService(ctx context.Context, service string) {
	candidates, err := s.backups.List(ctx, service, s.candidate)
	if err != nil {
		itemFailed(s.logger, s.metrics, s.name, service, err)
		return
	}
	retained := make(map[string]bool)
	for _, b := range s.policy.Retain(ctx, candidates) {
		retained[b.ID()] = true
	}
	for _, b := range candidates {
		if retained[b.ID()] {
			continue
		}
		s.logger.Info("Deleting backup outside retention", "sweep", s.name, "service", service, "id", b.ID(), "location", s.location)
		if err := s.backups.DeleteFromFileStorage(ctx, s.fs, s.location, b); err != nil {
			itemFailed(s.logger, s.metrics, s.name, b.ID(), err)
		}
	}
}
