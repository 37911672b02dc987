// Package registry keeps track of the services that send backups and reports
// whether each of them is backing up and verifying often enough.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/juju/clock"

	backuperr "github.com/bleepstore/bleepbackup/internal/errors"
	"github.com/bleepstore/bleepbackup/internal/events"
	"github.com/bleepstore/bleepbackup/internal/logging"
	"github.com/bleepstore/bleepbackup/internal/metadata"
	"github.com/bleepstore/bleepbackup/internal/model"
)

// Defaults for Config.
const (
	DefaultBackupRequiredFrequency       = 25 * time.Hour
	DefaultVerificationRequiredFrequency = 8 * 24 * time.Hour
	DefaultFailedAlertLag                = 10 * time.Minute
)

// Config sets how recent the latest finished backup and verification of a
// service must be.
type Config struct {
	// NodeName is this node. Status only flags entities it owns.
	NodeName                      string
	BackupRequiredFrequency       time.Duration
	VerificationRequiredFrequency time.Duration
	// FailedAlertLag is how long a failure must stand before it is reported,
	// leaving clients time to retry.
	FailedAlertLag time.Duration
}

// Lister lists the entities of one service that pass filter.
type Lister[T model.Entity] interface {
	List(ctx context.Context, service string, filter func(T) bool) ([]T, error)
}

// Registry is the service registry.
type Registry struct {
	store         *metadata.Storage[*model.ServiceMetadata]
	backups       Lister[*model.BackupMetadata]
	verifications Lister[*model.VerificationMetadata]
	cfg           Config
	clock         clock.Clock
	logger        *slog.Logger

	mu sync.Mutex
}

func New(store *metadata.Storage[*model.ServiceMetadata], backups Lister[*model.BackupMetadata], verifications Lister[*model.VerificationMetadata], cfg Config, clk clock.Clock, logger *slog.Logger) *Registry {
	if cfg.BackupRequiredFrequency <= 0 {
		cfg.BackupRequiredFrequency = DefaultBackupRequiredFrequency
	}
	if cfg.VerificationRequiredFrequency <= 0 {
		cfg.VerificationRequiredFrequency = DefaultVerificationRequiredFrequency
	}
	if cfg.FailedAlertLag <= 0 {
		cfg.FailedAlertLag = DefaultFailedAlertLag
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Registry{
		store:         store,
		backups:       backups,
		verifications: verifications,
		cfg:           cfg,
		clock:         clk,
		logger:        logging.OrDiscard(logger).With("component", "registry"),
	}
}

// Run registers the service of every created backup received on ch. It
// returns nil once ch is closed, or the context error.
func (r *Registry) Run(ctx context.Context, ch <-chan events.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if e.Kind != events.BackupCreated {
				continue
			}
			r.logger.Debug("Notified of backup", "service", e.Service, "backup", e.BackupID)
			if _, err := r.Register(ctx, e.Service); err != nil {
				r.logger.Warn("Failed to register service", "service", e.Service, "error", err)
			}
		}
	}
}

// Register adds service if it is not known yet and returns its entry.
func (r *Registry) Register(ctx context.Context, service string) (*model.ServiceMetadata, error) {
	if err := model.ValidateServiceName(service); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, err := r.store.Get(ctx, service, service)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, backuperr.ErrNotFound) {
		return nil, err
	}
	r.logger.Info("Registering new service", "service", service)
	s := &model.ServiceMetadata{Name: service}
	if err := r.store.Put(ctx, s); err != nil {
		return nil, fmt.Errorf("registering %s: %w", service, err)
	}
	return s, nil
}

// Get returns a service entry. Returns ErrNotFound for unknown services.
func (r *Registry) Get(ctx context.Context, service string) (*model.ServiceMetadata, error) {
	return r.store.Get(ctx, service, service)
}

// ListAll returns every registered service.
func (r *Registry) ListAll(ctx context.Context) ([]*model.ServiceMetadata, error) {
	return r.store.ListAll(ctx)
}

// DisableHealthcheck turns the health check of a known service off or back on.
func (r *Registry) DisableHealthcheck(ctx context.Context, service string, disabled bool) (*model.ServiceMetadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.store.Get(ctx, service, service)
	if err != nil {
		return nil, err
	}
	s.HealthcheckDisabled = disabled
	if err := r.store.Update(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Status is the health of one service as seen by this node. Only services
// whose latest finished entity was handled here are reported overdue or
// failed.
type Status struct {
	Service             string     `json:"service"`
	Healthy             bool       `json:"healthy"`
	HealthcheckDisabled bool       `json:"healthcheckDisabled"`
	BackupOverdue       bool       `json:"backupOverdue"`
	VerificationOverdue bool       `json:"verificationOverdue"`
	BackupFailed        bool       `json:"backupFailed"`
	VerificationFailed  bool       `json:"verificationFailed"`
	LastBackup          *time.Time `json:"lastBackup,omitempty"`
	LastVerification    *time.Time `json:"lastVerification,omitempty"`
}

// Status reports whether the latest backup and verification of service
// started within the required frequencies, and whether the latest of each
// failed. A service with no finished entity of a kind is not overdue for it.
func (r *Registry) Status(ctx context.Context, service string) (*Status, error) {
	s, err := r.Get(ctx, service)
	if err != nil {
		return nil, err
	}
	now := r.clock.Now()
	backups, err := r.backups.List(ctx, service, nil)
	if err != nil {
		return nil, fmt.Errorf("listing backups of %s: %w", service, err)
	}
	verifications, err := r.verifications.List(ctx, service, nil)
	if err != nil {
		return nil, fmt.Errorf("listing verifications of %s: %w", service, err)
	}

	st := &Status{Service: service, HealthcheckDisabled: s.HealthcheckDisabled}
	node := r.cfg.NodeName
	st.LastBackup, st.BackupOverdue = overdue(backups, node, now.Add(-r.cfg.BackupRequiredFrequency))
	st.LastVerification, st.VerificationOverdue = overdue(verifications, node, now.Add(-r.cfg.VerificationRequiredFrequency))
	st.BackupFailed = failed(backups, node, now.Add(-r.cfg.FailedAlertLag))
	st.VerificationFailed = failed(verifications, node, now.Add(-r.cfg.FailedAlertLag))
	st.Healthy = s.HealthcheckDisabled ||
		!(st.BackupOverdue || st.VerificationOverdue || st.BackupFailed || st.VerificationFailed)
	return st, nil
}

// latest returns the item started last.
func latest[T model.Entity](items []T) (T, bool) {
	var (
		last  T
		found bool
	)
	for _, item := range items {
		if !found || item.StartedDate().After(last.StartedDate()) {
			last, found = item, true
		}
	}
	return last, found
}

// overdue returns the start time of the latest successful or failed item and
// whether none started after due. Only the node owning that item reports it
// late.
func overdue[T model.Entity](items []T, node string, due time.Time) (*time.Time, bool) {
	done := slices.DeleteFunc(slices.Clone(items), func(item T) bool {
		return !item.IsSuccessful() && !item.IsFailed()
	})
	last, ok := latest(done)
	if !ok {
		return nil, false
	}
	started := last.StartedDate()
	return &started, !started.After(due) && last.IsAtNode(node)
}

// failed reports whether the latest item is owned by node and failed before
// settled.
func failed[T model.Entity](items []T, node string, settled time.Time) bool {
	last, ok := latest(items)
	if !ok || !last.IsAtNode(node) || !last.IsFailed() {
		return false
	}
	completed, ok := last.CompletedDate()
	return !ok || !completed.After(settled)
}
