package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/juju/clock"

	backuperr "github.com/bleepstore/bleepbackup/internal/errors"
	"github.com/bleepstore/bleepbackup/internal/lock"
	"github.com/bleepstore/bleepbackup/internal/logging"
	"github.com/bleepstore/bleepbackup/internal/metadata"
	"github.com/bleepstore/bleepbackup/internal/model"
	"github.com/bleepstore/bleepbackup/internal/storage"
)

// VerificationProcessor tracks client-driven verifications of backups.
type VerificationProcessor struct {
	*Processor[*model.VerificationMetadata]
	backups *BackupProcessor
}

func NewVerificationProcessor(store *metadata.Storage[*model.VerificationMetadata], logs storage.FileStorage, locks *lock.Manager, backups *BackupProcessor, nodeName string, clk clock.Clock, logger *slog.Logger) *VerificationProcessor {
	logger = logging.OrDiscard(logger).With("component", "verifications")
	return &VerificationProcessor{
		Processor: NewProcessor(store, logs, locks, nodeName, clk, logger),
		backups:   backups,
	}
}

// Create starts a verification of backupID and links the backup to it.
func (p *VerificationProcessor) Create(ctx context.Context, service, backupID, sourceAddress string) (*model.VerificationMetadata, error) {
	backup, err := p.backups.Get(ctx, service, backupID)
	if err != nil {
		return nil, fmt.Errorf("verifying backup %s/%s: %w", service, backupID, err)
	}

	v := model.NewVerificationMetadata(service, backupID, sourceAddress, p.nodeName, p.clock.Now())
	if err := p.Processor.Create(ctx, v); err != nil {
		return nil, fmt.Errorf("creating verification of %s: %w", backupID, err)
	}
	if _, err := p.backups.Update(ctx, backup, func(current *model.BackupMetadata) error {
		current.SetVerificationID(v.ID())
		return nil
	}); err != nil {
		return nil, fmt.Errorf("linking verification %s to backup %s: %w", v.ID(), backupID, err)
	}
	return v, nil
}

// Finish appends the client log and ends a STARTED verification.
func (p *VerificationProcessor) Finish(ctx context.Context, v *model.VerificationMetadata, log string, success bool) (*model.VerificationMetadata, error) {
	if err := p.AppendLog(ctx, v, log); err != nil {
		p.logger.Warn("Failed to append client log", "id", v.ID(), "error", err)
	}
	return p.Update(ctx, v, func(current *model.VerificationMetadata) error {
		if success {
			return current.TransitionState(model.VerificationStarted, model.VerificationFinished, "Marked as success by client")
		}
		return current.TransitionState(model.VerificationStarted, model.VerificationFailed, "Marked as failed by client")
	})
}

// Orphaned reports whether the backup v verifies no longer exists.
func (p *VerificationProcessor) Orphaned(ctx context.Context, v *model.VerificationMetadata) (bool, error) {
	_, err := p.backups.Get(ctx, v.Service(), v.BackupID())
	if err == nil {
		return false, nil
	}
	if errors.Is(err, backuperr.ErrNotFound) {
		return true, nil
	}
	return false, err
}
