package processor

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/juju/clock"
	"golang.org/x/sync/semaphore"

	"github.com/bleepstore/bleepbackup/internal/codec"
	backuperr "github.com/bleepstore/bleepbackup/internal/errors"
	"github.com/bleepstore/bleepbackup/internal/events"
	"github.com/bleepstore/bleepbackup/internal/lock"
	"github.com/bleepstore/bleepbackup/internal/logging"
	"github.com/bleepstore/bleepbackup/internal/metadata"
	"github.com/bleepstore/bleepbackup/internal/metrics"
	"github.com/bleepstore/bleepbackup/internal/model"
	"github.com/bleepstore/bleepbackup/internal/storage"
)

// Defaults for BackupConfig.
const (
	DefaultChunkSize        = 10 << 30
	DefaultUploaderPoolSize = 10
)

// BackupConfig tunes the backup pipeline.
type BackupConfig struct {
	NodeName string
	// ChunkSize is the most original bytes stored in one chunk.
	ChunkSize int64
	// UploaderPoolSize bounds concurrent offsite uploads.
	UploaderPoolSize int
}

// BackupDeps are the collaborators of a BackupProcessor.
type BackupDeps struct {
	Store   *metadata.Storage[*model.BackupMetadata]
	Local   storage.FileStorage
	Offsite storage.FileStorage
	Logs    storage.FileStorage
	Locks   *lock.Manager
	Codecs  *codec.Factory
	Bus     *events.Bus
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// BackupProcessor receives backup files, splits them into encoded chunks on
// the local tier and copies those chunks offsite in the background.
type BackupProcessor struct {
	*Processor[*model.BackupMetadata]

	local     storage.FileStorage
	offsite   storage.FileStorage
	codecs    *codec.Factory
	bus       *events.Bus
	metrics   *metrics.Metrics
	chunkSize int64

	uploads  *semaphore.Weighted
	inflight sync.WaitGroup
}

func NewBackupProcessor(cfg BackupConfig, deps BackupDeps) *BackupProcessor {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.UploaderPoolSize <= 0 {
		cfg.UploaderPoolSize = DefaultUploaderPoolSize
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus()
	}
	logger := logging.OrDiscard(deps.Logger).With("component", "backups")
	return &BackupProcessor{
		Processor: NewProcessor(deps.Store, deps.Logs, deps.Locks, cfg.NodeName, deps.Clock, logger),
		local:     deps.Local,
		offsite:   deps.Offsite,
		codecs:    deps.Codecs,
		bus:       deps.Bus,
		metrics:   metrics.OrDiscard(deps.Metrics),
		chunkSize: cfg.ChunkSize,
		uploads:   semaphore.NewWeighted(int64(cfg.UploaderPoolSize)),
	}
}

// Local returns the local tier.
func (p *BackupProcessor) Local() storage.FileStorage { return p.local }

// Offsite returns the offsite tier.
func (p *BackupProcessor) Offsite() storage.FileStorage { return p.offsite }

func (p *BackupProcessor) publish(ctx context.Context, kind events.Kind, b *model.BackupMetadata, filename string) {
	p.bus.Publish(ctx, events.Event{
		Kind:     kind,
		Service:  b.Service(),
		BackupID: b.ID(),
		Filename: filename,
		State:    b.State(),
		Time:     p.clock.Now(),
	})
}

// Create persists a new WAITING backup.
func (p *BackupProcessor) Create(ctx context.Context, service, sourceAddress string) (*model.BackupMetadata, error) {
	if err := model.ValidateServiceName(service); err != nil {
		return nil, err
	}
	b := model.NewBackupMetadata(service, sourceAddress, p.nodeName, p.clock.Now())
	if err := p.Processor.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("creating backup for %s: %w", service, err)
	}
	p.publish(ctx, events.BackupCreated, b, "")
	return b, nil
}

// ChunkPath names chunk index of filename in backup id.
func ChunkPath(id, filename string, index int) string {
	return fmt.Sprintf("%s-%s-part-%03d", id, filename, index)
}

func (p *BackupProcessor) codecFor(b *model.BackupMetadata, c codec.Compression) (codec.StreamCodec, error) {
	return p.codecs.Get(c, b.ModelVersion() < 1)
}

// markFailed records comment as the failure cause. Errors are only logged,
// since the caller is already reporting a failure.
func (p *BackupProcessor) markFailed(ctx context.Context, b *model.BackupMetadata, comment string) {
	_, err := p.Update(context.WithoutCancel(ctx), b, func(current *model.BackupMetadata) error {
		current.SetFailed(comment)
		return nil
	})
	if err != nil {
		p.logger.Error("Failed to mark backup as failed", "service", b.Service(), "id", b.ID(), "error", err)
	}
}

// Store receives one file of a backup. The content is cut into chunks of at
// most the configured chunk size, each encoded, hashed and written to the
// local tier before being queued for offsite upload. expectedMD5, if set, is
// the hex MD5 of the whole content. Any failure marks the backup FAILED, except
// ErrIncorrectNode: a backup owned by another node is left untouched.
func (p *BackupProcessor) Store(ctx context.Context, b *model.BackupMetadata, expectedMD5 string, content io.Reader, filename string) (err error) {
	if err := p.checkOwner(b); err != nil {
		return err
	}
	start := p.clock.Now()
	p.metrics.ActiveStores.Inc()
	defer func() {
		p.metrics.ActiveStores.Dec()
		p.metrics.StoreDuration.Observe(p.clock.Now().Sub(start).Seconds())
	}()

	defer func() {
		if err != nil {
			p.markFailed(ctx, b, "Failed to store backup: "+err.Error())
		}
	}()

	if filename == "" || filename == "." || filename == ".." || strings.ContainsAny(filename, "/\\") {
		return fmt.Errorf("invalid filename %q: %w", filename, backuperr.ErrInvalidArgument)
	}
	if _, err := p.Update(ctx, b, func(current *model.BackupMetadata) error {
		return current.IncrementPendingStores(filename)
	}); err != nil {
		return err
	}

	total, sum, err := p.storeChunks(ctx, b, filename, content)
	if err != nil {
		return err
	}
	if total == 0 {
		return fmt.Errorf("storing %s of %s: %w", filename, b.ID(), backuperr.ErrNoContent)
	}
	if expectedMD5 != "" && !strings.EqualFold(strings.TrimSpace(expectedMD5), sum) {
		return fmt.Errorf("storing %s of %s: expected %s, computed %s: %w",
			filename, b.ID(), expectedMD5, sum, backuperr.ErrMD5Mismatch)
	}
	p.metrics.StoreSize.Observe(float64(total))

	updated, err := p.Update(ctx, b, func(current *model.BackupMetadata) error {
		return current.DecrementPendingStores(filename)
	})
	if err != nil {
		return err
	}
	p.publish(ctx, events.BackupUploaded, updated, filename)
	return nil
}

// storeChunks writes every chunk of content and returns the original size and
// hex MD5 of the whole stream.
func (p *BackupProcessor) storeChunks(ctx context.Context, b *model.BackupMetadata, filename string, content io.Reader) (int64, string, error) {
	compression := p.codecs.CompressionFor(filename)
	enc, err := p.codecFor(b, compression)
	if err != nil {
		return 0, "", err
	}

	whole := md5.New()
	src := bufio.NewReader(io.TeeReader(content, whole))
	var total int64
	for index := 0; ; index++ {
		if _, err := src.Peek(1); err == io.EOF {
			break
		} else if err != nil {
			return total, "", fmt.Errorf("reading %s: %w", filename, err)
		}

		chunk, err := p.storeChunk(ctx, b, ChunkPath(b.ID(), filename, index), io.LimitReader(src, p.chunkSize), compression, enc)
		if err != nil {
			return total, "", err
		}
		total += chunk.OriginalSize

		if _, err := p.Update(ctx, b, func(current *model.BackupMetadata) error {
			return current.AddChunk(filename, chunk)
		}); err != nil {
			return total, "", err
		}
		if err := p.queueUpload(ctx, b, chunk.Path); err != nil {
			return total, "", err
		}
	}
	return total, hex.EncodeToString(whole.Sum(nil)), nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (p *BackupProcessor) storeChunk(ctx context.Context, b *model.BackupMetadata, path string, r io.Reader, compression codec.Compression, enc codec.StreamCodec) (model.Chunk, error) {
	w, err := p.local.Upload(ctx, b.Service(), path)
	if err != nil {
		return model.Chunk{}, fmt.Errorf("creating chunk %s: %w", path, err)
	}
	written := &countingWriter{w: w}
	encoder, err := enc.Output(written)
	if err != nil {
		w.Close()
		p.discardChunk(ctx, b.Service(), path)
		return model.Chunk{}, err
	}

	hash := md5.New()
	n, err := io.Copy(io.MultiWriter(encoder, hash), r)
	if err == nil {
		err = encoder.Close()
	} else {
		encoder.Close()
	}
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		p.discardChunk(ctx, b.Service(), path)
		return model.Chunk{}, fmt.Errorf("writing chunk %s: %w", path, err)
	}

	return model.Chunk{
		Path:             path,
		OriginalSize:     n,
		Size:             written.n,
		Hash:             hex.EncodeToString(hash.Sum(nil)),
		StoredDate:       p.clock.Now().UTC(),
		NodeName:         p.nodeName,
		CompressionCodec: compression,
	}, nil
}

func (p *BackupProcessor) discardChunk(ctx context.Context, service, path string) {
	if _, err := p.local.Delete(context.WithoutCancel(ctx), service, path); err != nil {
		p.logger.Warn("Failed to remove partial chunk", "path", path, "error", err)
	}
}

// queueUpload registers a pending upload and copies the chunk offsite in the
// background, unless it is there already.
func (p *BackupProcessor) queueUpload(ctx context.Context, b *model.BackupMetadata, path string) error {
	exists, err := p.offsite.Exists(ctx, b.Service(), path)
	if err != nil {
		return fmt.Errorf("checking offsite copy of %s: %w", path, err)
	}
	if exists {
		return nil
	}
	if _, err := p.Update(ctx, b, func(current *model.BackupMetadata) error {
		current.IncrementPendingUploads(path)
		return nil
	}); err != nil {
		return err
	}

	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		ctx := context.WithoutCancel(ctx)
		if err := p.uploads.Acquire(ctx, 1); err != nil {
			return
		}
		defer p.uploads.Release(1)
		p.uploadChunk(ctx, b, path)
	}()
	return nil
}

func (p *BackupProcessor) uploadChunk(ctx context.Context, b *model.BackupMetadata, path string) {
	start := p.clock.Now()
	p.metrics.ActiveUploads.Inc()
	n, err := storage.Copy(ctx, p.local, p.offsite, b.Service(), path)
	p.metrics.ActiveUploads.Dec()
	if errors.Is(err, backuperr.ErrAlreadyExists) {
		err = nil
	}

	if err != nil {
		p.logger.Error("Offsite upload failed", "service", b.Service(), "id", b.ID(), "path", path, "error", err)
		if _, uerr := p.Update(ctx, b, func(current *model.BackupMetadata) error {
			current.DecrementPendingUploads(path)
			current.SetFailed("Failed copying chunk offsite: " + err.Error())
			return nil
		}); uerr != nil {
			p.logger.Error("Failed to mark backup as failed", "id", b.ID(), "error", uerr)
		}
		return
	}
	p.metrics.UploadSize.Observe(float64(n))
	p.metrics.UploadDuration.Observe(p.clock.Now().Sub(start).Seconds())

	_, err = p.Update(ctx, b, func(current *model.BackupMetadata) error {
		if current.DecrementPendingUploads(path) == 0 && current.State() == model.BackupUploading {
			current.AddLocation(model.Offsite)
			return current.TransitionState(model.BackupUploading, model.BackupFinished,
				"Last pending upload finished and already marked as finished")
		}
		return nil
	})
	if err != nil {
		p.logger.Error("Failed to record offsite upload", "id", b.ID(), "path", path, "error", err)
	}
}

// Finish closes a backup. The client log is appended, the backup is marked
// present locally and moves to UPLOADING while offsite copies are still in
// flight, or straight to FINISHED. An unsuccessful finish marks it FAILED.
func (p *BackupProcessor) Finish(ctx context.Context, b *model.BackupMetadata, log string, success bool) (*model.BackupMetadata, error) {
	if err := p.checkOwner(b); err != nil {
		return nil, err
	}
	if err := p.AppendLog(ctx, b, log); err != nil {
		p.logger.Warn("Failed to append client log", "id", b.ID(), "error", err)
	}
	updated, err := p.Update(ctx, b, func(current *model.BackupMetadata) error {
		current.AddLocation(model.Local)
		if !success {
			current.SetFailed("Marked as failed by client")
			return nil
		}
		if current.PendingUploads() > 0 {
			return current.TransitionState(model.BackupWaiting, model.BackupUploading, "Backup finished but still uploading")
		}
		current.AddLocation(model.Offsite)
		return current.TransitionState(model.BackupWaiting, model.BackupFinished, "Marked as finished and no pending uploads left")
	})
	if err != nil {
		return nil, err
	}
	p.publish(ctx, events.BackupFinished, updated, "")
	return updated, nil
}

// Download writes the decoded content of filename to w. Each chunk is read
// from the local tier, or offsite when the local copy is gone, and checked
// against its recorded hash.
func (p *BackupProcessor) Download(ctx context.Context, b *model.BackupMetadata, filename string, w io.Writer) error {
	if b.IsRunning() {
		return fmt.Errorf("backup %s is %s: %w", b.ID(), b.State(), backuperr.ErrIllegalTransition)
	}
	chunks := b.Chunks(filename)
	if len(chunks) == 0 {
		return fmt.Errorf("file %s of backup %s: %w", filename, b.ID(), backuperr.ErrNotFound)
	}

	start := p.clock.Now()
	p.metrics.ActiveDownloads.Inc()
	defer p.metrics.ActiveDownloads.Dec()

	var total int64
	for _, chunk := range chunks {
		n, err := p.downloadChunk(ctx, b, chunk, w)
		if err != nil {
			return err
		}
		total += n
	}
	p.metrics.DownloadSize.Observe(float64(total))
	p.metrics.DownloadTime.Observe(p.clock.Now().Sub(start).Seconds())
	return nil
}

func (p *BackupProcessor) openChunk(ctx context.Context, service, path string) (io.ReadCloser, error) {
	r, err := p.local.Download(ctx, service, path)
	if !errors.Is(err, backuperr.ErrNotFound) {
		return r, err
	}
	r, err = p.offsite.Download(ctx, service, path)
	if errors.Is(err, backuperr.ErrNotFound) {
		return nil, fmt.Errorf("chunk %s is on neither tier: %w", path, backuperr.ErrNotFound)
	}
	return r, err
}

func (p *BackupProcessor) downloadChunk(ctx context.Context, b *model.BackupMetadata, chunk model.Chunk, w io.Writer) (int64, error) {
	dec, err := p.codecFor(b, chunk.Compression())
	if err != nil {
		return 0, err
	}
	r, err := p.openChunk(ctx, b.Service(), chunk.Path)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	decoded, err := dec.Input(r)
	if err != nil {
		return 0, fmt.Errorf("decoding chunk %s: %w", chunk.Path, err)
	}
	defer decoded.Close()

	hash := md5.New()
	n, err := io.Copy(io.MultiWriter(w, hash), decoded)
	if err != nil {
		return n, fmt.Errorf("reading chunk %s: %w", chunk.Path, err)
	}
	if sum := hex.EncodeToString(hash.Sum(nil)); sum != chunk.Hash {
		return n, fmt.Errorf("chunk %s: expected %s, computed %s: %w", chunk.Path, chunk.Hash, sum, backuperr.ErrMD5Mismatch)
	}
	return n, nil
}

// Delete removes the backup from both tiers, and with that its metadata.
// A failure on one tier does not stop the other. Only the owning node may
// delete a backup.
func (p *BackupProcessor) Delete(ctx context.Context, b *model.BackupMetadata) error {
	if err := p.checkOwner(b); err != nil {
		return err
	}
	var errs []error
	for _, tier := range []struct {
		fs  storage.FileStorage
		loc model.Location
	}{{p.local, model.Local}, {p.offsite, model.Offsite}} {
		if err := p.DeleteFromFileStorage(ctx, tier.fs, tier.loc, b); err != nil {
			p.logger.Warn("Failed to delete backup from tier", "id", b.ID(), "location", tier.loc, "error", err)
			errs = append(errs, err)
		}
	}
	p.publish(ctx, events.BackupDeleted, b, "")
	return errors.Join(errs...)
}

// DeleteFromFileStorage drops loc from the backup and removes every chunk file
// found on fs. Once the backup is present nowhere its metadata is deleted. If
// the metadata is already gone the chunk files of b are still removed.
func (p *BackupProcessor) DeleteFromFileStorage(ctx context.Context, fs storage.FileStorage, loc model.Location, b *model.BackupMetadata) error {
	vanished := false
	updated, err := p.Update(ctx, b, func(current *model.BackupMetadata) error {
		current.RemoveLocation(loc)
		return nil
	})
	if errors.Is(err, backuperr.ErrNotFound) {
		vanished, updated = true, b
	} else if err != nil {
		return err
	}

	var errs []error
	for _, chunk := range updated.AllChunks() {
		if _, err := fs.Delete(ctx, updated.Service(), chunk.Path); err != nil {
			errs = append(errs, fmt.Errorf("deleting chunk %s: %w", chunk.Path, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	if !vanished && len(updated.Locations()) == 0 {
		if err := p.Processor.Delete(ctx, updated); err != nil && !errors.Is(err, backuperr.ErrNotFound) {
			return fmt.Errorf("deleting metadata of %s: %w", updated.ID(), err)
		}
	}
	return nil
}

// Close waits for queued offsite uploads to finish or ctx to end.
func (p *BackupProcessor) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for offsite uploads: %w", ctx.Err())
	}
}
