// Package storage defines the file tier interface used for backup chunks and
// logs, and its implementations (local disk, memory, SQLite, S3, Azure Blob,
// GCS).
//
// Every tier is addressed by a namespace (the service name) and a path within
// it. Paths are opaque to the tier.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	backuperr "github.com/bleepstore/bleepbackup/internal/errors"
)

// FileStorage reads and writes raw bytes on one storage tier. All methods must
// be safe for concurrent use.
type FileStorage interface {
	// Upload returns a writer for a new file. The file becomes visible once
	// the writer is closed. Returns ErrAlreadyExists if the path is taken.
	Upload(ctx context.Context, namespace, path string) (io.WriteCloser, error)

	// Download opens a file for reading. Returns ErrNotFound if it is absent.
	Download(ctx context.Context, namespace, path string) (io.ReadCloser, error)

	// Append returns a writer that appends to a file, creating it if needed.
	Append(ctx context.Context, namespace, path string) (io.WriteCloser, error)

	// Exists reports whether a file is present.
	Exists(ctx context.Context, namespace, path string) (bool, error)

	// Delete removes a file and reports whether it existed.
	Delete(ctx context.Context, namespace, path string) (bool, error)

	// DeleteNamespace removes every file in a namespace and reports whether
	// anything was removed.
	DeleteNamespace(ctx context.Context, namespace string) (bool, error)

	// Ping verifies that the tier is reachable.
	Ping(ctx context.Context) error

	TotalSpace(ctx context.Context) (int64, error)
	UsedSpace(ctx context.Context) (int64, error)
	FreeSpace(ctx context.Context) (int64, error)
}

// Copy streams a file from one tier to another and returns the number of bytes
// copied. The destination must not already exist.
func Copy(ctx context.Context, src, dst FileStorage, namespace, path string) (int64, error) {
	r, err := src.Download(ctx, namespace, path)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	w, err := dst.Upload(ctx, namespace, path)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, r)
	if err != nil {
		w.Close()
		return n, fmt.Errorf("copying %s/%s: %w", namespace, path, err)
	}
	if err := w.Close(); err != nil {
		return n, fmt.Errorf("committing %s/%s: %w", namespace, path, err)
	}
	return n, nil
}

// spoolWriter buffers writes in a temp file and hands the finished file to
// commit on Close. Used by tiers whose SDK wants a complete, seekable body.
type spoolWriter struct {
	f      *os.File
	size   int64
	commit func(f *os.File, size int64) error
	closed bool
}

func newSpoolWriter(commit func(f *os.File, size int64) error) (*spoolWriter, error) {
	f, err := os.CreateTemp("", "bleepbackup-spool-*")
	if err != nil {
		return nil, fmt.Errorf("creating spool file: %w", err)
	}
	return &spoolWriter{f: f, commit: commit}, nil
}

// seed copies existing content into the spool before any caller writes.
func (w *spoolWriter) seed(r io.Reader) error {
	n, err := io.Copy(w.f, r)
	w.size += n
	return err
}

func (w *spoolWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *spoolWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	defer os.Remove(w.f.Name())
	defer w.f.Close()

	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding spool file: %w", err)
	}
	return w.commit(w.f, w.size)
}

// discard abandons the spool without committing.
func (w *spoolWriter) discard() {
	if w.closed {
		return
	}
	w.closed = true
	w.f.Close()
	os.Remove(w.f.Name())
}

func alreadyExists(namespace, path string) error {
	return fmt.Errorf("file %s/%s: %w", namespace, path, backuperr.ErrAlreadyExists)
}

func notFound(namespace, path string) error {
	return fmt.Errorf("file %s/%s: %w", namespace, path, backuperr.ErrNotFound)
}

// unlimitedSpace is reported as total capacity by tiers without a quota.
const unlimitedSpace int64 = 1 << 62

// quotaSpace derives free space from an optional quota and the bytes in use.
func quotaSpace(quota, used int64) (total, free int64) {
	total = quota
	if total <= 0 {
		total = unlimitedSpace
	}
	free = total - used
	if free < 0 {
		free = 0
	}
	return total, free
}

func isNotFound(err error) bool {
	return errors.Is(err, backuperr.ErrNotFound)
}
