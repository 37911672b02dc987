package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	backuperr "github.com/bleepstore/bleepbackup/internal/errors"
	"github.com/bleepstore/bleepbackup/internal/uid"
)

// LocalStorage implements FileStorage on the local filesystem. Files live at
// {RootDir}/{namespace}/{path}. New files are written to {RootDir}/.tmp and
// renamed into place on Close.
type LocalStorage struct {
	// RootDir is the base directory under which all namespaces are stored.
	RootDir string
}

// NewLocalStorage creates a LocalStorage rooted at the given directory. It
// creates the root directory and the temp directory if they do not exist.
func NewLocalStorage(rootDir string) (*LocalStorage, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root directory %q: %w", rootDir, err)
	}
	tmpDir := filepath.Join(rootDir, ".tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory %q: %w", tmpDir, err)
	}
	return &LocalStorage{RootDir: rootDir}, nil
}

// CleanTempFiles removes all files in the .tmp directory. Any temp files left
// behind are uploads interrupted by a crash.
func (s *LocalStorage) CleanTempFiles() error {
	tmpDir := filepath.Join(s.RootDir, ".tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

// namespaceDir resolves namespace to a directory directly under RootDir.
func (s *LocalStorage) namespaceDir(namespace string) (string, error) {
	if namespace == "" || strings.HasPrefix(namespace, ".") || strings.ContainsAny(namespace, `/\`) {
		return "", fmt.Errorf("invalid namespace %q: %w", namespace, backuperr.ErrInvalidArgument)
	}
	return filepath.Join(s.RootDir, namespace), nil
}

// filePath resolves a file inside its namespace directory, refusing paths
// that would leave it.
func (s *LocalStorage) filePath(namespace, path string) (string, error) {
	dir, err := s.namespaceDir(namespace)
	if err != nil {
		return "", err
	}
	if !filepath.IsLocal(path) {
		return "", fmt.Errorf("invalid path %q: %w", path, backuperr.ErrInvalidArgument)
	}
	return filepath.Join(dir, path), nil
}

func (s *LocalStorage) tempPath() string {
	return filepath.Join(s.RootDir, ".tmp", "tmp-"+uid.New())
}

// Upload writes to a temp file; Close fsyncs it and renames it into place.
func (s *LocalStorage) Upload(ctx context.Context, namespace, path string) (io.WriteCloser, error) {
	final, err := s.filePath(namespace, path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(final); err == nil {
		return nil, alreadyExists(namespace, path)
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return nil, fmt.Errorf("creating parent directories for %s/%s: %w", namespace, path, err)
	}

	tmpPath := s.tempPath()
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	return &localWriter{f: f, tmpPath: tmpPath, final: final, namespace: namespace, path: path}, nil
}

type localWriter struct {
	f         *os.File
	tmpPath   string
	final     string
	namespace string
	path      string
	closed    bool
}

func (w *localWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

func (w *localWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.f.Sync(); err != nil {
		w.f.Close()
		os.Remove(w.tmpPath)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	// Link fails if the destination appeared while we were writing.
	if err := os.Link(w.tmpPath, w.final); err != nil {
		os.Remove(w.tmpPath)
		if errors.Is(err, fs.ErrExist) {
			return alreadyExists(w.namespace, w.path)
		}
		return fmt.Errorf("linking temp file to final path: %w", err)
	}
	os.Remove(w.tmpPath)
	return nil
}

// Download opens the file for reading.
func (s *LocalStorage) Download(ctx context.Context, namespace, path string) (io.ReadCloser, error) {
	p, err := s.filePath(namespace, path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(namespace, path)
		}
		return nil, fmt.Errorf("opening %s/%s: %w", namespace, path, err)
	}
	return f, nil
}

// Append opens the file in append mode, creating it if needed.
func (s *LocalStorage) Append(ctx context.Context, namespace, path string) (io.WriteCloser, error) {
	p, err := s.filePath(namespace, path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("creating parent directories for %s/%s: %w", namespace, path, err)
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s/%s for append: %w", namespace, path, err)
	}
	return f, nil
}

func (s *LocalStorage) Exists(ctx context.Context, namespace, path string) (bool, error) {
	p, err := s.filePath(namespace, path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking %s/%s: %w", namespace, path, err)
}

func (s *LocalStorage) Delete(ctx context.Context, namespace, path string) (bool, error) {
	p, err := s.filePath(namespace, path)
	if err != nil {
		return false, err
	}
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("deleting %s/%s: %w", namespace, path, err)
	}
	s.cleanEmptyParents(filepath.Dir(p), filepath.Join(s.RootDir, namespace))
	return true, nil
}

// cleanEmptyParents removes empty directories from dir up to (but not
// including) stopAt.
func (s *LocalStorage) cleanEmptyParents(dir, stopAt string) {
	for dir != stopAt && len(dir) > len(stopAt) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func (s *LocalStorage) DeleteNamespace(ctx context.Context, namespace string) (bool, error) {
	dir, err := s.namespaceDir(namespace)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("deleting namespace %q: %w", namespace, err)
	}
	return true, nil
}

// Ping checks that the root directory is still accessible.
func (s *LocalStorage) Ping(ctx context.Context) error {
	info, err := os.Stat(s.RootDir)
	if err != nil {
		return fmt.Errorf("stat storage root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("storage root %q is not a directory", s.RootDir)
	}
	return nil
}

func (s *LocalStorage) TotalSpace(ctx context.Context) (int64, error) {
	total, _, _, err := volumeStats(s.RootDir)
	return total, err
}

func (s *LocalStorage) UsedSpace(ctx context.Context) (int64, error) {
	_, used, _, err := volumeStats(s.RootDir)
	return used, err
}

func (s *LocalStorage) FreeSpace(ctx context.Context) (int64, error) {
	_, _, free, err := volumeStats(s.RootDir)
	return free, err
}

var _ FileStorage = (*LocalStorage)(nil)
