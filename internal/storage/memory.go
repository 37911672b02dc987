package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// MemoryStorage implements FileStorage using in-memory maps. It is used by
// tests and single-node development setups.
type MemoryStorage struct {
	mu           sync.RWMutex
	files        map[string][]byte // key: "namespace/path"
	currentSize  int64
	maxSizeBytes int64
}

// NewMemoryStorage creates an empty MemoryStorage. A zero maxSizeBytes means
// no limit.
func NewMemoryStorage(maxSizeBytes int64) *MemoryStorage {
	return &MemoryStorage{
		files:        make(map[string][]byte),
		maxSizeBytes: maxSizeBytes,
	}
}

func memKey(namespace, path string) string {
	return namespace + "/" + path
}

func (s *MemoryStorage) Upload(ctx context.Context, namespace, path string) (io.WriteCloser, error) {
	s.mu.RLock()
	_, ok := s.files[memKey(namespace, path)]
	s.mu.RUnlock()
	if ok {
		return nil, alreadyExists(namespace, path)
	}
	return &memWriter{s: s, namespace: namespace, path: path, exclusive: true}, nil
}

func (s *MemoryStorage) Append(ctx context.Context, namespace, path string) (io.WriteCloser, error) {
	return &memWriter{s: s, namespace: namespace, path: path}, nil
}

// memWriter buffers writes and publishes them on Close.
type memWriter struct {
	s         *MemoryStorage
	namespace string
	path      string
	exclusive bool
	buf       bytes.Buffer
	closed    bool
}

func (w *memWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *memWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.s.commit(w.namespace, w.path, w.buf.Bytes(), w.exclusive)
}

func (s *MemoryStorage) commit(namespace, path string, data []byte, exclusive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memKey(namespace, path)
	existing, ok := s.files[key]
	if ok && exclusive {
		return alreadyExists(namespace, path)
	}
	if s.maxSizeBytes > 0 && s.currentSize+int64(len(data)) > s.maxSizeBytes {
		return fmt.Errorf("memory storage full: %d of %d bytes used", s.currentSize, s.maxSizeBytes)
	}
	merged := make([]byte, 0, len(existing)+len(data))
	merged = append(merged, existing...)
	merged = append(merged, data...)
	s.files[key] = merged
	s.currentSize += int64(len(data))
	return nil
}

func (s *MemoryStorage) Download(ctx context.Context, namespace, path string) (io.ReadCloser, error) {
	s.mu.RLock()
	data, ok := s.files[memKey(namespace, path)]
	s.mu.RUnlock()
	if !ok {
		return nil, notFound(namespace, path)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemoryStorage) Exists(ctx context.Context, namespace, path string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.files[memKey(namespace, path)]
	return ok, nil
}

func (s *MemoryStorage) Delete(ctx context.Context, namespace, path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memKey(namespace, path)
	data, ok := s.files[key]
	if !ok {
		return false, nil
	}
	delete(s.files, key)
	s.currentSize -= int64(len(data))
	return true, nil
}

func (s *MemoryStorage) DeleteNamespace(ctx context.Context, namespace string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := namespace + "/"
	deleted := false
	for key, data := range s.files {
		if strings.HasPrefix(key, prefix) {
			delete(s.files, key)
			s.currentSize -= int64(len(data))
			deleted = true
		}
	}
	return deleted, nil
}

// Put stores a file directly, replacing any existing content. Test helper.
func (s *MemoryStorage) Put(namespace, path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memKey(namespace, path)
	s.currentSize += int64(len(data)) - int64(len(s.files[key]))
	s.files[key] = bytes.Clone(data)
}

func (s *MemoryStorage) Ping(ctx context.Context) error { return nil }

func (s *MemoryStorage) TotalSpace(ctx context.Context) (int64, error) {
	if s.maxSizeBytes > 0 {
		return s.maxSizeBytes, nil
	}
	return unlimitedSpace, nil
}

func (s *MemoryStorage) UsedSpace(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentSize, nil
}

func (s *MemoryStorage) FreeSpace(ctx context.Context) (int64, error) {
	total, _ := s.TotalSpace(ctx)
	used, _ := s.UsedSpace(ctx)
	return total - used, nil
}

var _ FileStorage = (*MemoryStorage)(nil)
