package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
)

// mockAzureClient implements AzureBlobAPI for unit testing.
type mockAzureClient struct {
	mu          sync.Mutex
	blobs       map[string][]byte // key: "container/blob"
	appendCalls int
}

func newMockAzureClient() *mockAzureClient {
	return &mockAzureClient{blobs: make(map[string][]byte)}
}

func (m *mockAzureClient) UploadStream(ctx context.Context, containerName, blobName string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[containerName+"/"+blobName] = data
	return nil
}

func (m *mockAzureClient) DownloadStream(ctx context.Context, containerName, blobName string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[containerName+"/"+blobName]
	if !ok {
		return nil, errors.New("BlobNotFound: The specified blob does not exist.")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *mockAzureClient) AppendBlock(ctx context.Context, containerName, blobName string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendCalls++
	key := containerName + "/" + blobName
	m.blobs[key] = append(m.blobs[key], data...)
	return nil
}

func (m *mockAzureClient) DeleteBlob(ctx context.Context, containerName, blobName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := containerName + "/" + blobName
	if _, ok := m.blobs[key]; !ok {
		return errors.New("BlobNotFound: The specified blob does not exist.")
	}
	delete(m.blobs, key)
	return nil
}

func (m *mockAzureClient) BlobExists(ctx context.Context, containerName, blobName string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[containerName+"/"+blobName]
	return ok, nil
}

func (m *mockAzureClient) ListBlobs(ctx context.Context, containerName, prefix string) ([]AzureBlobItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []AzureBlobItem
	for key, data := range m.blobs {
		name, ok := strings.CutPrefix(key, containerName+"/")
		if ok && strings.HasPrefix(name, prefix) {
			items = append(items, AzureBlobItem{Name: name, Size: int64(len(data))})
		}
	}
	return items, nil
}

// failingAzureClient fails every upload after draining part of the body.
type failingAzureClient struct {
	*mockAzureClient
}

func (f failingAzureClient) UploadStream(ctx context.Context, containerName, blobName string, body io.Reader) error {
	buf := make([]byte, 2)
	body.Read(buf)
	return fmt.Errorf("upload interrupted")
}

func TestAzureStorage(t *testing.T) {
	testFileStorage(t, NewAzureStorageWithClient("backups", "pfx/", 0, newMockAzureClient()))
}

func TestAzureAppendUsesAppendBlocks(t *testing.T) {
	mock := newMockAzureClient()
	s := NewAzureStorageWithClient("backups", "", 0, mock)

	appendFile(t, s, "svc", "b1.log", "one\n")
	appendFile(t, s, "svc", "b1.log", "two\n")
	if mock.appendCalls != 2 {
		t.Errorf("AppendBlock calls = %d, want 2", mock.appendCalls)
	}
	if got := string(mock.blobs["backups/svc/b1.log"]); got != "one\ntwo\n" {
		t.Errorf("blob = %q", got)
	}

	// An empty append writes nothing.
	w, _ := s.Append(context.Background(), "svc", "b1.log")
	w.Close()
	if mock.appendCalls != 2 {
		t.Errorf("empty append issued a block")
	}
}

func TestAzureUploadErrorSurfacesOnClose(t *testing.T) {
	s := NewAzureStorageWithClient("backups", "", 0, failingAzureClient{newMockAzureClient()})

	w, err := s.Upload(context.Background(), "svc", "chunk")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	// Writes past the point where the uploader stopped reading must not block.
	w.Write(bytes.Repeat([]byte("x"), 1024))
	if err := w.Close(); err == nil || !strings.Contains(err.Error(), "upload interrupted") {
		t.Errorf("Close err = %v, want upload interrupted", err)
	}
}

func TestIsAzureNotFound(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("BlobNotFound"), true},
		{errors.New("RESPONSE 404: The specified container does not exist."), true},
		{errors.New("AuthorizationFailure"), false},
	}
	for _, tt := range tests {
		if got := isAzureNotFound(tt.err); got != tt.want {
			t.Errorf("isAzureNotFound(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
