// Package storage provides the Azure Blob Storage tier.
//
// Key mapping:
//
//	Files:  {prefix}{namespace}/{path}
//
// Uploaded files are block blobs written with UploadStream. Appended files
// (logs) are append blobs. Credentials come from a connection string, a
// managed identity, or DefaultAzureCredential (env vars, Azure CLI, etc.).
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureBlobAPI defines the subset of the Azure Blob Storage client interface
// that the tier uses. This allows mocking in tests.
type AzureBlobAPI interface {
	// UploadStream uploads a block blob from a stream, overwriting it.
	UploadStream(ctx context.Context, containerName, blobName string, body io.Reader) error
	// DownloadStream opens a blob for reading.
	DownloadStream(ctx context.Context, containerName, blobName string) (io.ReadCloser, error)
	// AppendBlock appends data to an append blob, creating it if needed.
	AppendBlock(ctx context.Context, containerName, blobName string, data []byte) error
	// DeleteBlob deletes a blob. Returns an error if the blob does not exist.
	DeleteBlob(ctx context.Context, containerName, blobName string) error
	// BlobExists checks if a blob exists.
	BlobExists(ctx context.Context, containerName, blobName string) (bool, error)
	// ListBlobs lists blobs whose names start with prefix.
	ListBlobs(ctx context.Context, containerName, prefix string) ([]AzureBlobItem, error)
}

// AzureBlobItem is one entry of a blob listing.
type AzureBlobItem struct {
	Name string
	Size int64
}

// AzureConfig holds the settings of an Azure Blob tier.
type AzureConfig struct {
	Container          string
	AccountURL         string
	Prefix             string
	ConnectionString   string
	UseManagedIdentity bool
	// QuotaBytes is reported as total space. Zero means unlimited.
	QuotaBytes int64
}

// AzureStorage implements FileStorage on an Azure Blob container.
type AzureStorage struct {
	Container string
	Prefix    string
	quota     int64
	client    AzureBlobAPI
}

// NewAzureStorage creates the Azure SDK client and verifies the container is
// reachable.
func NewAzureStorage(ctx context.Context, cfg AzureConfig) (*AzureStorage, error) {
	client, err := newRealAzureClient(cfg.AccountURL, cfg.ConnectionString, cfg.UseManagedIdentity)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client: %w", err)
	}

	s := NewAzureStorageWithClient(cfg.Container, cfg.Prefix, cfg.QuotaBytes, client)
	if err := s.Ping(ctx); err != nil {
		return nil, fmt.Errorf("cannot access Azure container %q: %w", cfg.Container, err)
	}

	slog.Info("Azure storage initialized", "container", cfg.Container, "account", cfg.AccountURL, "prefix", cfg.Prefix)
	return s, nil
}

// NewAzureStorageWithClient creates an AzureStorage with a pre-configured
// client. This is primarily used for testing with mock clients.
func NewAzureStorageWithClient(container, prefix string, quota int64, client AzureBlobAPI) *AzureStorage {
	return &AzureStorage{Container: container, Prefix: prefix, quota: quota, client: client}
}

func (s *AzureStorage) blobName(namespace, path string) string {
	return s.Prefix + namespace + "/" + path
}

// Upload streams the body to UploadStream through a pipe. Close waits for
// the upload to finish and returns its error.
func (s *AzureStorage) Upload(ctx context.Context, namespace, path string) (io.WriteCloser, error) {
	exists, err := s.Exists(ctx, namespace, path)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, alreadyExists(namespace, path)
	}

	pr, pw := io.Pipe()
	w := &pipeUploadWriter{pw: pw, done: make(chan error, 1)}
	name := s.blobName(namespace, path)
	go func() {
		err := s.client.UploadStream(ctx, s.Container, name, pr)
		// Unblock the writer if the upload stopped reading early.
		pr.CloseWithError(err)
		w.done <- err
	}()
	return w, nil
}

type pipeUploadWriter struct {
	pw     *io.PipeWriter
	done   chan error
	closed bool
	err    error
}

func (w *pipeUploadWriter) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *pipeUploadWriter) Close() error {
	if w.closed {
		return w.err
	}
	w.closed = true
	w.pw.Close()
	if err := <-w.done; err != nil {
		w.err = fmt.Errorf("uploading to Azure: %w", err)
	}
	return w.err
}

// Append buffers the appended bytes and commits them as one append block.
func (s *AzureStorage) Append(ctx context.Context, namespace, path string) (io.WriteCloser, error) {
	return &azureAppendWriter{ctx: ctx, s: s, name: s.blobName(namespace, path)}, nil
}

type azureAppendWriter struct {
	ctx    context.Context
	s      *AzureStorage
	name   string
	buf    bytes.Buffer
	closed bool
}

func (w *azureAppendWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *azureAppendWriter) Close() error {
	if w.closed || w.buf.Len() == 0 {
		w.closed = true
		return nil
	}
	w.closed = true
	if err := w.s.client.AppendBlock(w.ctx, w.s.Container, w.name, w.buf.Bytes()); err != nil {
		return fmt.Errorf("appending to Azure blob: %w", err)
	}
	return nil
}

func (s *AzureStorage) Download(ctx context.Context, namespace, path string) (io.ReadCloser, error) {
	body, err := s.client.DownloadStream(ctx, s.Container, s.blobName(namespace, path))
	if err != nil {
		if isAzureNotFound(err) {
			return nil, notFound(namespace, path)
		}
		return nil, fmt.Errorf("downloading from Azure: %w", err)
	}
	return body, nil
}

func (s *AzureStorage) Exists(ctx context.Context, namespace, path string) (bool, error) {
	exists, err := s.client.BlobExists(ctx, s.Container, s.blobName(namespace, path))
	if err != nil {
		return false, fmt.Errorf("checking blob existence: %w", err)
	}
	return exists, nil
}

func (s *AzureStorage) Delete(ctx context.Context, namespace, path string) (bool, error) {
	if err := s.client.DeleteBlob(ctx, s.Container, s.blobName(namespace, path)); err != nil {
		if isAzureNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("deleting blob from Azure: %w", err)
	}
	return true, nil
}

func (s *AzureStorage) DeleteNamespace(ctx context.Context, namespace string) (bool, error) {
	items, err := s.client.ListBlobs(ctx, s.Container, s.Prefix+namespace+"/")
	if err != nil {
		return false, fmt.Errorf("listing Azure blobs: %w", err)
	}
	deleted := false
	for _, item := range items {
		if err := s.client.DeleteBlob(ctx, s.Container, item.Name); err != nil {
			if isAzureNotFound(err) {
				continue
			}
			return deleted, fmt.Errorf("deleting blob %q from Azure: %w", item.Name, err)
		}
		deleted = true
	}
	return deleted, nil
}

// Ping checks the container is accessible by probing a blob that never exists.
func (s *AzureStorage) Ping(ctx context.Context) error {
	_, err := s.client.BlobExists(ctx, s.Container, "\x00nonexistent\x00")
	return err
}

func (s *AzureStorage) TotalSpace(ctx context.Context) (int64, error) {
	total, _ := quotaSpace(s.quota, 0)
	return total, nil
}

func (s *AzureStorage) UsedSpace(ctx context.Context) (int64, error) {
	items, err := s.client.ListBlobs(ctx, s.Container, s.Prefix)
	if err != nil {
		return 0, fmt.Errorf("listing Azure blobs: %w", err)
	}
	var used int64
	for _, item := range items {
		used += item.Size
	}
	return used, nil
}

func (s *AzureStorage) FreeSpace(ctx context.Context) (int64, error) {
	used, err := s.UsedSpace(ctx)
	if err != nil {
		return 0, err
	}
	_, free := quotaSpace(s.quota, used)
	return free, nil
}

// isAzureNotFound checks if an Azure error is a not-found error.
func isAzureNotFound(err error) bool {
	if err == nil {
		return false
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "404") ||
		strings.Contains(msg, "blobnotfound") || strings.Contains(msg, "containernotfound") ||
		strings.Contains(msg, "the specified blob does not exist") ||
		strings.Contains(msg, "the specified container does not exist")
}

var _ FileStorage = (*AzureStorage)(nil)
