// Package storage provides the Google Cloud Storage tier.
//
// Key mapping:
//
//	Files:    {prefix}{namespace}/{path}
//	Appends:  {prefix}{namespace}/{path}.append-{uuid}, composed into the file
//
// Credentials are resolved via Application Default Credentials
// (GOOGLE_APPLICATION_CREDENTIALS, gcloud auth, metadata server) unless a
// credentials file is configured.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/bleepstore/bleepbackup/internal/uid"
)

// GCSAPI defines the subset of the GCS client interface that the tier uses.
// This allows mocking in tests.
type GCSAPI interface {
	// NewWriter returns a writer for the given object. With ifNotExist the
	// write fails on Close if the object already exists.
	NewWriter(ctx context.Context, bucket, object string, ifNotExist bool) io.WriteCloser
	// NewReader returns a reader for the given object.
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	// Delete deletes the given object.
	Delete(ctx context.Context, bucket, object string) error
	// Attrs returns the attributes of the given object.
	Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error)
	// Compose concatenates source objects into a destination object.
	Compose(ctx context.Context, bucket, dstObject string, srcObjects []string) (*GCSAttrs, error)
	// ListObjects lists objects with the given prefix.
	ListObjects(ctx context.Context, bucket, prefix string) ([]GCSAttrs, error)
}

// GCSAttrs holds object attributes returned from GCS operations.
type GCSAttrs struct {
	Name string
	Size int64
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object string, ifNotExist bool) io.WriteCloser {
	obj := c.client.Bucket(bucket).Object(object)
	if ifNotExist {
		obj = obj.If(gcs.Conditions{DoesNotExist: true})
	}
	return obj.NewWriter(ctx)
}

func (c *realGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(object).NewReader(ctx)
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error) {
	attrs, err := c.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{Name: attrs.Name, Size: attrs.Size}, nil
}

func (c *realGCSClient) Compose(ctx context.Context, bucket, dstObject string, srcObjects []string) (*GCSAttrs, error) {
	dst := c.client.Bucket(bucket).Object(dstObject)
	var srcs []*gcs.ObjectHandle
	for _, name := range srcObjects {
		srcs = append(srcs, c.client.Bucket(bucket).Object(name))
	}
	attrs, err := dst.ComposerFrom(srcs...).Run(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{Name: attrs.Name, Size: attrs.Size}, nil
}

func (c *realGCSClient) ListObjects(ctx context.Context, bucket, prefix string) ([]GCSAttrs, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var objects []GCSAttrs
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		objects = append(objects, GCSAttrs{Name: attrs.Name, Size: attrs.Size})
	}
	return objects, nil
}

// GCSConfig holds the settings of a GCS tier.
type GCSConfig struct {
	Bucket          string
	Project         string
	Prefix          string
	CredentialsFile string
	// QuotaBytes is reported as total space. Zero means unlimited.
	QuotaBytes int64
}

// GCSStorage implements FileStorage on a Google Cloud Storage bucket.
type GCSStorage struct {
	Bucket string
	Prefix string
	quota  int64
	client GCSAPI
}

// NewGCSStorage creates the GCS client and verifies the bucket is reachable.
func NewGCSStorage(ctx context.Context, cfg GCSConfig) (*GCSStorage, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	s := NewGCSStorageWithClient(cfg.Bucket, cfg.Prefix, cfg.QuotaBytes, &realGCSClient{client: client})
	if err := s.Ping(ctx); err != nil {
		return nil, fmt.Errorf("cannot access GCS bucket %q: %w", cfg.Bucket, err)
	}

	slog.Info("GCS storage initialized", "bucket", cfg.Bucket, "project", cfg.Project, "prefix", cfg.Prefix)
	return s, nil
}

// NewGCSStorageWithClient creates a GCSStorage with a pre-configured client.
// This is primarily used for testing with mock clients.
func NewGCSStorageWithClient(bucket, prefix string, quota int64, client GCSAPI) *GCSStorage {
	return &GCSStorage{Bucket: bucket, Prefix: prefix, quota: quota, client: client}
}

func (s *GCSStorage) objectName(namespace, path string) string {
	return s.Prefix + namespace + "/" + path
}

func (s *GCSStorage) Upload(ctx context.Context, namespace, path string) (io.WriteCloser, error) {
	exists, err := s.Exists(ctx, namespace, path)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, alreadyExists(namespace, path)
	}
	w := s.client.NewWriter(ctx, s.Bucket, s.objectName(namespace, path), true)
	return &gcsUploadWriter{WriteCloser: w, namespace: namespace, path: path}, nil
}

// gcsUploadWriter maps a failed DoesNotExist precondition to ErrAlreadyExists.
type gcsUploadWriter struct {
	io.WriteCloser
	namespace string
	path      string
}

func (w *gcsUploadWriter) Close() error {
	err := w.WriteCloser.Close()
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
		return alreadyExists(w.namespace, w.path)
	}
	return fmt.Errorf("uploading to GCS: %w", err)
}

// Append writes new files directly. For an existing file it writes the new
// bytes to a temporary object and composes it onto the end of the file.
func (s *GCSStorage) Append(ctx context.Context, namespace, path string) (io.WriteCloser, error) {
	name := s.objectName(namespace, path)
	exists, err := s.Exists(ctx, namespace, path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return s.client.NewWriter(ctx, s.Bucket, name, false), nil
	}
	tmp := name + ".append-" + uid.New()
	return &gcsAppendWriter{
		WriteCloser: s.client.NewWriter(ctx, s.Bucket, tmp, true),
		ctx:         ctx,
		s:           s,
		name:        name,
		tmp:         tmp,
	}, nil
}

type gcsAppendWriter struct {
	io.WriteCloser
	ctx  context.Context
	s    *GCSStorage
	name string
	tmp  string
}

func (w *gcsAppendWriter) Close() error {
	if err := w.WriteCloser.Close(); err != nil {
		return fmt.Errorf("writing append object: %w", err)
	}
	defer func() {
		if err := w.s.client.Delete(w.ctx, w.s.Bucket, w.tmp); err != nil {
			slog.Warn("Failed to delete GCS append object", "object", w.tmp, "error", err)
		}
	}()
	if _, err := w.s.client.Compose(w.ctx, w.s.Bucket, w.name, []string{w.name, w.tmp}); err != nil {
		return fmt.Errorf("composing append object: %w", err)
	}
	return nil
}

func (s *GCSStorage) Download(ctx context.Context, namespace, path string) (io.ReadCloser, error) {
	r, err := s.client.NewReader(ctx, s.Bucket, s.objectName(namespace, path))
	if err != nil {
		if isGCSNotFound(err) {
			return nil, notFound(namespace, path)
		}
		return nil, fmt.Errorf("reading from GCS: %w", err)
	}
	return r, nil
}

func (s *GCSStorage) Exists(ctx context.Context, namespace, path string) (bool, error) {
	_, err := s.client.Attrs(ctx, s.Bucket, s.objectName(namespace, path))
	if err != nil {
		if isGCSNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking object in GCS: %w", err)
	}
	return true, nil
}

func (s *GCSStorage) Delete(ctx context.Context, namespace, path string) (bool, error) {
	if err := s.client.Delete(ctx, s.Bucket, s.objectName(namespace, path)); err != nil {
		if isGCSNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("deleting object from GCS: %w", err)
	}
	return true, nil
}

func (s *GCSStorage) DeleteNamespace(ctx context.Context, namespace string) (bool, error) {
	objects, err := s.client.ListObjects(ctx, s.Bucket, s.Prefix+namespace+"/")
	if err != nil {
		return false, fmt.Errorf("listing GCS objects: %w", err)
	}
	deleted := false
	for _, obj := range objects {
		if err := s.client.Delete(ctx, s.Bucket, obj.Name); err != nil {
			if isGCSNotFound(err) {
				continue
			}
			return deleted, fmt.Errorf("deleting object %q from GCS: %w", obj.Name, err)
		}
		deleted = true
	}
	return deleted, nil
}

// Ping lists a prefix that never exists to check the bucket is accessible.
func (s *GCSStorage) Ping(ctx context.Context) error {
	_, err := s.client.ListObjects(ctx, s.Bucket, "\x00nonexistent\x00")
	return err
}

func (s *GCSStorage) TotalSpace(ctx context.Context) (int64, error) {
	total, _ := quotaSpace(s.quota, 0)
	return total, nil
}

func (s *GCSStorage) UsedSpace(ctx context.Context) (int64, error) {
	objects, err := s.client.ListObjects(ctx, s.Bucket, s.Prefix)
	if err != nil {
		return 0, fmt.Errorf("listing GCS objects: %w", err)
	}
	var used int64
	for _, obj := range objects {
		used += obj.Size
	}
	return used, nil
}

func (s *GCSStorage) FreeSpace(ctx context.Context) (int64, error) {
	used, err := s.UsedSpace(ctx)
	if err != nil {
		return 0, err
	}
	_, free := quotaSpace(s.quota, used)
	return free, nil
}

func isGCSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
		return true
	}
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "not found") || strings.Contains(msg, "404") {
			return true
		}
	}
	return false
}

var (
	_ GCSAPI      = (*realGCSClient)(nil)
	_ FileStorage = (*GCSStorage)(nil)
)
