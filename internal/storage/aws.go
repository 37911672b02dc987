// Package storage provides the AWS S3 tier.
//
// Key mapping:
//
//	Files:  {prefix}{namespace}/{path}
//
// Bodies larger than the part size go through native multipart upload. Credentials
// are resolved via the standard AWS credential chain (env vars,
// ~/.aws/credentials, IAM role, etc.).
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// defaultS3PartSize is the multipart part size, and the size above which
// uploads switch from a single PutObject to multipart.
const defaultS3PartSize int64 = 64 << 20

// S3API defines the subset of the AWS S3 client interface that the tier uses.
// This allows mocking in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config holds the settings of an S3 tier.
type S3Config struct {
	Bucket          string
	Region          string
	Prefix          string
	EndpointURL     string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
	// QuotaBytes is reported as total space. Zero means unlimited.
	QuotaBytes int64
}

// S3Storage implements FileStorage on an Amazon S3 (or S3-compatible) bucket.
type S3Storage struct {
	Bucket string
	Prefix string
	quota  int64
	client S3API

	partSize int64
}

// NewS3Storage initializes the AWS SDK client using the default credential
// chain, with optional overrides for custom endpoint, path-style addressing,
// and static credentials. It verifies the bucket is reachable.
func NewS3Storage(ctx context.Context, cfg S3Config) (*S3Storage, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))

	// Use static credentials if provided, otherwise fall back to default chain.
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.EndpointURL != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	s := NewS3StorageWithClient(cfg.Bucket, cfg.Prefix, cfg.QuotaBytes, s3.NewFromConfig(awsCfg, s3Opts...))
	if err := s.Ping(ctx); err != nil {
		return nil, fmt.Errorf("cannot access S3 bucket %q: %w", cfg.Bucket, err)
	}

	slog.Info("S3 storage initialized", "bucket", cfg.Bucket, "region", cfg.Region, "prefix", cfg.Prefix)
	return s, nil
}

// NewS3StorageWithClient creates an S3Storage with a pre-configured client.
// This is primarily used for testing with mock clients.
func NewS3StorageWithClient(bucket, prefix string, quota int64, client S3API) *S3Storage {
	return &S3Storage{Bucket: bucket, Prefix: prefix, quota: quota, client: client, partSize: defaultS3PartSize}
}

func (s *S3Storage) key(namespace, path string) string {
	return s.Prefix + namespace + "/" + path
}

func (s *S3Storage) Upload(ctx context.Context, namespace, path string) (io.WriteCloser, error) {
	exists, err := s.Exists(ctx, namespace, path)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, alreadyExists(namespace, path)
	}
	key := s.key(namespace, path)
	return newSpoolWriter(func(f *os.File, size int64) error {
		return s.put(ctx, key, f, size)
	})
}

func (s *S3Storage) Append(ctx context.Context, namespace, path string) (io.WriteCloser, error) {
	key := s.key(namespace, path)
	w, err := newSpoolWriter(func(f *os.File, size int64) error {
		return s.put(ctx, key, f, size)
	})
	if err != nil {
		return nil, err
	}

	r, err := s.Download(ctx, namespace, path)
	switch {
	case err == nil:
		defer r.Close()
		if err := w.seed(r); err != nil {
			w.discard()
			return nil, fmt.Errorf("reading existing %s/%s: %w", namespace, path, err)
		}
	case !isNotFound(err):
		w.discard()
		return nil, err
	}
	return w, nil
}

// put uploads the spooled body, using multipart above the part size.
func (s *S3Storage) put(ctx context.Context, key string, f *os.File, size int64) error {
	if size <= s.partSize {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.Bucket),
			Key:           aws.String(key),
			Body:          f,
			ContentLength: aws.Int64(size),
		})
		if err != nil {
			return fmt.Errorf("uploading to S3: %w", err)
		}
		return nil
	}
	return s.putMultipart(ctx, key, f, size)
}

func (s *S3Storage) putMultipart(ctx context.Context, key string, f *os.File, size int64) error {
	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("creating multipart upload: %w", err)
	}
	uploadID := created.UploadId

	abort := func() {
		_, abortErr := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.Bucket),
			Key:      aws.String(key),
			UploadId: uploadID,
		})
		if abortErr != nil {
			slog.Warn("Failed to abort multipart upload", "key", key, "error", abortErr)
		}
	}

	var parts []types.CompletedPart
	for offset, partNumber := int64(0), int32(1); offset < size; offset, partNumber = offset+s.partSize, partNumber+1 {
		n := min(s.partSize, size-offset)
		resp, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.Bucket),
			Key:           aws.String(key),
			UploadId:      uploadID,
			PartNumber:    aws.Int32(partNumber),
			Body:          io.NewSectionReader(f, offset, n),
			ContentLength: aws.Int64(n),
		})
		if err != nil {
			abort()
			return fmt.Errorf("uploading part %d: %w", partNumber, err)
		}
		parts = append(parts, types.CompletedPart{
			ETag:       resp.ETag,
			PartNumber: aws.Int32(partNumber),
		})
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.Bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		abort()
		return fmt.Errorf("completing multipart upload: %w", err)
	}
	return nil
}

func (s *S3Storage) Download(ctx context.Context, namespace, path string) (io.ReadCloser, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.key(namespace, path)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, notFound(namespace, path)
		}
		return nil, fmt.Errorf("getting object from S3: %w", err)
	}
	return resp.Body, nil
}

func (s *S3Storage) Exists(ctx context.Context, namespace, path string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.key(namespace, path)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking object in S3: %w", err)
	}
	return true, nil
}

// Delete checks for existence first since S3 DeleteObject does not error on
// missing keys.
func (s *S3Storage) Delete(ctx context.Context, namespace, path string) (bool, error) {
	exists, err := s.Exists(ctx, namespace, path)
	if err != nil || !exists {
		return false, err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.key(namespace, path)),
	})
	if err != nil {
		return false, fmt.Errorf("deleting object from S3: %w", err)
	}
	return true, nil
}

func (s *S3Storage) DeleteNamespace(ctx context.Context, namespace string) (bool, error) {
	objects, err := s.list(ctx, s.Prefix+namespace+"/")
	if err != nil {
		return false, err
	}
	if len(objects) == 0 {
		return false, nil
	}

	// DeleteObjects accepts at most 1000 keys per call.
	for start := 0; start < len(objects); start += 1000 {
		batch := objects[start:min(start+1000, len(objects))]
		ids := make([]types.ObjectIdentifier, 0, len(batch))
		for _, obj := range batch {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
		resp, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.Bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return false, fmt.Errorf("deleting namespace %q from S3: %w", namespace, err)
		}
		if len(resp.Errors) > 0 {
			return false, fmt.Errorf("deleting namespace %q from S3: %d objects failed, first: %s",
				namespace, len(resp.Errors), aws.ToString(resp.Errors[0].Message))
		}
	}
	return true, nil
}

func (s *S3Storage) list(ctx context.Context, prefix string) ([]types.Object, error) {
	var objects []types.Object
	var token *string
	for {
		resp, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("listing S3 objects: %w", err)
		}
		objects = append(objects, resp.Contents...)
		if !aws.ToBool(resp.IsTruncated) {
			return objects, nil
		}
		token = resp.NextContinuationToken
	}
}

// Ping verifies that the S3 bucket is accessible.
func (s *S3Storage) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.Bucket),
	})
	return err
}

func (s *S3Storage) TotalSpace(ctx context.Context) (int64, error) {
	total, _ := quotaSpace(s.quota, 0)
	return total, nil
}

// UsedSpace sums the sizes of every object under the prefix.
func (s *S3Storage) UsedSpace(ctx context.Context) (int64, error) {
	objects, err := s.list(ctx, s.Prefix)
	if err != nil {
		return 0, err
	}
	var used int64
	for _, obj := range objects {
		used += aws.ToInt64(obj.Size)
	}
	return used, nil
}

func (s *S3Storage) FreeSpace(ctx context.Context) (int64, error) {
	used, err := s.UsedSpace(ctx)
	if err != nil {
		return 0, err
	}
	_, free := quotaSpace(s.quota, used)
	return free, nil
}

// isAWSNotFound checks if an AWS error is a 404/NoSuchKey/NotFound error.
func isAWSNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" || code == "404" || code == "NoSuchBucket" {
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		if respErr.HTTPStatusCode() == 404 {
			return true
		}
	}
	return false
}

var _ FileStorage = (*S3Storage)(nil)
