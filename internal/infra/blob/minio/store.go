// Package minio stores checkpoint blobs in an S3 compatible object store.
package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/index-armada/internal/domain/indexing"
	"github.com/ahrav/index-armada/internal/infra/storage"
)

// Config holds the object store connection settings.
type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Region          string
	UseSSL          bool
}

var _ indexing.BlobStore = (*Store)(nil)

// Store implements indexing.BlobStore on minio-go.
type Store struct {
	client *minio.Client
	bucket string
	tracer trace.Tracer
}

// NewStore connects to the object store and ensures the bucket exists.
func NewStore(ctx context.Context, cfg Config, tracer trace.Tracer) (*Store, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("blob store endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("blob store bucket is required")
	}

	endpoint, useSSL := cfg.Endpoint, cfg.UseSSL
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		useSSL = useSSL || u.Scheme == "https"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	s := &Store{client: client, bucket: cfg.Bucket, tracer: tracer}
	if err := s.ensureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *Store) attrs(name string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("blob.system", "s3"),
		attribute.String("blob.bucket", s.bucket),
		attribute.String("blob.name", name),
	}
}

// Put writes data under name, replacing any existing object.
func (s *Store) Put(ctx context.Context, name string, data []byte, metadata map[string]string) error {
	attrs := append(s.attrs(name), attribute.Int("blob.size", len(data)))
	return storage.ExecuteAndTrace(ctx, s.tracer, "minio.put_object", attrs, func(ctx context.Context) error {
		_, err := s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType:  "application/json",
			UserMetadata: metadata,
		})
		if err != nil {
			return fmt.Errorf("failed to put object %s: %w", name, err)
		}
		return nil
	})
}

// Get reads the object named name.
func (s *Store) Get(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := storage.ExecuteAndTrace(ctx, s.tracer, "minio.get_object", s.attrs(name), func(ctx context.Context) error {
		obj, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
		if err != nil {
			return classifyError(name, err)
		}
		defer obj.Close()

		// minio defers the request until the first read.
		data, err = io.ReadAll(obj)
		if err != nil {
			return classifyError(name, err)
		}
		return nil
	})
	return data, err
}

// Delete removes the object. Missing objects are not an error.
func (s *Store) Delete(ctx context.Context, name string) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "minio.remove_object", s.attrs(name), func(ctx context.Context) error {
		err := s.client.RemoveObject(ctx, s.bucket, name, minio.RemoveObjectOptions{})
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to remove object %s: %w", name, err)
		}
		return nil
	})
}

func isNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject":
		return true
	default:
		return false
	}
}

func classifyError(name string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%w: %s", indexing.ErrBlobNotFound, name)
	}
	return fmt.Errorf("failed to get object %s: %w", name, err)
}
