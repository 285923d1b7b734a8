package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSStore keeps blobs in a Google Cloud Storage bucket. It holds one
// client for its lifetime.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore creates a client for bucket. With no options, Application
// Default Credentials are used.
func NewGCSStore(ctx context.Context, bucket string, opts ...option.ClientOption) (*GCSStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("NewGCSStore: bucket is required")
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("NewGCSStore: create storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

// Close releases the storage client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

// Put implements Store. The object only becomes visible once the writer is
// closed successfully; a cancelled ctx aborts the upload.
func (s *GCSStore) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("GCSStore.Put: write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("GCSStore.Put: finalize %s: %w", key, err)
	}

	return fmt.Sprintf("gs://%s/%s", s.bucket, key), nil
}

// Get implements Store.
func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	rc, err := s.client.Bucket(s.bucket).Object(objectPath(s.bucket, key)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GCSStore.Get: open %s: %w", key, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("GCSStore.Get: read %s: %w", key, err)
	}
	return data, nil
}

// Delete implements Store.
func (s *GCSStore) Delete(ctx context.Context, key string) error {
	err := s.client.Bucket(s.bucket).Object(objectPath(s.bucket, key)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("GCSStore.Delete: %s: %w", key, err)
	}
	return nil
}

// objectPath accepts either a bare key or a gs://bucket/key URI.
func objectPath(bucket, key string) string {
	return strings.TrimPrefix(key, "gs://"+bucket+"/")
}
