// Package archive mirrors processed source files into Google Cloud Storage
// as an off-box audit copy.
package archive

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"
)

// Uploader stores a named object. The GCS implementation below is the only
// production implementation; tests substitute fakes.
type Uploader interface {
	Upload(ctx context.Context, name string, data []byte) (string, error)
}

// Config captures the parameters for the GCS archive.
type Config struct {
	Bucket string
	Prefix string
}

// GCSUploader writes archive copies to a GCS bucket.
type GCSUploader struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS client and verifies the bucket is reachable.
// Authentication uses Application Default Credentials.
func New(ctx context.Context, cfg Config) (*GCSUploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check gcs bucket %s: %w", cfg.Bucket, err)
	}
	return &GCSUploader{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// NewWithClient constructs an uploader from an existing client (for tests).
func NewWithClient(client *storage.Client, cfg Config) (*GCSUploader, error) {
	if client == nil {
		return nil, fmt.Errorf("gcs client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	return &GCSUploader{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Upload writes the file bytes to the bucket and returns a gs:// URI.
func (u *GCSUploader) Upload(ctx context.Context, name string, data []byte) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("object name is required")
	}
	object := name
	if u.prefix != "" {
		object = u.prefix + "/" + name
	}
	w := u.client.Bucket(u.bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write gcs object %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close gcs writer for %s: %w", object, err)
	}
	return fmt.Sprintf("gs://%s/%s", u.bucket, object), nil
}

// Close releases the underlying client.
func (u *GCSUploader) Close() error {
	if err := u.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}
