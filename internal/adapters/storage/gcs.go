package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/elfregistry/registry/internal/core/services"
)

// GCSConfig holds configuration for GCSBackend.
type GCSConfig struct {
	Bucket string
	Prefix string // Optional key prefix
}

// GCSBackend stores objects in a Google Cloud Storage bucket.
type GCSBackend struct {
	client *gcs.Client
	bucket string
	prefix keyPrefix
}

// NewGCSBackend creates a GCS-backed store. Credentials come from ADC unless
// overridden through opts.
func NewGCSBackend(ctx context.Context, cfg GCSConfig, opts ...option.ClientOption) (*GCSBackend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: gcs bucket is required", services.ErrInvalidConfig)
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gcs client: %w", err)
	}
	return &GCSBackend{
		client: client,
		bucket: cfg.Bucket,
		prefix: newKeyPrefix(cfg.Prefix),
	}, nil
}

func (b *GCSBackend) Name() string { return "gcs" }

func (b *GCSBackend) ReadObject(ctx context.Context, key string) ([]byte, error) {
	object := b.prefix.apply(key)
	r, err := b.client.Bucket(b.bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", services.ErrNotFound, key)
		}
		return nil, fmt.Errorf("reading gcs object %s: %w", object, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading gcs object %s: %w", object, err)
	}
	return data, nil
}

func (b *GCSBackend) WriteObject(ctx context.Context, key string, data []byte) error {
	object := b.prefix.apply(key)
	w := b.client.Bucket(b.bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentTypeFor(key)

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("writing gcs object %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("writing gcs object %s: %w", object, err)
	}
	return nil
}

func (b *GCSBackend) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	query := &gcs.Query{Prefix: b.prefix.list(prefix)}
	it := b.client.Bucket(b.bucket).Objects(ctx, query)

	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing gcs objects under %q: %w", query.Prefix, err)
		}
		keys = append(keys, b.prefix.strip(attrs.Name))
	}
	return keys, nil
}

func (b *GCSBackend) DeleteObject(ctx context.Context, key string) error {
	object := b.prefix.apply(key)
	err := b.client.Bucket(b.bucket).Object(object).Delete(ctx)
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("deleting gcs object %s: %w", object, err)
	}
	return nil
}

// Close closes the GCS client.
func (b *GCSBackend) Close() error {
	return b.client.Close()
}
