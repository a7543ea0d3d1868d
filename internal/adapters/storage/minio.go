package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/elfregistry/registry/internal/core/services"
)

// MinioConfig controls the S3-compatible backend built on minio-go.
type MinioConfig struct {
	Endpoint        string
	Bucket          string
	Region          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	Insecure        bool
	Transport       http.RoundTripper
}

// MinioBackend stores objects in any S3-compatible service via minio-go.
type MinioBackend struct {
	client *minio.Client
	bucket string
	prefix keyPrefix
}

// NewMinioBackend creates a MinioBackend. Static keys are used when set,
// otherwise credentials are resolved from the environment.
func NewMinioBackend(cfg MinioConfig) (*MinioBackend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: minio bucket is required", services.ErrInvalidConfig)
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: minio endpoint is required", services.ErrInvalidConfig)
	}

	var creds *credentials.Credentials
	if cfg.AccessKeyID != "" {
		creds = credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        creds,
		Secure:       !cfg.Insecure,
		Region:       cfg.Region,
		Transport:    cfg.Transport,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}
	return &MinioBackend{
		client: client,
		bucket: cfg.Bucket,
		prefix: newKeyPrefix(cfg.Prefix),
	}, nil
}

func (b *MinioBackend) Name() string { return "minio" }

func (b *MinioBackend) ReadObject(ctx context.Context, key string) ([]byte, error) {
	object := b.prefix.apply(key)
	obj, err := b.client.GetObject(ctx, b.bucket, object, minio.GetObjectOptions{})
	if err != nil {
		if isMinioNotFound(err) {
			return nil, fmt.Errorf("%w: %s", services.ErrNotFound, key)
		}
		return nil, fmt.Errorf("reading minio object %s: %w", object, err)
	}
	defer obj.Close()

	// GetObject is lazy; a missing key surfaces on the first read.
	data, err := io.ReadAll(obj)
	if err != nil {
		if isMinioNotFound(err) {
			return nil, fmt.Errorf("%w: %s", services.ErrNotFound, key)
		}
		return nil, fmt.Errorf("reading minio object %s: %w", object, err)
	}
	return data, nil
}

func (b *MinioBackend) WriteObject(ctx context.Context, key string, data []byte) error {
	object := b.prefix.apply(key)
	_, err := b.client.PutObject(ctx, b.bucket, object, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentTypeFor(key),
	})
	if err != nil {
		return fmt.Errorf("writing minio object %s: %w", object, err)
	}
	return nil
}

func (b *MinioBackend) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	opts := minio.ListObjectsOptions{Prefix: b.prefix.list(prefix), Recursive: true}

	// Cancelling stops the lister goroutine when we return before draining.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var keys []string
	for object := range b.client.ListObjects(ctx, b.bucket, opts) {
		if object.Err != nil {
			return nil, fmt.Errorf("listing minio objects under %q: %w", opts.Prefix, object.Err)
		}
		keys = append(keys, b.prefix.strip(object.Key))
	}
	return keys, nil
}

func (b *MinioBackend) DeleteObject(ctx context.Context, key string) error {
	object := b.prefix.apply(key)
	err := b.client.RemoveObject(ctx, b.bucket, object, minio.RemoveObjectOptions{})
	if err != nil && !isMinioNotFound(err) {
		return fmt.Errorf("deleting minio object %s: %w", object, err)
	}
	return nil
}

func isMinioNotFound(err error) bool {
	var errResp minio.ErrorResponse
	if errors.As(err, &errResp) {
		if errResp.Code == "NoSuchBucket" {
			return false
		}
		return errResp.StatusCode == http.StatusNotFound
	}
	return false
}
