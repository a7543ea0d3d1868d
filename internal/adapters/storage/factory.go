package storage

import (
	"context"
	"fmt"

	"github.com/elfregistry/registry/internal/config"
	"github.com/elfregistry/registry/internal/core/services"
)

// New builds the backend selected by cfg.Backend. Backends holding
// connections also implement io.Closer.
func New(ctx context.Context, cfg config.StorageConfig) (services.StorageBackend, error) {
	switch cfg.Backend {
	case config.BackendLocal, "":
		return NewLocalBackend(cfg.LocalRoot())
	case config.BackendSQLite:
		return NewSQLiteBackend(cfg.SQLitePath())
	case config.BackendGCS:
		return NewGCSBackend(ctx, GCSConfig{Bucket: cfg.GCS.Bucket, Prefix: cfg.GCS.Prefix})
	case config.BackendS3:
		return NewS3Backend(ctx, S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			Prefix:          cfg.S3.Prefix,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
		})
	case config.BackendMinio:
		return NewMinioBackend(MinioConfig{
			Endpoint:        cfg.Minio.Endpoint,
			Bucket:          cfg.Minio.Bucket,
			Region:          cfg.Minio.Region,
			Prefix:          cfg.Minio.Prefix,
			AccessKeyID:     cfg.Minio.AccessKeyID,
			SecretAccessKey: cfg.Minio.SecretAccessKey,
			Insecure:        cfg.Minio.Insecure,
		})
	case config.BackendAzure:
		return NewAzureBackend(ctx, AzureConfig{
			Account:    cfg.Azure.Account,
			AccountKey: cfg.Azure.AccountKey,
			Endpoint:   cfg.Azure.Endpoint,
			Container:  cfg.Azure.Container,
			Prefix:     cfg.Azure.Prefix,
		})
	default:
		return nil, fmt.Errorf("%w: %q", services.ErrUnsupportedBackend, cfg.Backend)
	}
}
