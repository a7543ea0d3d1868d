package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"

	"github.com/elfregistry/registry/internal/core/services"
)

// S3Config holds configuration for S3Backend.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // Optional custom endpoint (LocalStack, Ceph, ...)
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// S3Backend stores objects in an AWS S3 bucket.
type S3Backend struct {
	client *s3.Client
	bucket string
	prefix keyPrefix
}

// NewS3Backend creates an S3-backed store using the default AWS credential
// chain, or static keys when both are configured.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", services.ErrInvalidConfig)
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			if !strings.Contains(endpoint, "://") {
				endpoint = "https://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
			// Third-party S3 implementations do not all accept trailing checksums.
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Backend{
		client: client,
		bucket: cfg.Bucket,
		prefix: newKeyPrefix(cfg.Prefix),
	}, nil
}

func (b *S3Backend) Name() string { return "s3" }

func (b *S3Backend) ReadObject(ctx context.Context, key string) ([]byte, error) {
	object := b.prefix.apply(key)
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(object),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%w: %s", services.ErrNotFound, key)
		}
		return nil, fmt.Errorf("reading s3 object %s: %w", object, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading s3 object %s: %w", object, err)
	}
	return data, nil
}

func (b *S3Backend) WriteObject(ctx context.Context, key string, data []byte) error {
	object := b.prefix.apply(key)
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(object),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentTypeFor(key)),
	})
	if err != nil {
		return fmt.Errorf("writing s3 object %s: %w", object, err)
	}
	return nil
}

func (b *S3Backend) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	listPrefix := b.prefix.list(prefix)
	input := &s3.ListObjectsV2Input{Bucket: aws.String(b.bucket)}
	if listPrefix != "" {
		input.Prefix = aws.String(listPrefix)
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(b.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing s3 objects under %q: %w", listPrefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, b.prefix.strip(aws.ToString(obj.Key)))
		}
	}
	return keys, nil
}

func (b *S3Backend) DeleteObject(ctx context.Context, key string) error {
	object := b.prefix.apply(key)
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(object),
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("deleting s3 object %s: %w", object, err)
	}
	return nil
}

func isS3NotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		case "NoSuchBucket":
			return false
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == http.StatusNotFound
	}
	return false
}
