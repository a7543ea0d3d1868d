package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/elfregistry/registry/internal/core/services"
)

// AzureConfig controls connectivity to Azure Blob Storage.
type AzureConfig struct {
	Account    string
	AccountKey string
	Endpoint   string
	Container  string
	Prefix     string
}

// AzureBackend stores objects as block blobs in one container.
type AzureBackend struct {
	client    *azblob.Client
	container string
	prefix    keyPrefix
}

// NewAzureBackend creates the client and ensures the container exists.
func NewAzureBackend(ctx context.Context, cfg AzureConfig) (*AzureBackend, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	cred, err := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("building azure credentials: %w", err)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(endpoint, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating azure client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := client.CreateContainer(ctx, cfg.Container, nil); err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil, fmt.Errorf("creating azure container %s: %w", cfg.Container, err)
	}

	return &AzureBackend{
		client:    client,
		container: cfg.Container,
		prefix:    newKeyPrefix(cfg.Prefix),
	}, nil
}

func (c AzureConfig) validate() error {
	switch {
	case c.Account == "":
		return fmt.Errorf("%w: azure account is required", services.ErrInvalidConfig)
	case c.AccountKey == "":
		return fmt.Errorf("%w: azure account key is required", services.ErrInvalidConfig)
	case c.Container == "":
		return fmt.Errorf("%w: azure container is required", services.ErrInvalidConfig)
	}
	return nil
}

func (b *AzureBackend) Name() string { return "azure" }

func (b *AzureBackend) ReadObject(ctx context.Context, key string) ([]byte, error) {
	name := b.prefix.apply(key)
	resp, err := b.client.DownloadStream(ctx, b.container, name, nil)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, fmt.Errorf("%w: %s", services.ErrNotFound, key)
		}
		return nil, fmt.Errorf("reading azure blob %s: %w", name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading azure blob %s: %w", name, err)
	}
	return data, nil
}

func (b *AzureBackend) WriteObject(ctx context.Context, key string, data []byte) error {
	name := b.prefix.apply(key)
	_, err := b.client.UploadBuffer(ctx, b.container, name, data, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(contentTypeFor(key))},
	})
	if err != nil {
		return fmt.Errorf("writing azure blob %s: %w", name, err)
	}
	return nil
}

func (b *AzureBackend) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	listPrefix := b.prefix.list(prefix)
	opts := &azblob.ListBlobsFlatOptions{}
	if listPrefix != "" {
		opts.Prefix = to.Ptr(listPrefix)
	}

	var keys []string
	pager := b.client.NewListBlobsFlatPager(b.container, opts)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing azure blobs under %q: %w", listPrefix, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			keys = append(keys, b.prefix.strip(*item.Name))
		}
	}
	return keys, nil
}

func (b *AzureBackend) DeleteObject(ctx context.Context, key string) error {
	name := b.prefix.apply(key)
	_, err := b.client.DeleteBlob(ctx, b.container, name, nil)
	if err != nil && !isAzureNotFound(err) {
		return fmt.Errorf("deleting azure blob %s: %w", name, err)
	}
	return nil
}

func isAzureNotFound(err error) bool {
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return true
	}
	if bloberror.HasCode(err, bloberror.ContainerNotFound) {
		return false
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}
