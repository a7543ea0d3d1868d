package services

import "context"

// StorageBackend is a flat byte-object namespace. Keys are "/"-separated and
// relative to the backend root; any configured key prefix is applied and
// stripped inside the implementation.
type StorageBackend interface {
	// ReadObject returns the object content, or ErrNotFound if absent.
	ReadObject(ctx context.Context, key string) ([]byte, error)

	// WriteObject creates or overwrites the object at key.
	WriteObject(ctx context.Context, key string, data []byte) error

	// ListObjects returns every key under prefix, or the whole namespace
	// when prefix is empty. Pagination is drained before returning.
	ListObjects(ctx context.Context, prefix string) ([]string, error)

	// DeleteObject removes the object. Deleting a missing object is not an error.
	DeleteObject(ctx context.Context, key string) error

	// Name identifies the backend in metrics labels.
	Name() string
}

// Authenticator validates request API keys.
type Authenticator interface {
	// ValidateToken checks if a token is valid.
	ValidateToken(token string) bool
}
