package services

import "errors"

var (
	// ErrNotFound indicates a requested object does not exist in the backend.
	ErrNotFound = errors.New("not found")
	// ErrCorruptIndex indicates the persisted index exists but cannot be parsed.
	ErrCorruptIndex = errors.New("corrupt index")
	// ErrUnsupportedBackend indicates an unknown storage backend selection.
	ErrUnsupportedBackend = errors.New("unsupported storage backend")
	// ErrInvalidConfig indicates an incomplete or invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)
