package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/elfregistry/registry/internal/core/services"
)

const tempPrefix = ".upload-"

// LocalBackend stores objects as files under a root directory.
type LocalBackend struct {
	root string
}

// NewLocalBackend creates a LocalBackend rooted at root.
func NewLocalBackend(root string) (*LocalBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root: %w", err)
	}
	return &LocalBackend{root: root}, nil
}

func (b *LocalBackend) Name() string { return "local" }

// Root returns the directory objects are stored under.
func (b *LocalBackend) Root() string { return b.root }

func (b *LocalBackend) ReadObject(_ context.Context, key string) ([]byte, error) {
	p, err := b.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", services.ErrNotFound, key)
		}
		return nil, fmt.Errorf("reading local object %s: %w", key, err)
	}
	return data, nil
}

// WriteObject writes to a temp file next to the destination and renames it
// into place, so readers never observe a partially written object.
func (b *LocalBackend) WriteObject(_ context.Context, key string, data []byte) error {
	p, err := b.resolve(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", key, err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing local object %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file for %s: %w", key, err)
	}
	if err := os.Rename(tmpPath, p); err != nil {
		return fmt.Errorf("moving local object %s into place: %w", key, err)
	}
	success = true
	return nil
}

func (b *LocalBackend) ListObjects(_ context.Context, prefix string) ([]string, error) {
	base := b.root
	if prefix != "" {
		p, err := b.resolve(prefix)
		if err != nil {
			return nil, err
		}
		base = p
	}

	var keys []string
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(b.root, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing local objects under %q: %w", prefix, err)
	}
	return keys, nil
}

func (b *LocalBackend) DeleteObject(_ context.Context, key string) error {
	p, err := b.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting local object %s: %w", key, err)
	}
	return nil
}

// resolve maps a key onto the filesystem, rejecting keys that would escape root.
func (b *LocalBackend) resolve(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return "", fmt.Errorf("invalid object key %q", key)
		}
	}
	return filepath.Join(b.root, filepath.FromSlash(path.Clean(key))), nil
}
