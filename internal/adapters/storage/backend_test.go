package storage

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elfregistry/registry/internal/core/services"
)

// exerciseBackend runs the object lifecycle every backend must support.
func exerciseBackend(t *testing.T, b services.StorageBackend) {
	t.Helper()
	ctx := context.Background()

	_, err := b.ReadObject(ctx, "orders/missing.elf")
	require.ErrorIs(t, err, services.ErrNotFound)

	objects := map[string]string{
		"index.json":      `{"contracts":{}}`,
		"orders/a.elf":    "\x7fELF-a",
		"orders/a.json":   `{"program_id":"a"}`,
		"billing/b.elf":   "\x7fELF-b",
		"billing/b.json":  `{"program_id":"b"}`,
		"orders_x/c.json": `{}`,
	}
	for key, body := range objects {
		require.NoError(t, b.WriteObject(ctx, key, []byte(body)), key)
	}

	data, err := b.ReadObject(ctx, "orders/a.elf")
	require.NoError(t, err)
	assert.Equal(t, "\x7fELF-a", string(data))

	require.NoError(t, b.WriteObject(ctx, "orders/a.elf", []byte("replaced")))
	data, err = b.ReadObject(ctx, "orders/a.elf")
	require.NoError(t, err)
	assert.Equal(t, "replaced", string(data))

	all, err := b.ListObjects(ctx, "")
	require.NoError(t, err)
	sort.Strings(all)
	assert.Equal(t, []string{
		"billing/b.elf", "billing/b.json", "index.json",
		"orders/a.elf", "orders/a.json", "orders_x/c.json",
	}, all)

	orders, err := b.ListObjects(ctx, "orders/")
	require.NoError(t, err)
	sort.Strings(orders)
	assert.Equal(t, []string{"orders/a.elf", "orders/a.json"}, orders)

	require.NoError(t, b.DeleteObject(ctx, "orders/a.elf"))
	require.NoError(t, b.DeleteObject(ctx, "orders/a.elf"))
	_, err = b.ReadObject(ctx, "orders/a.elf")
	assert.ErrorIs(t, err, services.ErrNotFound)

	empty := "orders/empty.json"
	require.NoError(t, b.WriteObject(ctx, empty, nil))
	data, err = b.ReadObject(ctx, empty)
	require.NoError(t, err)
	assert.Empty(t, data)
}
