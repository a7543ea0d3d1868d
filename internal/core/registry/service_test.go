package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/elfregistry/registry/internal/adapters/storage"
	"github.com/elfregistry/registry/internal/core/models"
	"github.com/elfregistry/registry/internal/core/services"
)

var testMeta = models.ProgramMetadata{Toolchain: "v1", Commit: "abc123", ZKVM: "sp1"}

type testRegistry struct {
	*Service
	backend services.StorageBackend
	reader  *sdkmetric.ManualReader
}

func newTestBackend(t *testing.T) *storage.LocalBackend {
	t.Helper()
	b, err := storage.NewLocalBackend(filepath.Join(t.TempDir(), "registry"))
	require.NoError(t, err)
	return b
}

func newTestRegistry(t *testing.T, backend services.StorageBackend) *testRegistry {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	svc, err := New(context.Background(), backend, zerolog.Nop(), WithMeterProvider(mp))
	require.NoError(t, err)
	return &testRegistry{Service: svc, backend: backend, reader: reader}
}

// counter sums every data point of an int64 counter matching attrs.
func (r *testRegistry) counter(t *testing.T, name string, attrs ...string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, r.reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				if matchAttrs(dp.Attributes.ToSlice(), attrs) {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func matchAttrs(have []attribute.KeyValue, want []string) bool {
	for i := 0; i+1 < len(want); i += 2 {
		found := false
		for _, kv := range have {
			if string(kv.Key) == want[i] && kv.Value.AsString() == want[i+1] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func readEntry(t *testing.T, b services.StorageBackend, key string) models.ProgramEntry {
	t.Helper()
	data, err := b.ReadObject(context.Background(), key)
	require.NoError(t, err)
	var entry models.ProgramEntry
	require.NoError(t, json.Unmarshal(data, &entry))
	return entry
}

func readIndexFile(t *testing.T, b services.StorageBackend) models.IndexFile {
	t.Helper()
	data, err := b.ReadObject(context.Background(), IndexKey)
	require.NoError(t, err)
	var file models.IndexFile
	require.NoError(t, json.Unmarshal(data, &file))
	return file
}

func TestNew_EmptyBackendPersistsEmptyIndex(t *testing.T) {
	b := newTestBackend(t)
	r := newTestRegistry(t, b)

	assert.Empty(t, r.ListAll(context.Background()))
	assert.Equal(t, int64(1), r.counter(t, "registry.index.rebuilds"))
	assert.Equal(t, "local", r.Backend())

	data, err := b.ReadObject(context.Background(), IndexKey)
	require.NoError(t, err)
	assert.JSONEq(t, `{"contracts":{}}`, string(data))
}

func TestUploadThenDownload(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	r := newTestRegistry(t, b)

	payload := []byte("\x7fELF\x02\x01\x01 program bytes")
	entry, err := r.Upload(ctx, "orders", "program-a", testMeta, payload)
	require.NoError(t, err)

	assert.Equal(t, uint64(len(payload)), entry.SizeBytes)
	assert.Equal(t, ObjectPath("orders", "program-a"), entry.ObjectPath)
	assert.Equal(t, MetadataPath("orders", "program-a"), entry.MetadataPath)
	_, err = time.Parse(time.RFC3339Nano, entry.UploadedAt)
	assert.NoError(t, err)

	data, ok, err := r.Download(ctx, "orders", "program-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload, data)

	stored, err := b.ReadObject(ctx, entry.ObjectPath)
	require.NoError(t, err)
	assert.Equal(t, payload, stored)
	assert.Equal(t, entry, readEntry(t, b, entry.MetadataPath))
	assert.Equal(t, entry, readIndexFile(t, b).Contracts["orders"].Programs["program-a"])

	assert.Equal(t, int64(1), r.counter(t, "registry.requests", "op", "upload"))
	assert.Equal(t, int64(len(payload)), r.counter(t, "registry.bytes", "op", "upload"))
	assert.Equal(t, int64(len(payload)), r.counter(t, "registry.bytes", "op", "download"))
}

func TestReuploadReplacesContent(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	r := newTestRegistry(t, b)

	_, err := r.Upload(ctx, "orders", "program-a", testMeta, []byte("first"))
	require.NoError(t, err)
	v2 := models.ProgramMetadata{Toolchain: "v2", Commit: "def456", ZKVM: "sp1"}
	_, err = r.Upload(ctx, "orders", "program-a", v2, []byte("second"))
	require.NoError(t, err)

	programs, ok := r.ListContract(ctx, "orders")
	require.True(t, ok)
	require.Len(t, programs, 1)
	assert.Equal(t, "v2", programs[0].Metadata.Toolchain)
	assert.Equal(t, uint64(6), programs[0].SizeBytes)

	stored, err := b.ReadObject(ctx, ObjectPath("orders", "program-a"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(stored))
	assert.Equal(t, "v2", readEntry(t, b, MetadataPath("orders", "program-a")).Metadata.Toolchain)

	data, ok, err := r.Download(ctx, "orders", "program-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", string(data))
}

func TestDownloadIsIsolatedFromCallerBuffers(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	r := newTestRegistry(t, b)

	buf := []byte("first")
	_, err := r.Upload(ctx, "orders", "program-a", testMeta, buf)
	require.NoError(t, err)
	copy(buf, "XXXXX")

	got, ok, err := r.Download(ctx, "orders", "program-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", string(got))

	got[0] = 'Z'
	again, ok, err := r.Download(ctx, "orders", "program-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", string(again))

	stored, err := b.ReadObject(ctx, ObjectPath("orders", "program-a"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(stored))
}

func TestListAllAndListContract(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, newTestBackend(t))

	for _, id := range []string{"b", "a"} {
		_, err := r.Upload(ctx, "orders", id, testMeta, []byte(id))
		require.NoError(t, err)
	}
	_, err := r.Upload(ctx, "billing", "x", testMeta, []byte("xx"))
	require.NoError(t, err)

	all := r.ListAll(ctx)
	require.Len(t, all, 2)
	require.Len(t, all["orders"], 2)
	assert.Equal(t, "a", all["orders"][0].ProgramID)
	assert.Equal(t, "b", all["orders"][1].ProgramID)
	assert.Equal(t, uint64(2), all["billing"][0].SizeBytes)

	_, ok := r.ListContract(ctx, "unknown")
	assert.False(t, ok)

	assert.Equal(t, int64(1), r.counter(t, "registry.requests", "op", "list_all"))
	assert.Equal(t, int64(1), r.counter(t, "registry.requests", "op", "list_contract"))
}

func TestDownloadUnknown(t *testing.T) {
	r := newTestRegistry(t, newTestBackend(t))

	data, ok, err := r.Download(context.Background(), "orders", "nope")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, data)
}

func TestDownloadMissingObjectIsNotFound(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	r := newTestRegistry(t, b)

	_, err := r.Upload(ctx, "orders", "program-a", testMeta, []byte("bytes"))
	require.NoError(t, err)
	r.Cache().RemoveContract("orders")
	require.NoError(t, b.DeleteObject(ctx, ObjectPath("orders", "program-a")))

	_, ok, err := r.Download(ctx, "orders", "program-a")
	require.NoError(t, err)
	assert.False(t, ok)

	// The index still lists the program; no rebuild is triggered.
	_, ok = r.Index().Lookup("orders", "program-a")
	assert.True(t, ok)
}

func TestDeleteProgram(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	r := newTestRegistry(t, b)

	_, err := r.Upload(ctx, "orders", "a", testMeta, []byte("a"))
	require.NoError(t, err)
	_, err = r.Upload(ctx, "orders", "b", testMeta, []byte("b"))
	require.NoError(t, err)

	before := readIndexFile(t, b)
	deleted, err := r.DeleteProgram(ctx, "orders", "missing")
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.Equal(t, before, readIndexFile(t, b))

	deleted, err = r.DeleteProgram(ctx, "orders", "a")
	require.NoError(t, err)
	assert.True(t, deleted)

	for _, key := range []string{ObjectPath("orders", "a"), MetadataPath("orders", "a")} {
		_, err := b.ReadObject(ctx, key)
		assert.ErrorIs(t, err, services.ErrNotFound, key)
	}
	_, ok, err := r.Download(ctx, "orders", "a")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{"b"}, r.Cache().Programs("orders"))

	// Removing the last program prunes the contract.
	deleted, err = r.DeleteProgram(ctx, "orders", "b")
	require.NoError(t, err)
	assert.True(t, deleted)
	_, ok = r.ListContract(ctx, "orders")
	assert.False(t, ok)
	assert.NotContains(t, readIndexFile(t, b).Contracts, "orders")
	assert.Equal(t, 0, r.Cache().Contracts())
}

func TestDeleteContract(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	r := newTestRegistry(t, b)

	for _, id := range []string{"a", "b", "c"} {
		_, err := r.Upload(ctx, "orders", id, testMeta, []byte(id))
		require.NoError(t, err)
	}
	_, err := r.Upload(ctx, "billing", "x", testMeta, []byte("x"))
	require.NoError(t, err)

	deleted, err := r.DeleteContract(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = r.DeleteContract(ctx, "orders")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, ok := r.ListContract(ctx, "orders")
	assert.False(t, ok)
	assert.Empty(t, r.Cache().Programs("orders"))

	keys, err := b.ListObjects(ctx, "orders")
	require.NoError(t, err)
	assert.Empty(t, keys)

	file := readIndexFile(t, b)
	assert.NotContains(t, file.Contracts, "orders")
	assert.Contains(t, file.Contracts, "billing")
}

func TestRebuildFromMetadataObjects(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	r := newTestRegistry(t, b)

	_, err := r.Upload(ctx, "orders", "a", testMeta, []byte("a"))
	require.NoError(t, err)
	_, err = r.Upload(ctx, "billing", "x", testMeta, []byte("x"))
	require.NoError(t, err)

	require.NoError(t, b.WriteObject(ctx, "orders/corrupt.json", []byte("{not json")))
	require.NoError(t, b.WriteObject(ctx, "stray/readme.txt", []byte("ignored")))
	require.NoError(t, b.DeleteObject(ctx, IndexKey))

	rebuilt := newTestRegistry(t, b)
	assert.Equal(t, int64(1), rebuilt.counter(t, "registry.index.rebuilds"))

	all := rebuilt.ListAll(ctx)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all["orders"][0].ProgramID)
	assert.Equal(t, "x", all["billing"][0].ProgramID)

	// The rebuilt index is persisted; the next start loads it directly.
	file := readIndexFile(t, b)
	assert.Len(t, file.Contracts, 2)
	again := newTestRegistry(t, b)
	assert.Equal(t, int64(0), again.counter(t, "registry.index.rebuilds"))
	assert.Equal(t, all, again.ListAll(ctx))

	data, ok, err := again.Download(ctx, "orders", "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", string(data))
}

func TestCorruptIndexIsFatal(t *testing.T) {
	b := newTestBackend(t)
	require.NoError(t, b.WriteObject(context.Background(), IndexKey, []byte("{broken")))

	_, err := New(context.Background(), b, zerolog.Nop())
	assert.ErrorIs(t, err, services.ErrCorruptIndex)
}

func TestIndexWithoutContractsIsFatal(t *testing.T) {
	ctx := context.Background()
	for _, doc := range []string{`null`, `{}`, `{"contracts":null}`} {
		t.Run(doc, func(t *testing.T) {
			b := newTestBackend(t)
			r := newTestRegistry(t, b)
			_, err := r.Upload(ctx, "orders", "a", testMeta, []byte("a"))
			require.NoError(t, err)
			require.NoError(t, b.WriteObject(ctx, IndexKey, []byte(doc)))

			_, err = New(ctx, b, zerolog.Nop())
			assert.ErrorIs(t, err, services.ErrCorruptIndex)

			stored, err := b.ReadObject(ctx, IndexKey)
			require.NoError(t, err)
			assert.Equal(t, doc, string(stored))
		})
	}
}

func TestCacheEvictionFallsBackToBackend(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, newTestBackend(t))

	for _, id := range []string{"p1", "p2", "p3"} {
		_, err := r.Upload(ctx, "orders", id, testMeta, []byte("bytes-"+id))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"p3", "p2"}, r.Cache().Programs("orders"))

	for _, id := range []string{"p3", "p2"} {
		_, ok, err := r.Download(ctx, "orders", id)
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Equal(t, int64(2), r.counter(t, "registry.cache.hits"))
	assert.Equal(t, int64(0), r.counter(t, "registry.cache.misses"))

	data, ok, err := r.Download(ctx, "orders", "p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "bytes-p1", string(data))
	assert.Equal(t, int64(1), r.counter(t, "registry.cache.misses"))
	assert.Equal(t, []string{"p1", "p2"}, r.Cache().Programs("orders"))

	_, _, err = r.Download(ctx, "orders", "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), r.counter(t, "registry.cache.hits"))
	assert.Equal(t, int64(4), r.counter(t, "registry.requests", "op", "download"))
}

func TestConcurrentOperations(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	r := newTestRegistry(t, b)

	const contracts, programs = 4, 8
	var wg sync.WaitGroup
	for c := 0; c < contracts; c++ {
		for p := 0; p < programs; p++ {
			wg.Add(1)
			go func(contract, id string) {
				defer wg.Done()
				_, err := r.Upload(ctx, contract, id, testMeta, []byte(contract+"/"+id))
				assert.NoError(t, err)
				data, ok, err := r.Download(ctx, contract, id)
				assert.NoError(t, err)
				assert.True(t, ok)
				assert.Equal(t, contract+"/"+id, string(data))
				r.ListAll(ctx)
			}(fmt.Sprintf("c%d", c), fmt.Sprintf("p%d", p))
		}
	}
	wg.Wait()

	n, total := r.Index().Counts()
	assert.Equal(t, contracts, n)
	assert.Equal(t, contracts*programs, total)

	// Persisting happens outside the lock, so rewrite once to settle the
	// last-writer race before reloading.
	data, err := r.Index().Marshal()
	require.NoError(t, err)
	require.NoError(t, b.WriteObject(ctx, IndexKey, data))
	reloaded := newTestRegistry(t, b)
	assert.Equal(t, r.ListAll(ctx), reloaded.ListAll(ctx))
}

type faultyBackend struct {
	services.StorageBackend
	failWrite  string
	failDelete string
	failRead   bool
}

var errInjected = errors.New("injected failure")

func (f *faultyBackend) WriteObject(ctx context.Context, key string, data []byte) error {
	if f.failWrite != "" && (key == f.failWrite || filepath.Ext(key) == f.failWrite) {
		return errInjected
	}
	return f.StorageBackend.WriteObject(ctx, key, data)
}

func (f *faultyBackend) DeleteObject(ctx context.Context, key string) error {
	if f.failDelete != "" && filepath.Ext(key) == f.failDelete {
		return errInjected
	}
	return f.StorageBackend.DeleteObject(ctx, key)
}

func (f *faultyBackend) ReadObject(ctx context.Context, key string) ([]byte, error) {
	if f.failRead && key != IndexKey {
		return nil, errInjected
	}
	return f.StorageBackend.ReadObject(ctx, key)
}

func TestBackendErrorsPropagate(t *testing.T) {
	ctx := context.Background()
	fb := &faultyBackend{StorageBackend: newTestBackend(t)}
	r := newTestRegistry(t, fb)

	fb.failWrite = ".elf"
	_, err := r.Upload(ctx, "orders", "a", testMeta, []byte("a"))
	assert.ErrorIs(t, err, errInjected)
	_, ok := r.ListContract(ctx, "orders")
	assert.False(t, ok, "index must not change when the binary write fails")

	fb.failWrite = ".json"
	_, err = r.Upload(ctx, "orders", "a", testMeta, []byte("a"))
	assert.ErrorIs(t, err, errInjected)
	_, ok = r.ListContract(ctx, "orders")
	assert.False(t, ok)

	fb.failWrite = ""
	_, err = r.Upload(ctx, "orders", "a", testMeta, []byte("a"))
	require.NoError(t, err)

	fb.failDelete = ".json"
	_, err = r.DeleteProgram(ctx, "orders", "a")
	assert.ErrorIs(t, err, errInjected)
	_, err = r.DeleteContract(ctx, "orders")
	assert.ErrorIs(t, err, errInjected)
	_, ok = r.ListContract(ctx, "orders")
	assert.True(t, ok)

	fb.failDelete = ""
	fb.failRead = true
	r.Cache().RemoveContract("orders")
	_, _, err = r.Download(ctx, "orders", "a")
	assert.ErrorIs(t, err, errInjected)
}

func TestUploadTimestampUsesClock(t *testing.T) {
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, err := New(context.Background(), newTestBackend(t), zerolog.Nop(), WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)

	entry, err := svc.Upload(context.Background(), "orders", "a", testMeta, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "2025-03-01T12:00:00Z", entry.UploadedAt)
}
