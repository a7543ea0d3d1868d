package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elfregistry/registry/internal/core/services"
)

type failingBackend struct {
	services.StorageBackend
}

func (failingBackend) WriteObject(context.Context, string, []byte) error {
	return errors.New("disk on fire")
}

func TestTrace_PassesThrough(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	b := Trace(newTestLocal(t), logger)

	assert.Equal(t, "local", b.Name())
	exerciseBackend(t, b)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "storage call", first["message"])
	assert.Equal(t, "read", first["op"])
	assert.Equal(t, true, first["not_found"])
	assert.Equal(t, "local", first["backend"])
}

func TestTrace_LogsFailures(t *testing.T) {
	var buf bytes.Buffer
	b := Trace(failingBackend{newTestLocal(t)}, zerolog.New(&buf).Level(zerolog.WarnLevel))

	err := b.WriteObject(context.Background(), "orders/a.elf", []byte("x"))
	require.Error(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "disk on fire", entry["error"])
	assert.Equal(t, "write", entry["op"])
}
