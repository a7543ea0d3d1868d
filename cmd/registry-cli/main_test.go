package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elfregistry/registry/internal/adapters/auth"
	"github.com/elfregistry/registry/internal/adapters/storage"
	"github.com/elfregistry/registry/internal/api/handlers"
	"github.com/elfregistry/registry/internal/core/registry"
	"github.com/elfregistry/registry/internal/util/hashing"
)

const testKey = "cli-key"

func startServer(t *testing.T) string {
	t.Helper()
	backend, err := storage.NewLocalBackend(filepath.Join(t.TempDir(), "registry"))
	require.NoError(t, err)
	svc, err := registry.New(context.Background(), backend, zerolog.Nop())
	require.NoError(t, err)
	h := handlers.New(svc, auth.NewAPIKeyAuth([]string{testKey}), zerolog.Nop(), handlers.Options{})
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv.URL
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd(&stdout, &stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func TestCLI_PushListPullDelete(t *testing.T) {
	url := startServer(t)
	dir := t.TempDir()
	elf := filepath.Join(dir, "prog.elf")
	require.NoError(t, os.WriteFile(elf, []byte("\x7fELF-binary"), 0o644))

	out, err := runCLI(t, "--server", url, "--api-key", testKey,
		"push", "orders", "v1", elf, "--toolchain", "rust-1.80", "--commit", "abc", "--zkvm", "sp1")
	require.NoError(t, err)
	assert.Contains(t, out, "Pushed orders/v1")
	assert.Contains(t, out, hashing.SumHex([]byte("\x7fELF-binary")))

	out, err = runCLI(t, "--server", url, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "orders")
	assert.Contains(t, out, "rust-1.80")

	target := filepath.Join(dir, "out", "prog.elf")
	out, err = runCLI(t, "--server", url, "pull", "orders", "v1", "-o", target)
	require.NoError(t, err)
	assert.Contains(t, out, "SHA256:")
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x7fELF-binary"), data)
	_, err = os.Stat(target + ".part")
	assert.True(t, os.IsNotExist(err))

	_, err = runCLI(t, "--server", url, "--api-key", testKey, "delete", "orders", "v1")
	require.NoError(t, err)

	_, err = runCLI(t, "--server", url, "pull", "orders", "v1", "-o", target+"2")
	assert.Error(t, err)
	_, err = os.Stat(target + "2.part")
	assert.True(t, os.IsNotExist(err))
}

func TestCLI_PushSP1UsesHexVerifyingKey(t *testing.T) {
	url := startServer(t)
	dir := t.TempDir()
	elf := filepath.Join(dir, "prog.elf")
	vk := filepath.Join(dir, "vk.bin")
	require.NoError(t, os.WriteFile(elf, []byte("elf"), 0o644))
	require.NoError(t, os.WriteFile(vk, []byte{0xde, 0xad}, 0o644))

	out, err := runCLI(t, "--server", url, "--api-key", testKey,
		"push-sp1", "bridge", elf, vk, "--toolchain", "t", "--commit", "c")
	require.NoError(t, err)
	assert.Contains(t, out, "Pushed bridge/dead")
	assert.Contains(t, out, "zkVM:     sp1")

	_, err = runCLI(t, "--server", url, "--api-key", testKey, "delete-contract", "bridge")
	require.NoError(t, err)

	out, err = runCLI(t, "--server", url, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No programs found.")
}

func TestCLI_PushRequiresAPIKey(t *testing.T) {
	t.Setenv("REGISTRY_API_KEY", "")
	_, err := runCLI(t, "--server", "http://127.0.0.1:1",
		"push", "orders", "v1", "missing.elf", "--toolchain", "t", "--commit", "c", "--zkvm", "sp1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api-key")
}

func TestCLI_APIKeyFromEnv(t *testing.T) {
	url := startServer(t)
	t.Setenv("REGISTRY_API_KEY", testKey)
	t.Setenv("REGISTRY_URL", url)
	dir := t.TempDir()
	elf := filepath.Join(dir, "prog.elf")
	image := filepath.Join(dir, "image_id.txt")
	require.NoError(t, os.WriteFile(elf, []byte("elf"), 0o644))
	require.NoError(t, os.WriteFile(image, []byte("  abc123\n"), 0o644))

	out, err := runCLI(t, "push-risc0", "vault", elf, image, "--toolchain", "t", "--commit", "c")
	require.NoError(t, err)
	assert.Contains(t, out, "Pushed vault/abc123")
	assert.Contains(t, out, "risc0")
}
