package storage

import (
	"net/http/httptest"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/stretchr/testify/require"
)

const fakeBucket = "registry-test"

// setupFakeS3 starts an in-memory S3 server with one empty bucket.
func setupFakeS3(t *testing.T) *httptest.Server {
	t.Helper()
	backend := s3mem.New()
	server := httptest.NewServer(gofakes3.New(backend).Server())
	t.Cleanup(server.Close)
	require.NoError(t, backend.CreateBucket(fakeBucket))
	return server
}
