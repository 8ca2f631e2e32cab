package auditexport_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TrigintaFaces/excalibur/pkg/auditexport"
)

func TestS3ArchiverUploadKeysByTenantAndChecksum(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_REGION", "us-east-1")

	var capturedPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	archiver, err := auditexport.NewS3Archiver(context.Background(), auditexport.S3ArchiverConfig{
		Bucket:   "evidence",
		Region:   "us-east-1",
		Endpoint: server.URL,
		Prefix:   "packs/",
	})
	require.NoError(t, err)

	pack := &auditexport.Pack{Bytes: []byte("zip-contents"), Checksum: "abc123"}

	key, err := archiver.Upload(context.Background(), "tenant-1", pack)
	require.NoError(t, err)
	assert.Contains(t, key, "packs/tenant-1/abc123-")
	assert.Contains(t, capturedPath, "tenant-1")
	assert.Contains(t, capturedPath, "abc123")
}
