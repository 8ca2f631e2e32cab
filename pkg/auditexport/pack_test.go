package auditexport_test

import (
	"archive/zip"
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TrigintaFaces/excalibur/pkg/audit"
	"github.com/TrigintaFaces/excalibur/pkg/auditexport"
)

func TestGeneratePackBundlesEventsManifestAndReadme(t *testing.T) {
	j := audit.NewMemoryJournal()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := j.Append(ctx, audit.Event{
			EventType: audit.EventCompliance,
			Action:    "control.check",
			Outcome:   audit.OutcomeSuccess,
			ActorID:   "svc",
			TenantID:  "tenant-1",
		})
		require.NoError(t, err)
	}

	pack, err := auditexport.GeneratePack(ctx, j, auditexport.PackRequest{TenantID: "tenant-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, pack.Checksum)

	zr, err := zip.NewReader(bytes.NewReader(pack.Bytes), int64(len(pack.Bytes)))
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	assert.True(t, names["events.json"])
	assert.True(t, names["manifest.json"])
	assert.True(t, names["README.txt"])
}

func TestGeneratePackRejectsEmptyTenant(t *testing.T) {
	j := audit.NewMemoryJournal()
	_, err := auditexport.GeneratePack(context.Background(), j, auditexport.PackRequest{})
	assert.Error(t, err)
}
