package auditexport

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/TrigintaFaces/excalibur/pkg/audit"
	"github.com/TrigintaFaces/excalibur/pkg/canonicalize"
)

// PackRequest describes the events to bundle into a cold-storage
// evidence pack (spec §4.10; grounded on the teacher's
// audit.ExportRequest).
type PackRequest struct {
	TenantID  string
	StartTime time.Time
	EndTime   time.Time
}

// Pack is a zip+manifest bundle of queried audit events, content
// addressed by its own SHA-256 checksum.
type Pack struct {
	Bytes    []byte
	Checksum string
}

// GeneratePack queries journal for req's range and tenant and produces
// a zip containing events.json, manifest.json and README.txt,
// mirroring the teacher's audit.Exporter.GeneratePack.
func GeneratePack(ctx context.Context, journal audit.Journal, req PackRequest) (*Pack, error) {
	if req.TenantID == "" {
		return nil, fmt.Errorf("auditexport: tenant id must not be empty")
	}
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, fmt.Errorf("auditexport: start_time must be before end_time")
	}

	q := audit.Query{TenantID: req.TenantID, SortAscending: true, MaxResults: 1 << 30}
	if !req.StartTime.IsZero() {
		start := req.StartTime
		q.StartDate = &start
	}
	if !req.EndTime.IsZero() {
		end := req.EndTime
		q.EndDate = &end
	}

	events, err := journal.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("auditexport: query events: %w", err)
	}

	eventsJSON, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, err
	}

	chainHead := ""
	if len(events) > 0 {
		chainHead = events[len(events)-1].EventHash
	}

	manifest := map[string]any{
		"tenantId":    req.TenantID,
		"generatedAt": time.Now().UTC(),
		"eventCount":  len(events),
		"chainHead":   chainHead,
		"period": map[string]any{
			"start": req.StartTime,
			"end":   req.EndTime,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("auditexport: marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	if err := writeZipFile(w, "events.json", eventsJSON); err != nil {
		return nil, err
	}
	if err := writeZipFile(w, "manifest.json", manifestJSON); err != nil {
		return nil, err
	}
	readme := fmt.Sprintf("Evidence pack for tenant %s\nGenerated at %s\n", req.TenantID, time.Now().UTC())
	if err := writeZipFile(w, "README.txt", []byte(readme)); err != nil {
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}

	zipBytes := buf.Bytes()
	return &Pack{Bytes: zipBytes, Checksum: canonicalize.HashBytes(zipBytes)}, nil
}

func writeZipFile(w *zip.Writer, name string, data []byte) error {
	f, err := w.Create(name)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	return err
}
