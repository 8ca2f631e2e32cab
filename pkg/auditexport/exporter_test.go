package auditexport_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TrigintaFaces/excalibur/pkg/audit"
	"github.com/TrigintaFaces/excalibur/pkg/auditexport"
)

// Scenario 4 (spec §8): exportBatch([e1,e2,e3]) against a backend
// returning 403 (permanent, not in the transient status set) must not
// retry and must fail all three events in one request.
func TestExportBatchPartialFailureIsPermanentNoRetry(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	exp := auditexport.New(srv.URL, "Splunk token-abc")
	events := []audit.Event{
		{EventID: "e1", TenantID: "t1"},
		{EventID: "e2", TenantID: "t1"},
		{EventID: "e3", TenantID: "t1"},
	}

	result := exp.ExportBatch(context.Background(), events)

	assert.Equal(t, 3, result.TotalCount)
	assert.Equal(t, 0, result.SuccessCount)
	assert.Equal(t, 3, result.FailedCount)
	assert.ElementsMatch(t, []string{"e1", "e2", "e3"}, result.FailedEventIDs)
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests), "403 is permanent; must not retry")
}

func TestExportRetriesTransientStatusThenSucceeds(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&requests, 1)
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exp := auditexport.New(srv.URL, "Bearer token")
	result := exp.Export(context.Background(), audit.Event{EventID: "e1", TenantID: "t1"})

	require.True(t, result.Success)
	assert.Equal(t, int32(2), atomic.LoadInt32(&requests))
}

func TestCheckHealthAcceptsMethodNotAllowedAsHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer srv.Close()

	exp := auditexport.New(srv.URL, "Bearer token")
	health := exp.CheckHealth(context.Background())
	assert.True(t, health.IsHealthy)
}
