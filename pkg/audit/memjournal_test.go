package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TrigintaFaces/excalibur/pkg/audit"
)

// Scenario 2 (spec §8): append 100 events, tamper with event #50's
// metadata in-place, and verify that verifyChain catches it and
// identifies the tampered event by id.
func TestAuditChainDetectsTampering(t *testing.T) {
	j := audit.NewMemoryJournal()
	ctx := context.Background()

	ids := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		id, err := j.Append(ctx, audit.Event{
			EventType: audit.EventDataModification,
			Action:    "Order.Create",
			Outcome:   audit.OutcomeSuccess,
			ActorID:   "u1",
			TenantID:  "tenant-1",
			Metadata:  map[string]string{"n": "v"},
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	tampered, err := j.GetByID(ctx, "tenant-1", ids[49])
	require.NoError(t, err)
	require.NotNil(t, tampered)
	tampered.Metadata["n"] = "tampered"
	require.NoError(t, tamperInPlace(j, ctx, "tenant-1", *tampered))

	start := time.Now().Add(-time.Hour)
	end := time.Now().Add(time.Hour)
	result, err := j.VerifyChain(ctx, "tenant-1", start, end)
	require.NoError(t, err)

	assert.False(t, result.IsValid)
	assert.Equal(t, ids[49], result.FirstViolationEventID)
	assert.GreaterOrEqual(t, result.ViolationCount, 1)
}

// tamperInPlace overwrites the stored copy of ev without touching the
// hash chain fields, simulating out-of-band storage corruption. Test
// support only; production code never mutates a persisted event.
func tamperInPlace(j *audit.MemoryJournal, ctx context.Context, tenantID string, ev audit.Event) error {
	return j.TamperForTest(tenantID, ev)
}

func TestAuditChainValidWhenUntampered(t *testing.T) {
	j := audit.NewMemoryJournal()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := j.Append(ctx, audit.Event{
			EventType: audit.EventSystem,
			Action:    "noop",
			Outcome:   audit.OutcomeSuccess,
			ActorID:   "svc",
			TenantID:  "tenant-2",
		})
		require.NoError(t, err)
	}

	result, err := j.VerifyChain(ctx, "tenant-2", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, int64(10), result.EventsVerified)
}

func TestQueryPaginationAndSortDefaults(t *testing.T) {
	j := audit.NewMemoryJournal()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := j.Append(ctx, audit.Event{
			EventType: audit.EventSystem,
			Action:    "tick",
			Outcome:   audit.OutcomeSuccess,
			ActorID:   "svc",
			TenantID:  "tenant-3",
		})
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	events, err := j.Query(ctx, audit.Query{TenantID: "tenant-3"})
	require.NoError(t, err)
	require.Len(t, events, 5)
	assert.Equal(t, int64(5), events[0].SequenceNumber, "default sort is descending by timestamp")
}
