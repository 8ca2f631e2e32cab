package saga_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/TrigintaFaces/excalibur/pkg/excerrors"
	"github.com/TrigintaFaces/excalibur/pkg/saga"
)

func openSQLiteStore(t *testing.T) *saga.SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := saga.NewSQLiteStore(db)
	require.NoError(t, err)
	return store
}

func TestSQLiteStoreSaveAndGetByID(t *testing.T) {
	store := openSQLiteStore(t)
	now := time.Now().UTC()

	state := &saga.State{
		SagaID:        "saga-1",
		SagaType:      "order",
		Status:        saga.StatusRunning,
		Payload:       []byte(`{"a":1}`),
		Version:       1,
		CreatedAt:     now,
		LastUpdatedAt: now,
		StepHistory: []saga.StepRecord{
			{StepName: "Reserve", StartedAt: now, CompletedAt: &now, Outcome: saga.OutcomeCompleted},
		},
	}

	require.NoError(t, store.Save(context.Background(), state))

	loaded, err := store.GetByID(context.Background(), "saga-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "order", loaded.SagaType)
	assert.Equal(t, saga.StatusRunning, loaded.Status)
	require.Len(t, loaded.StepHistory, 1)
	assert.Equal(t, "Reserve", loaded.StepHistory[0].StepName)
}

func TestSQLiteStoreSaveDetectsStaleVersion(t *testing.T) {
	store := openSQLiteStore(t)
	now := time.Now().UTC()

	require.NoError(t, store.Save(context.Background(), &saga.State{
		SagaID: "saga-2", SagaType: "order", Status: saga.StatusRunning,
		Version: 1, CreatedAt: now, LastUpdatedAt: now,
	}))

	err := store.Save(context.Background(), &saga.State{
		SagaID: "saga-2", SagaType: "order", Status: saga.StatusRunning,
		Version: 3, CreatedAt: now, LastUpdatedAt: now,
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, excerrors.ErrConcurrencyConflict)
}

func TestSQLiteStoreGetByCorrelation(t *testing.T) {
	store := openSQLiteStore(t)
	now := time.Now().UTC()

	require.NoError(t, store.Save(context.Background(), &saga.State{
		SagaID: "saga-3", SagaType: "order", Status: saga.StatusRunning,
		CorrelationKey: "corr-1", Version: 1, CreatedAt: now, LastUpdatedAt: now,
	}))

	loaded, err := store.GetByCorrelation(context.Background(), "order", "corr-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "saga-3", loaded.SagaID)

	missing, err := store.GetByCorrelation(context.Background(), "order", "no-such-key")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLiteStoreDelete(t *testing.T) {
	store := openSQLiteStore(t)
	now := time.Now().UTC()

	require.NoError(t, store.Save(context.Background(), &saga.State{
		SagaID: "saga-4", SagaType: "order", Status: saga.StatusCompleted,
		Version: 1, CreatedAt: now, LastUpdatedAt: now,
	}))

	deleted, err := store.Delete(context.Background(), "saga-4")
	require.NoError(t, err)
	assert.True(t, deleted)

	loaded, err := store.GetByID(context.Background(), "saga-4")
	require.NoError(t, err)
	assert.Nil(t, loaded)

	deletedAgain, err := store.Delete(context.Background(), "saga-4")
	require.NoError(t, err)
	assert.False(t, deletedAgain)
}

func TestSQLiteStoreCountByStatusAndStuckSagas(t *testing.T) {
	store := openSQLiteStore(t)
	old := time.Now().UTC().Add(-time.Hour)
	recent := time.Now().UTC()

	require.NoError(t, store.Save(context.Background(), &saga.State{
		SagaID: "stuck-1", SagaType: "order", Status: saga.StatusRunning,
		Version: 1, CreatedAt: old, LastUpdatedAt: old,
	}))
	require.NoError(t, store.Save(context.Background(), &saga.State{
		SagaID: "fresh-1", SagaType: "order", Status: saga.StatusRunning,
		Version: 1, CreatedAt: recent, LastUpdatedAt: recent,
	}))

	counts, err := store.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, counts[saga.StatusRunning])

	stuck, err := store.StuckSagas(context.Background(), 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "stuck-1", stuck[0].SagaID)
}

func TestSQLiteStoreAverageCompletionTime(t *testing.T) {
	store := openSQLiteStore(t)
	created := time.Now().UTC().Add(-time.Minute)
	completed := time.Now().UTC()

	require.NoError(t, store.Save(context.Background(), &saga.State{
		SagaID: "done-1", SagaType: "order", Status: saga.StatusCompleted,
		Version: 1, CreatedAt: created, LastUpdatedAt: completed,
	}))

	avg, err := store.AverageCompletionTime(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.InDelta(t, time.Minute.Seconds(), avg.Seconds(), 2)
}

func TestSQLiteStoreAverageCompletionTimeEmptyWindowIsZero(t *testing.T) {
	store := openSQLiteStore(t)
	old := time.Now().UTC().Add(-2 * time.Hour)

	require.NoError(t, store.Save(context.Background(), &saga.State{
		SagaID: "done-old", SagaType: "order", Status: saga.StatusCompleted,
		Version: 1, CreatedAt: old.Add(-time.Minute), LastUpdatedAt: old,
	}))

	avg, err := store.AverageCompletionTime(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), avg)
}
