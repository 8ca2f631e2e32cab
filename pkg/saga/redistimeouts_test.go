package saga_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TrigintaFaces/excalibur/pkg/saga"
)

func newRedisTimeoutStore(t *testing.T) *saga.RedisTimeoutStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return saga.NewRedisTimeoutStore(client, "")
}

func TestRedisTimeoutStoreScheduleAndPollDue(t *testing.T) {
	store := newRedisTimeoutStore(t)
	now := time.Now().UTC()

	require.NoError(t, store.Schedule(context.Background(), &saga.Timeout{
		TimeoutID: "t-1", SagaID: "saga-1", DueAt: now.Add(-time.Second),
		MessageType: "reminder", SerializedPayload: []byte(`{}`),
	}))
	require.NoError(t, store.Schedule(context.Background(), &saga.Timeout{
		TimeoutID: "t-2", SagaID: "saga-1", DueAt: now.Add(time.Hour),
		MessageType: "reminder", SerializedPayload: []byte(`{}`),
	}))

	due, err := store.PollDue(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "t-1", due[0].TimeoutID)
}

func TestRedisTimeoutStoreMarkDeliveredIsIdempotent(t *testing.T) {
	store := newRedisTimeoutStore(t)
	now := time.Now().UTC()

	require.NoError(t, store.Schedule(context.Background(), &saga.Timeout{
		TimeoutID: "t-3", SagaID: "saga-1", DueAt: now.Add(-time.Second),
		MessageType: "reminder", SerializedPayload: []byte(`{}`),
	}))

	require.NoError(t, store.MarkDelivered(context.Background(), "t-3", now))
	require.NoError(t, store.MarkDelivered(context.Background(), "t-3", now.Add(time.Minute)))

	due, err := store.PollDue(context.Background(), now.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestRedisTimeoutStoreCancelDeliveredIsNoOp(t *testing.T) {
	store := newRedisTimeoutStore(t)
	now := time.Now().UTC()

	require.NoError(t, store.Schedule(context.Background(), &saga.Timeout{
		TimeoutID: "t-4", SagaID: "saga-1", DueAt: now.Add(-time.Second),
		MessageType: "reminder", SerializedPayload: []byte(`{}`),
	}))
	require.NoError(t, store.MarkDelivered(context.Background(), "t-4", now))

	err := store.Cancel(context.Background(), "saga-1", "t-4")
	require.NoError(t, err)
}

func TestRedisTimeoutStoreCancelAll(t *testing.T) {
	store := newRedisTimeoutStore(t)
	now := time.Now().UTC()

	require.NoError(t, store.Schedule(context.Background(), &saga.Timeout{
		TimeoutID: "t-5", SagaID: "saga-2", DueAt: now.Add(-time.Second),
		MessageType: "reminder", SerializedPayload: []byte(`{}`),
	}))
	require.NoError(t, store.Schedule(context.Background(), &saga.Timeout{
		TimeoutID: "t-6", SagaID: "saga-2", DueAt: now.Add(-time.Second),
		MessageType: "reminder", SerializedPayload: []byte(`{}`),
	}))

	require.NoError(t, store.CancelAll(context.Background(), "saga-2"))

	due, err := store.PollDue(context.Background(), now.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestRedisTimeoutStoreIncrementAttempts(t *testing.T) {
	store := newRedisTimeoutStore(t)
	now := time.Now().UTC()

	require.NoError(t, store.Schedule(context.Background(), &saga.Timeout{
		TimeoutID: "t-7", SagaID: "saga-3", DueAt: now,
		MessageType: "reminder", SerializedPayload: []byte(`{}`),
	}))

	n, err := store.IncrementAttempts(context.Background(), "t-7", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = store.IncrementAttempts(context.Background(), "t-7", now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// the backoff reschedule must push PollDue's view of DueAt forward,
	// not just bump the attempt counter.
	due, err := store.PollDue(context.Background(), now.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "timeout rescheduled 2 minutes out must not be due yet")

	due, err = store.PollDue(context.Background(), now.Add(3*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "t-7", due[0].TimeoutID)
}
