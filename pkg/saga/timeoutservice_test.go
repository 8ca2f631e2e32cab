package saga_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TrigintaFaces/excalibur/pkg/clock"
	"github.com/TrigintaFaces/excalibur/pkg/envelope"
	"github.com/TrigintaFaces/excalibur/pkg/saga"
)

// Scenario 5 (spec §8): a timeout due at T=0 fails transiently on the
// first delivery attempt and succeeds on the second, once the
// exponential backoff window has elapsed; DeliveredAt is set exactly
// once and a further poll delivers nothing more.
func TestTimeoutRedeliveryOnTransientFailure(t *testing.T) {
	store := saga.NewMemoryStore()
	now := time.Now().UTC()
	require.NoError(t, store.Schedule(context.Background(), &saga.Timeout{
		TimeoutID: "t-1", SagaID: "saga-1", DueAt: now.Add(-time.Second),
		MessageType: "reminder", SerializedPayload: []byte(`{}`),
	}))

	var attempt int64
	dispatch := func(ctx context.Context, msg *envelope.Message, mctx *envelope.Context) error {
		n := atomic.AddInt64(&attempt, 1)
		if n == 1 {
			return errors.New("transient: upstream unavailable")
		}
		return nil
	}
	factory := saga.JSONMessageFactory(map[string]func() any{
		"reminder": func() any { return &struct{}{} },
	})

	fc := &clock.Fixed{At: now}
	svc := saga.NewTimeoutService(store, factory, dispatch,
		saga.WithClock(fc), saga.WithBackoffBase(time.Second))

	svc.PollOnce(context.Background())
	due, _ := store.PollDue(context.Background(), fc.At, 10)
	assert.Len(t, due, 0, "first delivery failed transiently; row is rescheduled behind a backoff window, not immediately due")

	// Still inside the backoff window: the row must not be redelivered yet.
	svc.PollOnce(context.Background())
	assert.Equal(t, int64(1), atomic.LoadInt64(&attempt), "poll inside the backoff window must not redeliver")

	// Advance past base*2^0 + jitter (the first retry's delay) and poll again.
	fc.At = fc.At.Add(3 * time.Second)
	svc.PollOnce(context.Background())
	due, _ = store.PollDue(context.Background(), fc.At, 10)
	assert.Len(t, due, 0, "second delivery succeeded; row must no longer be due")

	svc.PollOnce(context.Background())
	due, _ = store.PollDue(context.Background(), fc.At, 10)
	assert.Len(t, due, 0, "redelivered timeout must not reappear on a further poll")
	assert.Equal(t, int64(2), atomic.LoadInt64(&attempt))
}
