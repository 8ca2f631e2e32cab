package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTimeoutStore is a TimeoutStore backed by a Redis sorted set
// keyed by DueAt (unix-nanosecond score), for the high-throughput
// timeout-polling path (SPEC_FULL §4.6), the same client the teacher's
// token-bucket limiter uses for atomic state.
type RedisTimeoutStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisTimeoutStore returns a RedisTimeoutStore using keyPrefix to
// namespace its sorted set and hash keys (default "saga:timeouts" if empty).
func NewRedisTimeoutStore(client *redis.Client, keyPrefix string) *RedisTimeoutStore {
	if keyPrefix == "" {
		keyPrefix = "saga:timeouts"
	}
	return &RedisTimeoutStore{client: client, keyPrefix: keyPrefix}
}

func (r *RedisTimeoutStore) dueSetKey() string   { return r.keyPrefix + ":due" }
func (r *RedisTimeoutStore) rowKey(id string) string { return r.keyPrefix + ":row:" + id }
func (r *RedisTimeoutStore) sagaSetKey(sagaID string) string { return r.keyPrefix + ":saga:" + sagaID }

type redisTimeoutRow struct {
	TimeoutID         string     `json:"timeoutId"`
	SagaID            string     `json:"sagaId"`
	DueAt             time.Time  `json:"dueAt"`
	MessageType       string     `json:"messageType"`
	SerializedPayload []byte     `json:"serializedPayload"`
	DeliveredAt       *time.Time `json:"deliveredAt,omitempty"`
	Attempts          int        `json:"attempts"`
}

func toRow(t *Timeout) redisTimeoutRow {
	return redisTimeoutRow{
		TimeoutID: t.TimeoutID, SagaID: t.SagaID, DueAt: t.DueAt,
		MessageType: t.MessageType, SerializedPayload: t.SerializedPayload,
		DeliveredAt: t.DeliveredAt, Attempts: t.Attempts,
	}
}

func (r redisTimeoutRow) toTimeout() *Timeout {
	return &Timeout{
		TimeoutID: r.TimeoutID, SagaID: r.SagaID, DueAt: r.DueAt,
		MessageType: r.MessageType, SerializedPayload: r.SerializedPayload,
		DeliveredAt: r.DeliveredAt, Attempts: r.Attempts,
	}
}

// Schedule implements TimeoutStore.
func (r *RedisTimeoutStore) Schedule(ctx context.Context, t *Timeout) error {
	data, err := json.Marshal(toRow(t))
	if err != nil {
		return fmt.Errorf("saga: marshal timeout row: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.rowKey(t.TimeoutID), data, 0)
	pipe.ZAdd(ctx, r.dueSetKey(), redis.Z{Score: float64(t.DueAt.UnixNano()), Member: t.TimeoutID})
	pipe.SAdd(ctx, r.sagaSetKey(t.SagaID), t.TimeoutID)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("saga: schedule timeout: %w", err)
	}
	return nil
}

func (r *RedisTimeoutStore) load(ctx context.Context, timeoutID string) (*redisTimeoutRow, error) {
	data, err := r.client.Get(ctx, r.rowKey(timeoutID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("saga: get timeout row: %w", err)
	}
	var row redisTimeoutRow
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("saga: unmarshal timeout row: %w", err)
	}
	return &row, nil
}

// Cancel implements TimeoutStore.
func (r *RedisTimeoutStore) Cancel(ctx context.Context, sagaID, timeoutID string) error {
	row, err := r.load(ctx, timeoutID)
	if err != nil {
		return err
	}
	if row == nil || row.DeliveredAt != nil || row.SagaID != sagaID {
		return nil // no-op success: missing, already delivered, or mismatched saga (invariant b)
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.rowKey(timeoutID))
	pipe.ZRem(ctx, r.dueSetKey(), timeoutID)
	pipe.SRem(ctx, r.sagaSetKey(sagaID), timeoutID)
	_, err = pipe.Exec(ctx)
	return err
}

// CancelAll implements TimeoutStore.
func (r *RedisTimeoutStore) CancelAll(ctx context.Context, sagaID string) error {
	ids, err := r.client.SMembers(ctx, r.sagaSetKey(sagaID)).Result()
	if err != nil {
		return fmt.Errorf("saga: cancel all: %w", err)
	}
	for _, id := range ids {
		if err := r.Cancel(ctx, sagaID, id); err != nil {
			return err
		}
	}
	return nil
}

// MarkDelivered implements TimeoutStore.
func (r *RedisTimeoutStore) MarkDelivered(ctx context.Context, timeoutID string, deliveredAt time.Time) error {
	row, err := r.load(ctx, timeoutID)
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("saga: timeout %q not found", timeoutID)
	}
	if row.DeliveredAt != nil {
		return nil // idempotent (invariant c)
	}
	at := deliveredAt.UTC()
	row.DeliveredAt = &at

	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("saga: marshal timeout row: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.rowKey(timeoutID), data, 0)
	pipe.ZRem(ctx, r.dueSetKey(), timeoutID)
	_, err = pipe.Exec(ctx)
	return err
}

// PollDue implements TimeoutStore.
func (r *RedisTimeoutStore) PollDue(ctx context.Context, now time.Time, limit int) ([]*Timeout, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.dueSetKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixNano()),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("saga: poll due: %w", err)
	}

	out := make([]*Timeout, 0, len(ids))
	for _, id := range ids {
		row, err := r.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if row == nil || row.DeliveredAt != nil {
			continue
		}
		out = append(out, row.toTimeout())
	}
	return out, nil
}

// IncrementAttempts implements TimeoutStore. It also re-scores the row
// in the due-set sorted set to nextAttemptAt, so ZRangeByScore (PollDue)
// only surfaces it again once the exponential backoff window elapses.
func (r *RedisTimeoutStore) IncrementAttempts(ctx context.Context, timeoutID string, nextAttemptAt time.Time) (int, error) {
	row, err := r.load(ctx, timeoutID)
	if err != nil {
		return 0, err
	}
	if row == nil {
		return 0, fmt.Errorf("saga: timeout %q not found", timeoutID)
	}
	row.Attempts++
	row.DueAt = nextAttemptAt.UTC()
	data, err := json.Marshal(row)
	if err != nil {
		return 0, fmt.Errorf("saga: marshal timeout row: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.rowKey(timeoutID), data, 0)
	pipe.ZAdd(ctx, r.dueSetKey(), redis.Z{Score: float64(row.DueAt.UnixNano()), Member: timeoutID})
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("saga: persist attempts: %w", err)
	}
	return row.Attempts, nil
}
