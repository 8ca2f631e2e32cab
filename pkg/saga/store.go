package saga

import (
	"context"
	"time"
)

// Store persists saga State with optimistic concurrency on Version
// (spec §4.6). Implementations: Memory (tests, default), SQLite
// (single-node deployments, SPEC_FULL §4.6).
type Store interface {
	// Save persists state. state.Version must be exactly one more than
	// the currently stored version (or 1 for a saga not yet stored);
	// otherwise Save returns excerrors.ErrConcurrencyConflict and
	// leaves the stored row unchanged (spec §4.6 invariant a).
	Save(ctx context.Context, state *State) error

	GetByID(ctx context.Context, sagaID string) (*State, error)
	GetByCorrelation(ctx context.Context, sagaType, correlationKey string) (*State, error)
	Delete(ctx context.Context, sagaID string) (bool, error)

	// CountByStatus returns the number of sagas in each status, for
	// monitoring (spec §4.6).
	CountByStatus(ctx context.Context) (map[Status]int, error)

	// StuckSagas returns Running sagas whose LastUpdatedAt is older
	// than olderThan.
	StuckSagas(ctx context.Context, olderThan time.Duration) ([]*State, error)

	// AverageCompletionTime returns the mean duration between
	// CreatedAt and LastUpdatedAt for sagas completed within window,
	// or 0 if none completed in the window.
	AverageCompletionTime(ctx context.Context, window time.Duration) (time.Duration, error)
}

// TimeoutStore persists the saga timeout table (spec §4.6, §4.8).
type TimeoutStore interface {
	Schedule(ctx context.Context, t *Timeout) error

	// Cancel deletes a pending timeout. Cancelling an already-delivered
	// timeout is a no-op that returns success (spec §4.6 invariant b).
	Cancel(ctx context.Context, sagaID, timeoutID string) error

	// CancelAll deletes every pending timeout for sagaID.
	CancelAll(ctx context.Context, sagaID string) error

	// MarkDelivered sets DeliveredAt on timeoutID if not already set.
	// Idempotent (spec §4.6 invariant c).
	MarkDelivered(ctx context.Context, timeoutID string, deliveredAt time.Time) error

	// PollDue returns up to limit timeouts with DueAt <= now and
	// DeliveredAt == nil, ordered by DueAt ascending (spec §5: "saga
	// timeouts are delivered in non-decreasing dueAt order per saga").
	PollDue(ctx context.Context, now time.Time, limit int) ([]*Timeout, error)

	// IncrementAttempts records a failed delivery attempt and reschedules
	// the row's DueAt to nextAttemptAt, so the next PollDue only returns
	// it once the exponential backoff window has elapsed (spec §4.8:
	// "retried with exponential backoff up to maxAttempts"). Returns the
	// new attempt count.
	IncrementAttempts(ctx context.Context, timeoutID string, nextAttemptAt time.Time) (int, error)
}
