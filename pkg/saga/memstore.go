package saga

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/TrigintaFaces/excalibur/pkg/excerrors"
)

// MemoryStore is an in-memory Store and TimeoutStore, the reference
// implementation used by the coordinator's own tests and as the
// default for single-process deployments (SPEC_FULL §4.6).
type MemoryStore struct {
	mu sync.Mutex

	byID          map[string]*State
	byCorrelation map[string]string // sagaType|correlationKey -> sagaID

	timeouts map[string]*Timeout
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:          make(map[string]*State),
		byCorrelation: make(map[string]string),
		timeouts:      make(map[string]*Timeout),
	}
}

func correlationKey(sagaType, key string) string { return sagaType + "|" + key }

// Save implements Store.
func (m *MemoryStore) Save(ctx context.Context, state *State) error {
	if state == nil || state.SagaID == "" {
		return excerrors.ErrArgumentInvalid
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.byID[state.SagaID]
	switch {
	case ok && existing.Version != state.Version-1:
		return fmt.Errorf("%w: saga %q has version %d, save expected to follow %d",
			excerrors.ErrConcurrencyConflict, state.SagaID, existing.Version, state.Version-1)
	case !ok && state.Version != 1:
		return fmt.Errorf("%w: saga %q not found, cannot save at version %d",
			excerrors.ErrConcurrencyConflict, state.SagaID, state.Version)
	}

	cp := *state
	cp.StepHistory = append([]StepRecord(nil), state.StepHistory...)
	m.byID[state.SagaID] = &cp
	if state.CorrelationKey != "" {
		m.byCorrelation[correlationKey(state.SagaType, state.CorrelationKey)] = state.SagaID
	}
	return nil
}

// GetByID implements Store.
func (m *MemoryStore) GetByID(ctx context.Context, sagaID string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[sagaID]
	if !ok {
		return nil, nil
	}
	cp := *s
	cp.StepHistory = append([]StepRecord(nil), s.StepHistory...)
	return &cp, nil
}

// GetByCorrelation implements Store.
func (m *MemoryStore) GetByCorrelation(ctx context.Context, sagaType, key string) (*State, error) {
	m.mu.Lock()
	id, ok := m.byCorrelation[correlationKey(sagaType, key)]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return m.GetByID(ctx, id)
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, sagaID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[sagaID]
	if !ok {
		return false, nil
	}
	delete(m.byID, sagaID)
	if s.CorrelationKey != "" {
		delete(m.byCorrelation, correlationKey(s.SagaType, s.CorrelationKey))
	}
	return true, nil
}

// CountByStatus implements Store.
func (m *MemoryStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Status]int)
	for _, s := range m.byID {
		out[s.Status]++
	}
	return out, nil
}

// StuckSagas implements Store.
func (m *MemoryStore) StuckSagas(ctx context.Context, olderThan time.Duration) ([]*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	var out []*State
	for _, s := range m.byID {
		if s.Status == StatusRunning && s.LastUpdatedAt.Before(cutoff) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUpdatedAt.Before(out[j].LastUpdatedAt) })
	return out, nil
}

// AverageCompletionTime implements Store.
func (m *MemoryStore) AverageCompletionTime(ctx context.Context, window time.Duration) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-window)
	var total time.Duration
	var count int
	for _, s := range m.byID {
		if s.Status == StatusCompleted && s.LastUpdatedAt.After(cutoff) {
			total += s.LastUpdatedAt.Sub(s.CreatedAt)
			count++
		}
	}
	if count == 0 {
		return 0, nil
	}
	return total / time.Duration(count), nil
}

// Schedule implements TimeoutStore.
func (m *MemoryStore) Schedule(ctx context.Context, t *Timeout) error {
	if t == nil || t.TimeoutID == "" {
		return excerrors.ErrArgumentInvalid
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.timeouts[t.TimeoutID] = &cp
	return nil
}

// Cancel implements TimeoutStore.
func (m *MemoryStore) Cancel(ctx context.Context, sagaID, timeoutID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timeouts[timeoutID]
	if !ok {
		return nil
	}
	if t.DeliveredAt != nil {
		// already delivered: cancellation is a no-op success (invariant b)
		return nil
	}
	if t.SagaID != sagaID {
		return nil
	}
	delete(m.timeouts, timeoutID)
	return nil
}

// CancelAll implements TimeoutStore.
func (m *MemoryStore) CancelAll(ctx context.Context, sagaID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.timeouts {
		if t.SagaID == sagaID && t.DeliveredAt == nil {
			delete(m.timeouts, id)
		}
	}
	return nil
}

// MarkDelivered implements TimeoutStore.
func (m *MemoryStore) MarkDelivered(ctx context.Context, timeoutID string, deliveredAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timeouts[timeoutID]
	if !ok {
		return fmt.Errorf("saga: timeout %q not found", timeoutID)
	}
	if t.DeliveredAt != nil {
		return nil // idempotent (invariant c)
	}
	at := deliveredAt.UTC()
	t.DeliveredAt = &at
	return nil
}

// PollDue implements TimeoutStore.
func (m *MemoryStore) PollDue(ctx context.Context, now time.Time, limit int) ([]*Timeout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Timeout
	for _, t := range m.timeouts {
		if t.DeliveredAt == nil && !t.DueAt.After(now) {
			cp := *t
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].DueAt.Equal(due[j].DueAt) {
			return due[i].DueAt.Before(due[j].DueAt)
		}
		return due[i].TimeoutID < due[j].TimeoutID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// IncrementAttempts implements TimeoutStore.
func (m *MemoryStore) IncrementAttempts(ctx context.Context, timeoutID string, nextAttemptAt time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timeouts[timeoutID]
	if !ok {
		return 0, fmt.Errorf("saga: timeout %q not found", timeoutID)
	}
	t.Attempts++
	t.DueAt = nextAttemptAt.UTC()
	return t.Attempts, nil
}
