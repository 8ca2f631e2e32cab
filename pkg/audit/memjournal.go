package audit

import (
	"context"
	"crypto/subtle"
	"sort"
	"sync"
	"time"

	"github.com/TrigintaFaces/excalibur/pkg/clock"
	"github.com/TrigintaFaces/excalibur/pkg/idgen"
)

// tenantChain holds one tenant's append-only sequence and the mutex
// that serializes writes onto it (spec §4.9: "single-writer
// discipline... cross-tenant writes may proceed concurrently").
type tenantChain struct {
	mu       sync.Mutex
	events   []Event
	sequence int64
	lastHash string
}

// MemoryJournal is the reference Journal implementation: an in-process,
// per-tenant hash chain. Grounded on the teacher's
// store.AuditStore (in-memory append-only chain with a running
// chainHead), generalized to per-tenant chains and the richer Event
// shape this spec requires.
type MemoryJournal struct {
	ids   *idgen.Generator
	clock clock.Clock

	mu     sync.Mutex // guards the tenants map itself, not its entries
	tenant map[string]*tenantChain
}

// NewMemoryJournal returns a ready-to-use MemoryJournal.
func NewMemoryJournal(opts ...MemoryJournalOption) *MemoryJournal {
	j := &MemoryJournal{
		ids:    idgen.New(),
		clock:  clock.System{},
		tenant: make(map[string]*tenantChain),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// MemoryJournalOption configures a MemoryJournal.
type MemoryJournalOption func(*MemoryJournal)

// WithJournalClock overrides the trusted clock (tests only).
func WithJournalClock(c clock.Clock) MemoryJournalOption {
	return func(j *MemoryJournal) { j.clock = c }
}

func (j *MemoryJournal) chainFor(tenantID string) *tenantChain {
	j.mu.Lock()
	defer j.mu.Unlock()
	c, ok := j.tenant[tenantID]
	if !ok {
		c = &tenantChain{}
		j.tenant[tenantID] = c
	}
	return c
}

// Append implements Journal.
func (j *MemoryJournal) Append(ctx context.Context, e Event) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	chain := j.chainFor(e.TenantID)
	chain.mu.Lock()
	defer chain.mu.Unlock()

	e.EventID = j.ids.New()
	e.TimestampUtc = j.clock.Now().UTC()
	chain.sequence++
	e.SequenceNumber = chain.sequence
	e.PreviousEventHash = chain.lastHash

	hash, err := ComputeHash(e, e.PreviousEventHash)
	if err != nil {
		chain.sequence--
		return "", err
	}
	e.EventHash = hash

	chain.events = append(chain.events, e)
	chain.lastHash = hash

	return e.EventID, nil
}

// GetByID implements Journal.
func (j *MemoryJournal) GetByID(ctx context.Context, tenantID, eventID string) (*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	chain := j.chainFor(tenantID)
	chain.mu.Lock()
	defer chain.mu.Unlock()

	for i := range chain.events {
		if chain.events[i].EventID == eventID {
			e := chain.events[i]
			return &e, nil
		}
	}
	return nil, nil
}

// GetLast implements Journal.
func (j *MemoryJournal) GetLast(ctx context.Context, tenantID string) (*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	chain := j.chainFor(tenantID)
	chain.mu.Lock()
	defer chain.mu.Unlock()

	if len(chain.events) == 0 {
		return nil, nil
	}
	e := chain.events[len(chain.events)-1]
	return &e, nil
}

// Query implements Journal.
func (j *MemoryJournal) Query(ctx context.Context, q Query) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q = q.WithDefaults()
	chain := j.chainFor(q.TenantID)
	chain.mu.Lock()
	matched := make([]Event, 0, len(chain.events))
	for _, e := range chain.events {
		if matches(q, e) {
			matched = append(matched, e)
		}
	}
	chain.mu.Unlock()

	sort.SliceStable(matched, func(i, k int) bool {
		if q.SortAscending {
			return matched[i].TimestampUtc.Before(matched[k].TimestampUtc)
		}
		return matched[i].TimestampUtc.After(matched[k].TimestampUtc)
	})

	if q.Skip > 0 {
		if q.Skip >= len(matched) {
			return []Event{}, nil
		}
		matched = matched[q.Skip:]
	}
	if len(matched) > q.MaxResults {
		matched = matched[:q.MaxResults]
	}
	return matched, nil
}

// Count implements Journal.
func (j *MemoryJournal) Count(ctx context.Context, q Query) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	chain := j.chainFor(q.TenantID)
	chain.mu.Lock()
	defer chain.mu.Unlock()

	var n int64
	for _, e := range chain.events {
		if matches(q, e) {
			n++
		}
	}
	return n, nil
}

func matches(q Query, e Event) bool {
	if q.StartDate != nil && e.TimestampUtc.Before(*q.StartDate) {
		return false
	}
	if q.EndDate != nil && e.TimestampUtc.After(*q.EndDate) {
		return false
	}
	if len(q.EventTypes) > 0 {
		if _, ok := q.EventTypes[e.EventType]; !ok {
			return false
		}
	}
	if len(q.Outcomes) > 0 {
		if _, ok := q.Outcomes[e.Outcome]; !ok {
			return false
		}
	}
	if q.ActorID != "" && e.ActorID != q.ActorID {
		return false
	}
	if q.ResourceID != "" && e.ResourceID != q.ResourceID {
		return false
	}
	if q.CorrelationID != "" && e.CorrelationID != q.CorrelationID {
		return false
	}
	if q.Action != "" && e.Action != q.Action {
		return false
	}
	if q.IPAddress != "" && e.IPAddress != q.IPAddress {
		return false
	}
	if q.MinimumClassification != "" && e.Classification != q.MinimumClassification {
		return false
	}
	return true
}

// VerifyChain implements Journal. Hash comparisons use
// crypto/subtle.ConstantTimeCompare (spec §9: "cryptographic hashing
// for the audit chain MUST use a constant-time comparator").
func (j *MemoryJournal) VerifyChain(ctx context.Context, tenantID string, startDate, endDate time.Time) (*IntegrityResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	chain := j.chainFor(tenantID)
	chain.mu.Lock()
	events := make([]Event, 0, len(chain.events))
	for _, e := range chain.events {
		if !e.TimestampUtc.Before(startDate) && !e.TimestampUtc.After(endDate) {
			events = append(events, e)
		}
	}
	chain.mu.Unlock()

	result := &IntegrityResult{
		IsValid:    true,
		StartDate:  startDate,
		EndDate:    endDate,
		VerifiedAt: j.clock.Now().UTC(),
	}

	const maxViolations = 1000
	expectedPrev := ""
	if len(events) > 0 {
		expectedPrev = events[0].PreviousEventHash
	}

	for _, e := range events {
		if !constantTimeEqual(e.PreviousEventHash, expectedPrev) {
			result.recordViolation(e.EventID, "previousEventHash does not match the prior event's eventHash")
			if result.ViolationCount >= maxViolations {
				break
			}
			expectedPrev = e.EventHash
			continue
		}

		computed, err := ComputeHash(e, e.PreviousEventHash)
		if err != nil {
			return nil, err
		}
		if !constantTimeEqual(computed, e.EventHash) {
			result.recordViolation(e.EventID, "eventHash does not match its canonical encoding")
			if result.ViolationCount >= maxViolations {
				break
			}
		}

		result.EventsVerified++
		expectedPrev = e.EventHash
	}

	return result, nil
}

func (r *IntegrityResult) recordViolation(eventID, description string) {
	r.ViolationCount++
	if r.IsValid {
		r.IsValid = false
		r.FirstViolationEventID = eventID
		r.ViolationDescription = description
	}
}

// TamperForTest overwrites the stored event matching ev.EventID within
// tenantID, bypassing the hash chain entirely. It exists only to let
// tests simulate out-of-band storage corruption (spec §8 scenario 2);
// no production code path calls it.
func (j *MemoryJournal) TamperForTest(tenantID string, ev Event) error {
	chain := j.chainFor(tenantID)
	chain.mu.Lock()
	defer chain.mu.Unlock()

	for i := range chain.events {
		if chain.events[i].EventID == ev.EventID {
			chain.events[i] = ev
			return nil
		}
	}
	return nil
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
