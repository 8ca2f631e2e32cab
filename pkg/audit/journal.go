package audit

import (
	"context"
	"time"
)

// Journal is the append-only, hash-chained audit store (spec §4.9).
// Writes are unrestricted; callers needing the RBAC read surface wrap
// a Journal in RBACJournal.
type Journal interface {
	// Append assigns eventId/timestampUtc/sequenceNumber/eventHash and
	// persists e, returning the assigned eventId. Appends for the same
	// TenantID are serialized so sequenceNumber and the hash chain form
	// a total order; appends across tenants may proceed concurrently.
	Append(ctx context.Context, e Event) (string, error)

	// GetByID returns the event with the given id within tenantID, or
	// nil if no such event exists.
	GetByID(ctx context.Context, tenantID, eventID string) (*Event, error)

	// Query returns events matching q, most recent first unless
	// q.SortAscending.
	Query(ctx context.Context, q Query) ([]Event, error)

	// Count returns the number of events matching q, ignoring its
	// pagination fields.
	Count(ctx context.Context, q Query) (int64, error)

	// GetLast returns the most recently appended event for tenantID, or
	// nil if the tenant's chain is empty.
	GetLast(ctx context.Context, tenantID string) (*Event, error)

	// VerifyChain recomputes eventHash for every event for tenantID in
	// [startDate, endDate] and checks previousEventHash linkage,
	// reporting the first violation encountered (spec §4.9).
	VerifyChain(ctx context.Context, tenantID string, startDate, endDate time.Time) (*IntegrityResult, error)
}
