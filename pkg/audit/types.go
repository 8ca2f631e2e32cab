// Package audit implements the tamper-evident audit journal (C9, spec
// §4.9): an append-only, per-tenant hash-chained event store with an
// RBAC-filtered query surface. The exporter (C10) and KMS (C11) are
// its principal producers; every regulated operation writes through it.
package audit

import "time"

// EventType classifies an audit event (spec §3).
type EventType string

const (
	EventSystem               EventType = "System"
	EventAuthentication       EventType = "Authentication"
	EventAuthorization        EventType = "Authorization"
	EventDataAccess           EventType = "DataAccess"
	EventDataModification     EventType = "DataModification"
	EventConfigurationChange  EventType = "ConfigurationChange"
	EventSecurity             EventType = "Security"
	EventCompliance           EventType = "Compliance"
	EventAdministrative       EventType = "Administrative"
	EventIntegration          EventType = "Integration"
)

// Outcome is the result of the action an audit event records (spec §3).
type Outcome string

const (
	OutcomeSuccess Outcome = "Success"
	OutcomeFailure Outcome = "Failure"
	OutcomeDenied  Outcome = "Denied"
	OutcomeError   Outcome = "Error"
	OutcomePending Outcome = "Pending"
)

// Event is one immutable, hash-chained audit record (spec §3). Every
// field is carried into the hash chain's canonical encoding
// (canonical.go); struct field order here is cosmetic, since JCS
// sorts the encoded object's keys independently of it.
type Event struct {
	EventID           string
	EventType         EventType
	Action            string
	Outcome           Outcome
	TimestampUtc      time.Time
	ActorID           string
	ActorDisplayName  string
	ResourceID        string
	ResourceType      string
	TenantID          string
	SessionID         string
	CorrelationID     string
	IPAddress         string
	UserAgent         string
	Classification    string
	Reason            string
	Metadata          map[string]string
	SequenceNumber    int64
	PreviousEventHash string
	EventHash         string
}

// IntegrityResult is the outcome of a VerifyChain call (spec §3).
type IntegrityResult struct {
	IsValid                bool
	EventsVerified         int64
	StartDate              time.Time
	EndDate                time.Time
	VerifiedAt             time.Time
	FirstViolationEventID  string
	ViolationDescription   string
	ViolationCount         int
}

// Query describes a filtered, paginated read over the journal (spec §4.9).
type Query struct {
	TenantID            string
	StartDate           *time.Time
	EndDate             *time.Time
	EventTypes          map[EventType]struct{}
	Outcomes            map[Outcome]struct{}
	ActorID             string
	ResourceID          string
	CorrelationID       string
	Action              string
	IPAddress           string
	MinimumClassification string

	MaxResults int // default 100
	Skip       int // default 0

	// SortAscending reverses the default sort direction. The zero
	// value (false) sorts descending by timestamp, the spec §4.9 default.
	SortAscending bool
}

// WithDefaults returns a copy of q with MaxResults/Descending defaults applied.
func (q Query) WithDefaults() Query {
	if q.MaxResults <= 0 {
		q.MaxResults = 100
	}
	return q
}
