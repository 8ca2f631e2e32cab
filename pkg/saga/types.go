// Package saga implements the persisted saga state machine, the step
// coordinator with compensation, and timeout delivery (components
// C6–C8, spec §3, §4.6–§4.8).
package saga

import "time"

// Status is a saga instance's lifecycle state (spec §3).
type Status string

const (
	StatusPending      Status = "Pending"
	StatusRunning      Status = "Running"
	StatusCompleted    Status = "Completed"
	StatusFailed       Status = "Failed"
	StatusCompensating Status = "Compensating"
	StatusCompensated  Status = "Compensated"
	StatusCancelled    Status = "Cancelled"
)

// StepOutcome is the recorded result of one step execution attempt.
type StepOutcome string

const (
	OutcomeStarted   StepOutcome = "Started"
	OutcomeCompleted StepOutcome = "Completed"
	OutcomeFailed    StepOutcome = "Failed"
	OutcomeSkipped   StepOutcome = "Skipped"

	// OutcomeCompensated and OutcomeCompensationFailed record a
	// compensation attempt against an earlier Completed step, not the
	// step's own forward-execution outcome.
	OutcomeCompensated           StepOutcome = "Compensated"
	OutcomeCompensationFailed    StepOutcome = "CompensationFailed"
	OutcomeCompensationSkipped   StepOutcome = "CompensationSkipped"
)

// StepRecord is one entry in a saga's stepHistory (spec §3). A record
// with CompletedAt == nil is the in-flight "active step" when
// Status == Running; invariant (b) allows at most one such record.
type StepRecord struct {
	StepName    string
	StartedAt   time.Time
	CompletedAt *time.Time
	Outcome     StepOutcome
	Error       string
}

// State is a saga instance's full persisted state (spec §3). Version
// increases strictly on every persisted change (invariant c);
// StepHistory is strictly non-decreasing in StartedAt (invariant a).
type State struct {
	SagaID        string
	SagaType      string
	Status        Status
	Payload       []byte
	StepHistory   []StepRecord
	Version       int64
	CreatedAt     time.Time
	LastUpdatedAt time.Time
	CorrelationKey string
}

// activeStepIndex returns the index of the record with CompletedAt == nil,
// or -1 if none.
func (s *State) activeStepIndex() int {
	for i := range s.StepHistory {
		if s.StepHistory[i].CompletedAt == nil {
			return i
		}
	}
	return -1
}

// Timeout is a scheduled saga timeout row (spec §3). DeliveredAt is
// set at most once; a cancelled timeout is deleted, not marked.
type Timeout struct {
	TimeoutID        string
	SagaID           string
	DueAt            time.Time
	MessageType      string
	SerializedPayload []byte
	DeliveredAt      *time.Time
	Attempts         int
}
