// Package excerrors defines the sentinel error kinds shared across the
// dispatch pipeline, saga runtime and compliance core (spec §7). Every
// kind is a distinct sentinel so callers can discriminate with
// errors.Is/errors.As instead of parsing messages.
package excerrors

import "errors"

var (
	// ErrArgumentInvalid covers null/empty arguments and out-of-range values.
	ErrArgumentInvalid = errors.New("excalibur: invalid argument")

	// ErrNoHandler is returned when no handler is registered for a message type.
	ErrNoHandler = errors.New("excalibur: no handler registered")

	// ErrMiddlewareFilter wraps a non-fatal applicability-evaluation failure.
	ErrMiddlewareFilter = errors.New("excalibur: middleware filter error")

	// ErrConditionEval is returned when a saga predicate panics or errors.
	ErrConditionEval = errors.New("excalibur: saga condition evaluation error")

	// ErrConcurrencyConflict is returned on a stale saga state version.
	ErrConcurrencyConflict = errors.New("excalibur: concurrency conflict")

	// ErrTransient covers retryable network/backend failures (5xx, 408, 429, timeouts).
	ErrTransient = errors.New("excalibur: transient error")

	// ErrPermanent covers non-retryable backend failures.
	ErrPermanent = errors.New("excalibur: permanent error")

	// ErrCancelled surfaces host cancellation to the caller.
	ErrCancelled = errors.New("excalibur: cancelled")

	// ErrIntegrityViolation is returned by audit chain verification on a detected mismatch.
	ErrIntegrityViolation = errors.New("excalibur: integrity violation")

	// ErrKeyNotFound is returned by the KMS provider for an unknown key/version.
	ErrKeyNotFound = errors.New("excalibur: key not found")

	// ErrMigrationItemFailed marks a single item failure inside a batch migration.
	ErrMigrationItemFailed = errors.New("excalibur: migration item failed")

	// ErrNotRestartable is returned when a consumed streaming/progress sequence is re-invoked.
	ErrNotRestartable = errors.New("excalibur: sequence is not restartable")

	// ErrProgressRegressed is returned by a monotonic progress sink when ItemsProcessed decreases.
	ErrProgressRegressed = errors.New("excalibur: progress regressed")

	// ErrAlreadyRegistered is returned when a handler is registered twice for the same key.
	ErrAlreadyRegistered = errors.New("excalibur: already registered")

	// ErrAccessDenied is returned when an RBAC-filtered audit query lacks the required role.
	ErrAccessDenied = errors.New("excalibur: access denied")

	// ErrCorrelationNotFound is returned when no correlation key can be resolved for a message.
	ErrCorrelationNotFound = errors.New("excalibur: correlation key not found")

	// ErrSagaNotFound is returned when a saga state lookup misses.
	ErrSagaNotFound = errors.New("excalibur: saga not found")

	// ErrStepFailed marks a saga step-graph node failure that triggers compensation.
	ErrStepFailed = errors.New("excalibur: saga step failed")

	// ErrFormatTooOld is returned when a migration source record is below a policy's MinFormatVersion.
	ErrFormatTooOld = errors.New("excalibur: format version below policy minimum")
)
