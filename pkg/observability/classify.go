package observability

import (
	"errors"

	"github.com/TrigintaFaces/excalibur/pkg/excerrors"
)

// classify maps err to the spec §7 error-kind label its table assigns,
// so error-rate metrics stay low-cardinality instead of keying on
// err.Error(). Order matters only where kinds could otherwise overlap;
// excerrors sentinels are mutually exclusive so it does not here.
func classify(err error) string {
	switch {
	case errors.Is(err, excerrors.ErrArgumentInvalid):
		return "argument-invalid"
	case errors.Is(err, excerrors.ErrNoHandler):
		return "no-handler"
	case errors.Is(err, excerrors.ErrMiddlewareFilter):
		return "middleware-filter-error"
	case errors.Is(err, excerrors.ErrConditionEval):
		return "condition-eval-error"
	case errors.Is(err, excerrors.ErrConcurrencyConflict):
		return "concurrency-conflict"
	case errors.Is(err, excerrors.ErrTransient):
		return "transient-network"
	case errors.Is(err, excerrors.ErrPermanent):
		return "permanent-network"
	case errors.Is(err, excerrors.ErrCancelled):
		return "cancelled"
	case errors.Is(err, excerrors.ErrIntegrityViolation):
		return "integrity-violation"
	case errors.Is(err, excerrors.ErrKeyNotFound):
		return "key-not-found"
	case errors.Is(err, excerrors.ErrMigrationItemFailed):
		return "migration-item-failed"
	case errors.Is(err, excerrors.ErrNotRestartable):
		return "not-restartable"
	case errors.Is(err, excerrors.ErrProgressRegressed):
		return "progress-regressed"
	case errors.Is(err, excerrors.ErrAlreadyRegistered):
		return "already-registered"
	case errors.Is(err, excerrors.ErrAccessDenied):
		return "access-denied"
	case errors.Is(err, excerrors.ErrCorrelationNotFound):
		return "correlation-not-found"
	case errors.Is(err, excerrors.ErrSagaNotFound):
		return "saga-not-found"
	case errors.Is(err, excerrors.ErrStepFailed):
		return "step-failed"
	case errors.Is(err, excerrors.ErrFormatTooOld):
		return "format-too-old"
	default:
		return "unknown"
	}
}
