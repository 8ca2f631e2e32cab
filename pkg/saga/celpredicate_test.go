package saga_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TrigintaFaces/excalibur/pkg/clock"
	"github.com/TrigintaFaces/excalibur/pkg/saga"
)

func TestCELPredicateEvaluatesAgainstPayload(t *testing.T) {
	pred, err := saga.CELPredicate(`payload.amount > 100`)
	require.NoError(t, err)

	ok, err := pred(context.Background(), []byte(`{"amount": 150}`))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = pred(context.Background(), []byte(`{"amount": 10}`))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCELPredicateRejectsNonBoolExpression(t *testing.T) {
	pred, err := saga.CELPredicate(`payload.amount`)
	require.NoError(t, err)

	_, err = pred(context.Background(), []byte(`{"amount": 5}`))
	assert.Error(t, err)
}

func TestCELPredicateRejectsNonDeterministicExpression(t *testing.T) {
	_, err := saga.CELPredicate(`payload.amount > 100.0`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floating point literals")
}

func TestCELPredicateUsableAsStepPredicate(t *testing.T) {
	pred := saga.MustCELPredicate(`payload.approved == true`)
	var taken string

	steps := []saga.Step{
		{
			Name:      "Gate",
			Kind:      saga.Conditional,
			Predicate: pred,
			OnTrue: &saga.Step{
				Name:    "Approve",
				Kind:    saga.Sequential,
				Execute: func(ctx context.Context, p []byte) ([]byte, error) { taken = "approve"; return p, nil },
			},
			OnFalse: &saga.Step{
				Name:    "Reject",
				Kind:    saga.Sequential,
				Execute: func(ctx context.Context, p []byte) ([]byte, error) { taken = "reject"; return p, nil },
			},
		},
	}

	store := saga.NewMemoryStore()
	coord := saga.NewCoordinator(store, clock.Sequence(time.Unix(0, 0).UTC(), time.Millisecond))

	state, err := coord.Run(context.Background(), "saga-1", "approval", []byte(`{"approved": true}`), steps)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, state.Status)
	assert.Equal(t, "approve", taken)
}
