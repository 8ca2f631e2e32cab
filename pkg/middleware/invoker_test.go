package middleware_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TrigintaFaces/excalibur/pkg/envelope"
	"github.com/TrigintaFaces/excalibur/pkg/middleware"
)

type countingMiddleware struct {
	calls *int64
}

func (c *countingMiddleware) Invoke(ctx context.Context, msg *envelope.Message, mctx *envelope.Context, next middleware.Next) (*middleware.Result, error) {
	atomic.AddInt64(c.calls, 1)
	return next(ctx, msg, mctx)
}

type TestAction struct{}

// Scenario 1 (spec §8): two middlewares, ActionOnly and EventOnly;
// dispatching a TestAction invokes only ActionOnly.
func TestPipelineAppliesOnlyToMatchingKind(t *testing.T) {
	registry := middleware.NewRegistry()
	registry.Register(middleware.Descriptor{
		TypeKey:         "ActionOnly",
		Stage:           middleware.Processing,
		ApplicableKinds: []envelope.Kind{envelope.KindAction},
	})
	registry.Register(middleware.Descriptor{
		TypeKey:         "EventOnly",
		Stage:           middleware.Processing,
		ApplicableKinds: []envelope.Kind{envelope.KindEvent},
	})

	evaluator := middleware.NewEvaluator(registry)

	var actionCalls, eventCalls int64
	entries := []middleware.Entry{
		{TypeKey: "ActionOnly", Middleware: &countingMiddleware{calls: &actionCalls}},
		{TypeKey: "EventOnly", Middleware: &countingMiddleware{calls: &eventCalls}},
	}

	invoker := middleware.NewInvoker(evaluator, entries)

	msg := envelope.New(TestAction{})
	mctx := envelope.NewContext(msg.ID(), msg.OccurredAt())

	result, err := invoker.Invoke(context.Background(), msg, mctx, func(ctx context.Context, msg *envelope.Message, mctx *envelope.Context) (*middleware.Result, error) {
		return middleware.Ok("Handled"), nil
	})

	require.NoError(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&actionCalls))
	assert.Equal(t, int64(0), atomic.LoadInt64(&eventCalls))
	assert.True(t, result.Success)
	assert.Equal(t, "Handled", result.ReturnValue)
}

type orderRecorder struct {
	key   string
	order *[]string
}

func (o *orderRecorder) Invoke(ctx context.Context, msg *envelope.Message, mctx *envelope.Context, next middleware.Next) (*middleware.Result, error) {
	*o.order = append(*o.order, o.key)
	return next(ctx, msg, mctx)
}

func TestStageOrderingThenRegistrationOrder(t *testing.T) {
	registry := middleware.NewRegistry()
	registry.Register(middleware.Descriptor{TypeKey: "b-processing", Stage: middleware.Processing, ApplicableKinds: []envelope.Kind{envelope.KindAll}})
	registry.Register(middleware.Descriptor{TypeKey: "a-pre", Stage: middleware.PreProcessing, ApplicableKinds: []envelope.Kind{envelope.KindAll}})
	registry.Register(middleware.Descriptor{TypeKey: "c-processing", Stage: middleware.Processing, ApplicableKinds: []envelope.Kind{envelope.KindAll}})

	evaluator := middleware.NewEvaluator(registry)

	var order []string
	entries := []middleware.Entry{
		{TypeKey: "b-processing", Middleware: &orderRecorder{key: "b-processing", order: &order}},
		{TypeKey: "a-pre", Middleware: &orderRecorder{key: "a-pre", order: &order}},
		{TypeKey: "c-processing", Middleware: &orderRecorder{key: "c-processing", order: &order}},
	}

	invoker := middleware.NewInvoker(evaluator, entries)
	msg := envelope.New(TestAction{})
	mctx := envelope.NewContext(msg.ID(), msg.OccurredAt())

	_, err := invoker.Invoke(context.Background(), msg, mctx, func(context.Context, *envelope.Message, *envelope.Context) (*middleware.Result, error) {
		return middleware.Ok(nil), nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a-pre", "b-processing", "c-processing"}, order)
}

type shortCircuitMiddleware struct{ entered *[]string }

func (s *shortCircuitMiddleware) Invoke(ctx context.Context, msg *envelope.Message, mctx *envelope.Context, next middleware.Next) (*middleware.Result, error) {
	*s.entered = append(*s.entered, "short-circuit")
	return middleware.Failed(errors.New("denied")), nil
}

type neverCalledMiddleware struct{ entered *[]string }

func (n *neverCalledMiddleware) Invoke(ctx context.Context, msg *envelope.Message, mctx *envelope.Context, next middleware.Next) (*middleware.Result, error) {
	*n.entered = append(*n.entered, "never-called")
	return next(ctx, msg, mctx)
}

func TestShortCircuitStopsLaterMiddleware(t *testing.T) {
	registry := middleware.NewRegistry()
	registry.Register(middleware.Descriptor{TypeKey: "auth", Stage: middleware.Authorization, ApplicableKinds: []envelope.Kind{envelope.KindAll}})
	registry.Register(middleware.Descriptor{TypeKey: "processing", Stage: middleware.Processing, ApplicableKinds: []envelope.Kind{envelope.KindAll}})

	evaluator := middleware.NewEvaluator(registry)

	var entered []string
	entries := []middleware.Entry{
		{TypeKey: "auth", Middleware: &shortCircuitMiddleware{entered: &entered}},
		{TypeKey: "processing", Middleware: &neverCalledMiddleware{entered: &entered}},
	}
	invoker := middleware.NewInvoker(evaluator, entries)
	msg := envelope.New(TestAction{})
	mctx := envelope.NewContext(msg.ID(), msg.OccurredAt())

	result, err := invoker.Invoke(context.Background(), msg, mctx, func(context.Context, *envelope.Message, *envelope.Context) (*middleware.Result, error) {
		entered = append(entered, "final")
		return middleware.Ok(nil), nil
	})

	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, []string{"short-circuit"}, entered)
}

func TestInvokeNilArgumentsFailFast(t *testing.T) {
	registry := middleware.NewRegistry()
	evaluator := middleware.NewEvaluator(registry)
	invoker := middleware.NewInvoker(evaluator, nil)

	_, err := invoker.Invoke(context.Background(), nil, nil, func(context.Context, *envelope.Message, *envelope.Context) (*middleware.Result, error) {
		return middleware.Ok(nil), nil
	})
	require.Error(t, err)
}

func TestFilterErrorPolicyIncludesByDefault(t *testing.T) {
	registry := middleware.NewRegistry()
	evaluator := middleware.NewEvaluator(registry)

	applicable := evaluator.IsApplicableType("unregistered", envelope.KindAction)
	assert.True(t, applicable, "default policy includes middleware on filter error")
}

func TestFilterErrorPolicyCanExclude(t *testing.T) {
	registry := middleware.NewRegistry()
	evaluator := middleware.NewEvaluator(registry, middleware.WithExcludeOnFilterError())

	applicable := evaluator.IsApplicableType("unregistered", envelope.KindAction)
	assert.False(t, applicable)
}

func TestFreezeIsIdempotentAndCacheStaysCorrect(t *testing.T) {
	registry := middleware.NewRegistry()
	registry.Register(middleware.Descriptor{TypeKey: "x", Stage: middleware.Processing, ApplicableKinds: []envelope.Kind{envelope.KindAction}})
	evaluator := middleware.NewEvaluator(registry)

	before := evaluator.IsApplicableType("x", envelope.KindAction)
	evaluator.Freeze()
	evaluator.Freeze() // idempotent
	after := evaluator.IsApplicableType("x", envelope.KindAction)

	assert.Equal(t, before, after)
	assert.True(t, evaluator.Stats().Frozen)
}
