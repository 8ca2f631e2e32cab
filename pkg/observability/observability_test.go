package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/TrigintaFaces/excalibur/pkg/config"
	"github.com/TrigintaFaces/excalibur/pkg/excerrors"
)

func disabledConfig() config.ObservabilityConfig {
	return config.ObservabilityConfig{ServiceName: "excalibur-test", Enabled: false}
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), disabledConfig())
	require.NoError(t, err)
	require.NotNil(t, p)

	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
}

func TestNewProviderDefaultsSampleRatio(t *testing.T) {
	cfg := disabledConfig()
	cfg.SampleRatio = 2.5 // out of range, must clamp rather than error

	p, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestTrackOperationRecordsSuccessAndError(t *testing.T) {
	p, err := New(context.Background(), disabledConfig())
	require.NoError(t, err)

	ctx, finish := p.TrackOperation(context.Background(), "dispatch.invoke",
		attribute.String("message.type", "OrderPlaced"))
	require.NotNil(t, ctx)
	time.Sleep(time.Millisecond)
	finish(nil) // should not panic

	_, finishErr := p.TrackOperation(context.Background(), "saga.step")
	finishErr(errors.New("boom")) // should not panic even though err is unmapped
}

func TestRecordMetricsDoesNotPanicWhenDisabled(t *testing.T) {
	p, err := New(context.Background(), disabledConfig())
	require.NoError(t, err)

	ctx := context.Background()
	p.RecordRequest(ctx, "kms.encrypt")
	p.RecordError(ctx, "kms.encrypt", classify(excerrors.ErrKeyNotFound))
	p.RecordDuration(ctx, "kms.encrypt", 0.01)
}

func TestShutdown(t *testing.T) {
	p, err := New(context.Background(), disabledConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, p.Shutdown(ctx))
}

func TestNilProviderAccessorsFallBackToGlobal(t *testing.T) {
	var p *Provider
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	// RecordRequest/RecordError/RecordDuration must tolerate a nil
	// receiver too, since TrackOperation's finish closure can outlive
	// a provider that was never constructed in a test context.
	p.RecordRequest(context.Background(), "noop")
	p.RecordError(context.Background(), "noop", "unknown")
	p.RecordDuration(context.Background(), "noop", 0)
}

func TestClampSampleRatio(t *testing.T) {
	require.Equal(t, 0.0, clamp01(-1))
	require.Equal(t, 1.0, clamp01(2))
	require.Equal(t, 0.5, clamp01(0.5))
}
