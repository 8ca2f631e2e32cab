package dispatch

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/TrigintaFaces/excalibur/pkg/envelope"
	"github.com/TrigintaFaces/excalibur/pkg/excerrors"
	"github.com/TrigintaFaces/excalibur/pkg/middleware"
)

var tracer = otel.Tracer("github.com/TrigintaFaces/excalibur/pkg/dispatch")

// Dispatcher ties the middleware Invoker (C3) to the handler Registry
// (C4): it resolves the handler for a message's type, wraps it as the
// pipeline's final delegate, and emits the "excalibur.dispatch" span
// the ambient tracing layer requires (SPEC_FULL §4.3).
type Dispatcher struct {
	invoker  *middleware.Invoker
	registry *Registry
}

// NewDispatcher returns a Dispatcher driven by invoker and registry.
func NewDispatcher(invoker *middleware.Invoker, registry *Registry) *Dispatcher {
	return &Dispatcher{invoker: invoker, registry: registry}
}

// Dispatch runs msg through the middleware pipeline and the action
// handler registered for its type (spec §4.3, §4.4 shape 1). Streaming
// and progress shapes are invoked directly via InvokeStreamOut,
// InvokeStreamIn, InvokeStreamTransform and InvokeProgress below: a
// single middleware pipeline has exactly one terminal shape, chosen by
// the registration, not by the call site.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *envelope.Message, mctx *envelope.Context) (*middleware.Result, error) {
	if msg == nil || mctx == nil {
		return nil, excerrors.ErrArgumentInvalid
	}

	ctx, span := d.startSpan(ctx, msg)
	defer span.End()

	final := func(ctx context.Context, msg *envelope.Message, mctx *envelope.Context) (*middleware.Result, error) {
		reg, ok := d.registry.Resolve(msg.TypeName())
		if !ok || reg.Shape != ActionShape || reg.Action == nil {
			err := noHandlerError(ActionShape, msg.TypeName())
			span.RecordError(err)
			return nil, err
		}
		return reg.Action.Handle(ctx, msg, mctx)
	}

	result, err := d.invoker.Invoke(ctx, msg, mctx, final)
	annotateSpan(span, result, err)
	return result, err
}

// InvokeStreamOut resolves and runs the streaming-document handler
// registered for msg's type, bypassing the action-result pipeline
// (streaming shapes carry their own backpressure, not a single Result).
func (d *Dispatcher) InvokeStreamOut(ctx context.Context, msg *envelope.Message, mctx *envelope.Context) (Sequence, error) {
	reg, ok := d.registry.Resolve(msg.TypeName())
	if !ok || reg.Shape != StreamOutShape || reg.StreamOut == nil {
		return nil, noHandlerError(StreamOutShape, msg.TypeName())
	}
	return reg.StreamOut.Handle(ctx, msg, mctx)
}

// InvokeStreamIn resolves and runs the stream-consumer handler
// registered for typeName against in.
func (d *Dispatcher) InvokeStreamIn(ctx context.Context, typeName string, in Sequence, mctx *envelope.Context) error {
	reg, ok := d.registry.Resolve(typeName)
	if !ok || reg.Shape != StreamInShape || reg.StreamIn == nil {
		return noHandlerError(StreamInShape, typeName)
	}
	return reg.StreamIn.Handle(ctx, in, mctx)
}

// InvokeStreamTransform resolves and runs the stream-transform handler
// registered for typeName against in.
func (d *Dispatcher) InvokeStreamTransform(ctx context.Context, typeName string, in Sequence, mctx *envelope.Context) (Sequence, error) {
	reg, ok := d.registry.Resolve(typeName)
	if !ok || reg.Shape != StreamTransformShape || reg.StreamTransform == nil {
		return nil, noHandlerError(StreamTransformShape, typeName)
	}
	return reg.StreamTransform.Handle(ctx, in, mctx)
}

// InvokeProgress resolves and runs the progress-reporting handler
// registered for msg's type, reporting through sink.
func (d *Dispatcher) InvokeProgress(ctx context.Context, msg *envelope.Message, sink ProgressSink, mctx *envelope.Context) error {
	if msg == nil || mctx == nil || sink == nil {
		return excerrors.ErrArgumentInvalid
	}
	reg, ok := d.registry.Resolve(msg.TypeName())
	if !ok || reg.Shape != ProgressShape || reg.Progress == nil {
		return noHandlerError(ProgressShape, msg.TypeName())
	}
	return reg.Progress.Handle(ctx, msg, sink, mctx)
}

func noHandlerError(shape Shape, typeName string) error {
	return fmt.Errorf("%w: no %s registered for %q", excerrors.ErrNoHandler, shape, typeName)
}

func (d *Dispatcher) startSpan(ctx context.Context, msg *envelope.Message) (context.Context, trace.Span) {
	return tracer.Start(ctx, "excalibur.dispatch",
		trace.WithAttributes(
			attribute.String("message.kind", string(msg.Kind())),
			attribute.String("message.type", msg.TypeName()),
			attribute.Int("pipeline.length", d.invoker.PipelineLength(msg)),
		),
	)
}

func annotateSpan(span trace.Span, result *middleware.Result, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return
	}
	if result != nil && !result.Success {
		span.AddEvent("short-circuit")
		if result.Error != nil {
			span.RecordError(result.Error)
		}
	}
}
