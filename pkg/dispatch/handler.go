package dispatch

import (
	"context"

	"github.com/TrigintaFaces/excalibur/pkg/envelope"
	"github.com/TrigintaFaces/excalibur/pkg/middleware"
)

// ActionHandler handles a single request/command message and returns a
// single Result (spec §4.4, invocation shape 1).
type ActionHandler interface {
	Handle(ctx context.Context, msg *envelope.Message, mctx *envelope.Context) (*middleware.Result, error)
}

// ActionHandlerFunc adapts a plain function to ActionHandler.
type ActionHandlerFunc func(ctx context.Context, msg *envelope.Message, mctx *envelope.Context) (*middleware.Result, error)

// Handle implements ActionHandler.
func (f ActionHandlerFunc) Handle(ctx context.Context, msg *envelope.Message, mctx *envelope.Context) (*middleware.Result, error) {
	return f(ctx, msg, mctx)
}

// StreamOutHandler produces a lazy Sequence from a single document
// (spec §4.4, invocation shape 2). The handler must return promptly;
// the actual work happens as the returned Sequence is drained.
type StreamOutHandler interface {
	Handle(ctx context.Context, msg *envelope.Message, mctx *envelope.Context) (Sequence, error)
}

// StreamOutHandlerFunc adapts a plain function to StreamOutHandler.
type StreamOutHandlerFunc func(ctx context.Context, msg *envelope.Message, mctx *envelope.Context) (Sequence, error)

// Handle implements StreamOutHandler.
func (f StreamOutHandlerFunc) Handle(ctx context.Context, msg *envelope.Message, mctx *envelope.Context) (Sequence, error) {
	return f(ctx, msg, mctx)
}

// StreamInHandler consumes an inbound Sequence and produces no return
// value (spec §4.4, invocation shape 3). It must not buffer the whole
// stream before acting on it.
type StreamInHandler interface {
	Handle(ctx context.Context, in Sequence, mctx *envelope.Context) error
}

// StreamInHandlerFunc adapts a plain function to StreamInHandler.
type StreamInHandlerFunc func(ctx context.Context, in Sequence, mctx *envelope.Context) error

// Handle implements StreamInHandler.
func (f StreamInHandlerFunc) Handle(ctx context.Context, in Sequence, mctx *envelope.Context) error {
	return f(ctx, in, mctx)
}

// StreamTransformHandler maps an inbound Sequence to an outbound one
// without materializing either (spec §4.4, invocation shape 4).
type StreamTransformHandler interface {
	Handle(ctx context.Context, in Sequence, mctx *envelope.Context) (Sequence, error)
}

// StreamTransformHandlerFunc adapts a plain function to StreamTransformHandler.
type StreamTransformHandlerFunc func(ctx context.Context, in Sequence, mctx *envelope.Context) (Sequence, error)

// Handle implements StreamTransformHandler.
func (f StreamTransformHandlerFunc) Handle(ctx context.Context, in Sequence, mctx *envelope.Context) (Sequence, error) {
	return f(ctx, in, mctx)
}

// ProgressHandler runs a long operation over a single document,
// reporting Progress through sink as it goes (spec §4.4, invocation
// shape 5).
type ProgressHandler interface {
	Handle(ctx context.Context, msg *envelope.Message, sink ProgressSink, mctx *envelope.Context) error
}

// ProgressHandlerFunc adapts a plain function to ProgressHandler.
type ProgressHandlerFunc func(ctx context.Context, msg *envelope.Message, sink ProgressSink, mctx *envelope.Context) error

// Handle implements ProgressHandler.
func (f ProgressHandlerFunc) Handle(ctx context.Context, msg *envelope.Message, sink ProgressSink, mctx *envelope.Context) error {
	return f(ctx, msg, sink, mctx)
}
