package dispatch

import (
	"context"
	"fmt"

	"github.com/TrigintaFaces/excalibur/pkg/excerrors"
)

// Progress is a single progress update a ProgressHandler reports
// through its sink (spec §4.4, progress-reporting handler shape).
// PercentComplete of -1 signals indeterminate progress (total unknown).
type Progress struct {
	PercentComplete float64
	ItemsProcessed  int64
	TotalItems      *int64
	CurrentPhase    string
}

// ProgressSink receives Progress reports during a long-running
// handler invocation.
type ProgressSink interface {
	Report(ctx context.Context, p Progress) error
}

// SinkFunc adapts a plain function to ProgressSink.
type SinkFunc func(ctx context.Context, p Progress) error

// Report implements ProgressSink.
func (f SinkFunc) Report(ctx context.Context, p Progress) error { return f(ctx, p) }

// MonotonicSink wraps a ProgressSink and rejects reports whose
// ItemsProcessed regresses, enforcing the invariant that progress
// within a single handler invocation never moves backward (spec §4.4
// edge case table).
type MonotonicSink struct {
	inner ProgressSink
	last  int64
	seen  bool
}

// NewMonotonicSink wraps inner.
func NewMonotonicSink(inner ProgressSink) *MonotonicSink {
	return &MonotonicSink{inner: inner}
}

// Report implements ProgressSink, rejecting non-monotonic updates.
func (m *MonotonicSink) Report(ctx context.Context, p Progress) error {
	if m.seen && p.ItemsProcessed < m.last {
		return fmt.Errorf("%w: items processed regressed from %d to %d", excerrors.ErrProgressRegressed, m.last, p.ItemsProcessed)
	}
	m.last = p.ItemsProcessed
	m.seen = true
	return m.inner.Report(ctx, p)
}
