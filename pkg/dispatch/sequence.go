package dispatch

import "context"

// Sequence is a lazy, forward-only, non-restartable stream of values
// (spec §4.4: "output SHOULD be produced incrementally rather than
// fully materialized; the consumer MUST NOT be required to buffer the
// entire sequence"). Next blocks until a value is available, the
// sequence ends, the producer fails, or ctx is done.
type Sequence interface {
	Next(ctx context.Context) (value any, ok bool, err error)
}

type seqItem struct {
	value any
	err   error
}

// ChannelSequence is a Sequence backed by a bounded channel, the
// producer/consumer shape the source system's streaming RPCs use
// internally (spec §9: "coroutine-style streaming handlers are best
// modeled as producer tasks writing into a bounded channel"). The
// channel capacity is the backpressure window: a slow consumer stalls
// the producer's yield once the channel fills.
type ChannelSequence struct {
	ch  <-chan seqItem
	err error // producer error that could not be queued because ctx was done
}

// Next implements Sequence.
func (s *ChannelSequence) Next(ctx context.Context) (any, bool, error) {
	select {
	case item, open := <-s.ch:
		if !open {
			return nil, false, s.err
		}
		if item.err != nil {
			return nil, false, item.err
		}
		return item.value, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Yield is offered to a producer function so it can push values
// without seeing the channel directly.
type Yield func(ctx context.Context, value any) error

// Produce starts produceFn in its own goroutine and returns the
// Sequence it feeds. capacity bounds how far the producer can run
// ahead of the consumer. If produceFn returns a non-nil error, that
// error surfaces from the final Next call instead of a clean
// end-of-stream.
func Produce(ctx context.Context, capacity int, produceFn func(ctx context.Context, yield Yield) error) *ChannelSequence {
	if capacity < 1 {
		capacity = 1
	}
	ch := make(chan seqItem, capacity)

	yield := func(ctx context.Context, value any) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case ch <- seqItem{value: value}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	seq := &ChannelSequence{ch: ch}
	go func() {
		defer close(ch)
		if err := produceFn(ctx, yield); err != nil {
			select {
			case ch <- seqItem{err: err}:
			case <-ctx.Done():
				seq.err = err
			}
		}
	}()

	return seq
}

// Drain consumes seq to completion without retaining values, used by
// stream-consumer handlers that only need a side effect per item, and
// by tests asserting a producer runs to exhaustion.
func Drain(ctx context.Context, seq Sequence, each func(value any) error) error {
	for {
		value, ok, err := seq.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if each != nil {
			if err := each(value); err != nil {
				return err
			}
		}
	}
}

// SliceSequence returns a Sequence over an already-materialized slice,
// useful for tests and for handlers whose upstream source is not
// itself lazy.
func SliceSequence(values []any) *ChannelSequence {
	return Produce(context.Background(), len(values)+1, func(ctx context.Context, yield Yield) error {
		for _, v := range values {
			if err := yield(ctx, v); err != nil {
				return err
			}
		}
		return nil
	})
}
