package saga

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/TrigintaFaces/excalibur/pkg/clock"
	"github.com/TrigintaFaces/excalibur/pkg/envelope"
)

// MessageFactory reconstructs a typed message body from its recorded
// messageType and serializedPayload (spec §4.8 step 2).
type MessageFactory func(messageType string, serializedPayload []byte) (any, error)

// Dispatch is the subset of Dispatcher the timeout service needs: run
// a message through the pipeline and report success or error.
type Dispatch func(ctx context.Context, msg *envelope.Message, mctx *envelope.Context) error

// DeadLetterFunc is invoked when a timeout exhausts maxAttempts (spec
// §4.8 step 2: "moved to a dead-letter state and emits an audit event").
type DeadLetterFunc func(ctx context.Context, t *Timeout, lastErr error)

// TimeoutServiceOption configures a TimeoutService.
type TimeoutServiceOption func(*TimeoutService)

// WithPollInterval overrides the default 1s poll interval (spec §4.8).
func WithPollInterval(d time.Duration) TimeoutServiceOption {
	return func(s *TimeoutService) { s.pollInterval = d }
}

// WithBatchLimit overrides the default batch size pulled per poll.
func WithBatchLimit(n int) TimeoutServiceOption {
	return func(s *TimeoutService) { s.batchLimit = n }
}

// WithMaxAttempts overrides the default retry ceiling before a timeout
// is moved to the dead-letter path.
func WithMaxAttempts(n int) TimeoutServiceOption {
	return func(s *TimeoutService) { s.maxAttempts = n }
}

// WithBackoffBase overrides the default base delay used to compute the
// redelivery backoff (spec §4.8: "retried with exponential backoff up
// to maxAttempts"), i.e. the `base` in `base*2^attempts + jitter`.
func WithBackoffBase(d time.Duration) TimeoutServiceOption {
	return func(s *TimeoutService) { s.backoffBase = d }
}

// WithDeadLetter sets the dead-letter callback.
func WithDeadLetter(fn DeadLetterFunc) TimeoutServiceOption {
	return func(s *TimeoutService) { s.deadLetter = fn }
}

// WithClock overrides the trusted clock (tests only).
func WithClock(c clock.Clock) TimeoutServiceOption {
	return func(s *TimeoutService) { s.clock = c }
}

// TimeoutService is the long-running poller described in spec §4.8: it
// polls due timeouts, reconstructs and redispatches them, and retires
// them with exponential backoff up to maxAttempts.
type TimeoutService struct {
	store       TimeoutStore
	factory     MessageFactory
	dispatch    Dispatch

	pollInterval time.Duration
	batchLimit   int
	maxAttempts  int
	backoffBase  time.Duration
	deadLetter   DeadLetterFunc
	clock        clock.Clock

	stopped chan struct{}
	done    chan struct{}
	mu      sync.Mutex
	running bool
	onStop  func()
}

// NewTimeoutService returns a TimeoutService that polls store, builds
// messages via factory, and redispatches them via dispatch.
func NewTimeoutService(store TimeoutStore, factory MessageFactory, dispatch Dispatch, opts ...TimeoutServiceOption) *TimeoutService {
	s := &TimeoutService{
		store:        store,
		factory:      factory,
		dispatch:     dispatch,
		pollInterval: time.Second,
		batchLimit:   100,
		maxAttempts:  5,
		backoffBase:  time.Second,
		deadLetter:   func(context.Context, *Timeout, error) {},
		clock:        clock.System{},
		stopped:      make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithOnStop registers a hook invoked once the service has fully
// drained in-flight deliveries on shutdown (spec §4.8: "log a
// service-stopped record when done").
func (s *TimeoutService) WithOnStop(fn func()) *TimeoutService {
	s.onStop = fn
	return s
}

// Run drives the poll loop until ctx is cancelled or Stop is called,
// draining any in-flight delivery before returning (spec §4.8,
// "service must drain in-flight deliveries on shutdown").
func (s *TimeoutService) Run(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	defer close(s.done)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if s.onStop != nil {
				s.onStop()
			}
			return
		case <-s.stopped:
			if s.onStop != nil {
				s.onStop()
			}
			return
		case <-ticker.C:
			s.PollOnce(ctx)
		}
	}
}

// Stop signals the poll loop to exit after its current tick completes
// and blocks until Run has returned.
func (s *TimeoutService) Stop() {
	close(s.stopped)
	<-s.done
}

// PollOnce runs a single poll cycle: pull due timeouts, attempt
// redelivery for each, honoring cancellation at the top of the cycle
// (spec §5: "cancellation tokens must be honored ... inside each poll
// cycle of the timeout service").
func (s *TimeoutService) PollOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	due, err := s.store.PollDue(ctx, s.clock.Now(), s.batchLimit)
	if err != nil {
		return
	}

	for _, t := range due {
		if ctx.Err() != nil {
			return
		}
		s.deliverOne(ctx, t)
	}
}

func (s *TimeoutService) deliverOne(ctx context.Context, t *Timeout) {
	body, err := s.factory(t.MessageType, t.SerializedPayload)
	if err != nil {
		s.handleFailure(ctx, t, fmt.Errorf("saga: reconstruct message %q: %w", t.MessageType, err))
		return
	}

	msg := envelope.New(body, envelope.WithTypeName(t.MessageType))
	mctx := envelope.NewContext(msg.ID(), s.clock.Now())
	mctx.SetCorrelationID(t.SagaID)

	if err := s.dispatch(ctx, msg, mctx); err != nil {
		s.handleFailure(ctx, t, err)
		return
	}

	_ = s.store.MarkDelivered(ctx, t.TimeoutID, s.clock.Now())
}

// handleFailure records the attempt and reschedules the row's DueAt to
// now+backoff (base*2^attempts+jitter, the same shape as
// auditexport.sleepBackoff) so PollDue does not surface it again until
// the backoff window elapses. Once maxAttempts is exhausted the row is
// moved to the dead-letter path instead of rescheduled (spec §4.8).
func (s *TimeoutService) handleFailure(ctx context.Context, t *Timeout, lastErr error) {
	now := s.clock.Now()
	attempts, err := s.store.IncrementAttempts(ctx, t.TimeoutID, now.Add(s.backoffDelay(t.Attempts)))
	if err != nil {
		return
	}
	if attempts >= s.maxAttempts {
		s.deadLetter(ctx, t, lastErr)
		_ = s.store.Cancel(ctx, t.SagaID, t.TimeoutID)
	}
}

// backoffDelay computes base*2^priorAttempts plus up to 50ms of jitter,
// mirroring auditexport.sleepBackoff's shape for the same kind of
// transient-failure retry (spec §4.8).
func (s *TimeoutService) backoffDelay(priorAttempts int) time.Duration {
	backoff := time.Duration(math.Pow(2, float64(priorAttempts))) * s.backoffBase
	jitter := time.Duration(0)
	if n, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
		jitter = time.Duration(n.Int64()) * time.Millisecond
	}
	return backoff + jitter
}

// JSONMessageFactory builds a MessageFactory that unmarshals
// serializedPayload as JSON into a registered prototype for
// messageType, returning the populated pointer.
func JSONMessageFactory(prototypes map[string]func() any) MessageFactory {
	return func(messageType string, payload []byte) (any, error) {
		ctor, ok := prototypes[messageType]
		if !ok {
			return nil, fmt.Errorf("saga: no prototype registered for message type %q", messageType)
		}
		v := ctor()
		if err := json.Unmarshal(payload, v); err != nil {
			return nil, fmt.Errorf("saga: unmarshal %q payload: %w", messageType, err)
		}
		return v, nil
	}
}
