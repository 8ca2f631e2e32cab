package saga

import (
	"context"
	"fmt"
	"sync"

	"github.com/TrigintaFaces/excalibur/pkg/clock"
	"github.com/TrigintaFaces/excalibur/pkg/excerrors"
)

// Step is a node in a saga's declarative step graph (spec §4.7).
// Exactly one of the shape-specific fields below is populated; Kind
// selects which. Sequential steps are the common case: Execute runs
// forward, Compensate (optional) undoes it during rollback.
type Step struct {
	Name string
	Kind StepKind

	// Sequential
	Execute    func(ctx context.Context, payload []byte) ([]byte, error)
	Compensate func(ctx context.Context, payload []byte) error

	// Conditional
	Predicate func(ctx context.Context, payload []byte) (bool, error)
	OnTrue    *Step
	OnFalse   *Step

	// Multi-conditional (switch)
	Branches []Branch
	Default  *Step

	// Parallel
	Children    []Step
	FailureMode FailureMode
}

// flattenCompensators walks a step graph (including conditional
// branches and parallel children) and returns a map from step name to
// its Compensate function, for the reverse-order compensation walk.
// stepHistory only records names, not the graph shape, so this lookup
// is rebuilt fresh for every Run.
func flattenCompensators(steps []Step) map[string]func(context.Context, []byte) error {
	out := make(map[string]func(context.Context, []byte) error)
	var walk func(s Step)
	walk = func(s Step) {
		if s.Compensate != nil {
			out[s.Name] = s.Compensate
		}
		if s.OnTrue != nil {
			walk(*s.OnTrue)
		}
		if s.OnFalse != nil {
			walk(*s.OnFalse)
		}
		for _, b := range s.Branches {
			walk(b.Step)
		}
		if s.Default != nil {
			walk(*s.Default)
		}
		for _, child := range s.Children {
			walk(child)
		}
	}
	for _, s := range steps {
		walk(s)
	}
	return out
}

// StepKind discriminates the Step node shapes (spec §4.7).
type StepKind int

const (
	Sequential StepKind = iota
	Conditional
	MultiConditional
	Parallel
)

// Branch is one (predicate, step) pair in a MultiConditional node. The
// first branch whose predicate returns true wins (spec §4.7).
type Branch struct {
	Predicate func(ctx context.Context, payload []byte) (bool, error)
	Step      Step
}

// FailureMode controls a Parallel node's reaction to a child failure.
type FailureMode int

const (
	FailFast FailureMode = iota
	CompleteAll
)

// parallelResult carries a Parallel child's outcome back to its fan-in point.
type parallelResult struct {
	name string
	err  error
}

// Coordinator executes a saga's step graph against a persisted Store,
// recording stepHistory and running compensations in reverse on
// failure (spec §4.7).
type Coordinator struct {
	store Store
	clock clock.Clock
}

// NewCoordinator returns a Coordinator backed by store.
func NewCoordinator(store Store, clk clock.Clock) *Coordinator {
	if clk == nil {
		clk = clock.System{}
	}
	return &Coordinator{store: store, clock: clk}
}

// Run executes steps against the saga identified by sagaID (loading or
// creating it), persisting state after every recorded step, and
// driving compensation on failure (spec §4.7 execution protocol).
func (c *Coordinator) Run(ctx context.Context, sagaID, sagaType string, payload []byte, steps []Step) (*State, error) {
	state, err := c.store.GetByID(ctx, sagaID)
	if err != nil {
		return nil, fmt.Errorf("saga: load state: %w", err)
	}
	now := c.clock.Now()
	if state == nil {
		state = &State{
			SagaID:        sagaID,
			SagaType:      sagaType,
			Status:        StatusPending,
			Payload:       payload,
			Version:       0,
			CreatedAt:     now,
			LastUpdatedAt: now,
		}
	}

	state.Status = StatusRunning
	if err := c.persist(ctx, state); err != nil {
		return nil, err
	}

	failedAt := -1
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			c.recordFailure(state, "cancelled", err)
			_ = c.persist(ctx, state)
			return state, fmt.Errorf("%w: %v", excerrors.ErrCancelled, err)
		}

		_, stepErr := c.runNode(ctx, state, step)
		if stepErr != nil {
			failedAt = i
			break
		}
	}

	if failedAt >= 0 {
		c.compensate(ctx, state, flattenCompensators(steps))
		return state, c.finalizePersist(ctx, state)
	}

	state.Status = StatusCompleted
	return state, c.finalizePersist(ctx, state)
}

// runNode executes one top-level Step, recording start/completion.
// Returns whether a child of a conditional/switch node actually ran
// (for the "skip compensation if nothing executed" rule) and any
// error that should trigger saga-wide compensation.
func (c *Coordinator) runNode(ctx context.Context, state *State, step Step) (bool, error) {
	switch step.Kind {
	case Sequential:
		return true, c.runSequential(ctx, state, step, nil)
	case Conditional:
		return c.runConditional(ctx, state, step)
	case MultiConditional:
		return c.runMultiConditional(ctx, state, step)
	case Parallel:
		return true, c.runParallel(ctx, state, step)
	default:
		return true, c.runSequential(ctx, state, step, nil)
	}
}

// runSequential executes one step. mu is nil on every caller except
// runParallel: a Parallel node's children run in their own goroutines
// but all mutate the same State, so their StepHistory append/backfill
// and Version-bumping persist must be serialized through mu rather
// than racing on the slice header and counters directly (spec §3
// invariants: stepHistory ordering, version strictly increasing).
func (c *Coordinator) runSequential(ctx context.Context, state *State, step Step, mu *sync.Mutex) error {
	lock := func() {
		if mu != nil {
			mu.Lock()
		}
	}
	unlock := func() {
		if mu != nil {
			mu.Unlock()
		}
	}

	lock()
	start := c.clock.Now()
	state.StepHistory = append(state.StepHistory, StepRecord{
		StepName: step.Name, StartedAt: start, Outcome: OutcomeStarted,
	})
	idx := len(state.StepHistory) - 1
	perr := c.persist(ctx, state)
	unlock()
	if perr != nil {
		return perr
	}

	out, err := step.Execute(ctx, state.Payload)
	done := c.clock.Now()

	lock()
	rec := &state.StepHistory[idx]
	rec.CompletedAt = &done
	if err != nil {
		rec.Outcome = OutcomeFailed
		rec.Error = err.Error()
	} else {
		rec.Outcome = OutcomeCompleted
		if out != nil {
			state.Payload = out
		}
	}
	perr = c.persist(ctx, state)
	unlock()
	if perr != nil {
		return perr
	}
	if err != nil {
		return fmt.Errorf("%w: step %q: %v", excerrors.ErrStepFailed, step.Name, err)
	}
	return nil
}

func (c *Coordinator) runConditional(ctx context.Context, state *State, step Step) (bool, error) {
	ok, err := safePredicate(ctx, step.Predicate, state.Payload)
	if err != nil {
		return false, fmt.Errorf("%w: %v", excerrors.ErrConditionEval, err)
	}
	if ok && step.OnTrue != nil {
		return true, c.runSequential(ctx, state, *step.OnTrue, nil)
	}
	if !ok && step.OnFalse != nil {
		return true, c.runSequential(ctx, state, *step.OnFalse, nil)
	}
	return false, nil
}

func (c *Coordinator) runMultiConditional(ctx context.Context, state *State, step Step) (bool, error) {
	for _, branch := range step.Branches {
		ok, err := safePredicate(ctx, branch.Predicate, state.Payload)
		if err != nil {
			// A branch-predicate error fails only that branch's
			// evaluation; fall through to the next branch (spec §4.7).
			continue
		}
		if ok {
			return true, c.runSequential(ctx, state, branch.Step, nil)
		}
	}
	if step.Default != nil {
		return true, c.runSequential(ctx, state, *step.Default, nil)
	}
	return false, nil
}

func (c *Coordinator) runParallel(ctx context.Context, state *State, step Step) error {
	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	results := make(chan parallelResult, len(step.Children))
	for i := range step.Children {
		child := step.Children[i]
		go func() {
			err := c.runSequential(childCtx, state, child, &mu)
			results <- parallelResult{name: child.Name, err: err}
		}()
	}

	var firstErr error
	for range step.Children {
		r := <-results
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			if step.FailureMode == FailFast {
				cancel()
			}
		}
	}
	return firstErr
}

func safePredicate(ctx context.Context, pred func(context.Context, []byte) (bool, error), payload []byte) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("predicate panicked: %v", r)
		}
	}()
	if pred == nil {
		return false, fmt.Errorf("predicate is nil")
	}
	return pred(ctx, payload)
}

func (c *Coordinator) recordFailure(state *State, name string, err error) {
	now := c.clock.Now()
	state.StepHistory = append(state.StepHistory, StepRecord{
		StepName: name, StartedAt: now, CompletedAt: &now,
		Outcome: OutcomeFailed, Error: err.Error(),
	})
}

// compensate walks stepHistory in reverse, invoking Compensate for
// every step whose Outcome was Completed and which declares one (spec
// §4.7 step 3). A compensation failure is recorded in stepHistory as
// CompensationFailed (the coordinator writes no log record) and does
// not abort the walk; the saga ends Failed instead of Compensated if
// any compensation failed.
func (c *Coordinator) compensate(ctx context.Context, state *State, compensators map[string]func(context.Context, []byte) error) {
	state.Status = StatusCompensating
	_ = c.persist(ctx, state)

	anyCompensationFailed := false
	stepsByName := map[string]bool{} // guards against double-compensating repeated step names

	for i := len(state.StepHistory) - 1; i >= 0; i-- {
		rec := state.StepHistory[i]
		if rec.Outcome != OutcomeCompleted {
			continue
		}
		if stepsByName[rec.StepName+"#compensated"] {
			continue
		}

		compensateFn := compensators[rec.StepName]
		now := c.clock.Now()
		if compensateFn == nil {
			state.StepHistory = append(state.StepHistory, StepRecord{
				StepName: rec.StepName, StartedAt: now, CompletedAt: &now,
				Outcome: OutcomeCompensationSkipped,
			})
			_ = c.persist(ctx, state)
			continue
		}

		err := compensateFn(ctx, state.Payload)
		done := c.clock.Now()
		outcome := OutcomeCompensated
		errMsg := ""
		if err != nil {
			outcome = OutcomeCompensationFailed
			errMsg = err.Error()
			anyCompensationFailed = true
		}
		state.StepHistory = append(state.StepHistory, StepRecord{
			StepName: rec.StepName, StartedAt: now, CompletedAt: &done,
			Outcome: outcome, Error: errMsg,
		})
		stepsByName[rec.StepName+"#compensated"] = true
		_ = c.persist(ctx, state)
	}

	if anyCompensationFailed {
		state.Status = StatusFailed
	} else {
		state.Status = StatusCompensated
	}
}

func (c *Coordinator) persist(ctx context.Context, state *State) error {
	state.Version++
	state.LastUpdatedAt = c.clock.Now()
	if err := c.store.Save(ctx, state); err != nil {
		state.Version--
		return err
	}
	return nil
}

func (c *Coordinator) finalizePersist(ctx context.Context, state *State) error {
	return c.persist(ctx, state)
}
