package middleware

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/TrigintaFaces/excalibur/pkg/envelope"
)

// InstanceDescribed is implemented by a middleware instance that wants
// to report its own applicability at runtime instead of relying solely
// on a statically-registered Descriptor. Per spec §4.2, a type-level
// Descriptor always takes precedence over an instance's own report.
type InstanceDescribed interface {
	IsApplicable(kind envelope.Kind, active envelope.FeatureSet) (bool, error)
}

// ErrorLogger is called at most once per middleware type name when a
// filter evaluation fails (spec §4.2).
type ErrorLogger func(typeKey string, err error)

// Evaluator decides whether a middleware applies to a (kind, features)
// pair, backed by the Registry's explicit descriptors and a
// three-phase cache (spec §4.2).
type Evaluator struct {
	registry *Registry
	cache    *applicabilityCache

	// includeOnFilterError selects the failure policy: true (default)
	// treats a middleware that errored during evaluation as
	// applicable; false excludes it. Either way the error is logged
	// once per type.
	includeOnFilterError bool

	logger      ErrorLogger
	loggedMu    sync.Mutex
	loggedTypes map[string]bool

	hits   int64
	misses int64
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithExcludeOnFilterError switches the failure policy to exclude
// (spec §4.2 default is include=true).
func WithExcludeOnFilterError() EvaluatorOption {
	return func(e *Evaluator) { e.includeOnFilterError = false }
}

// WithErrorLogger sets the once-per-type error logging hook.
func WithErrorLogger(logger ErrorLogger) EvaluatorOption {
	return func(e *Evaluator) { e.logger = logger }
}

// NewEvaluator returns an Evaluator backed by registry.
func NewEvaluator(registry *Registry, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		registry:              registry,
		cache:                 newApplicabilityCache(),
		includeOnFilterError:  true,
		logger:                func(string, error) {},
		loggedTypes:           make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Stats reports cache hit/miss counters for operational visibility (SPEC_FULL §4.2).
type Stats struct {
	Hits   int64
	Misses int64
	Frozen bool
}

// Stats returns a snapshot of the evaluator's cache counters.
func (e *Evaluator) Stats() Stats {
	return Stats{
		Hits:   atomic.LoadInt64(&e.hits),
		Misses: atomic.LoadInt64(&e.misses),
		Frozen: e.cache.frozen(),
	}
}

// Freeze transitions the applicability cache to its read-only phase.
// Idempotent (spec §4.2, §8).
func (e *Evaluator) Freeze() { e.cache.freeze() }

// ClearCache resets the cache to the warm phase, for test isolation (spec §9).
func (e *Evaluator) ClearCache() { e.cache.clear() }

// lift resolves the Descriptor for typeKey, consulting the cache first.
func (e *Evaluator) lift(typeKey string) (Descriptor, bool) {
	if d, ok := e.cache.get(typeKey); ok {
		atomic.AddInt64(&e.hits, 1)
		return d, true
	}
	atomic.AddInt64(&e.misses, 1)

	d, ok := e.registry.Lookup(typeKey)
	if !ok {
		return Descriptor{}, false
	}
	e.cache.put(typeKey, d)
	return d, true
}

// IsApplicableType reports whether the middleware registered under
// typeKey applies to kind, with no feature requirements considered.
func (e *Evaluator) IsApplicableType(typeKey string, kind envelope.Kind) bool {
	return e.IsApplicableTypeWithFeatures(typeKey, kind, envelope.FeatureSet{})
}

// IsApplicableTypeWithFeatures reports whether typeKey applies to
// (kind, active).
func (e *Evaluator) IsApplicableTypeWithFeatures(typeKey string, kind envelope.Kind, active envelope.FeatureSet) bool {
	d, ok := e.lift(typeKey)
	if !ok {
		return e.handleFilterError(typeKey, fmt.Errorf("middleware: no descriptor registered for %q", typeKey))
	}
	return d.Applies(kind, active)
}

// IsApplicableInstance reports whether instance applies to (kind,
// active). If typeKey has a registered Descriptor, it takes
// precedence over instance.IsApplicable (spec §4.2).
func (e *Evaluator) IsApplicableInstance(typeKey string, instance any, kind envelope.Kind, active envelope.FeatureSet) bool {
	if d, ok := e.lift(typeKey); ok {
		return d.Applies(kind, active)
	}

	described, ok := instance.(InstanceDescribed)
	if !ok {
		return e.handleFilterError(typeKey, fmt.Errorf("middleware: %q has neither a descriptor nor InstanceDescribed", typeKey))
	}

	applicable, err := safeIsApplicable(described, kind, active)
	if err != nil {
		return e.handleFilterError(typeKey, err)
	}
	return applicable
}

func safeIsApplicable(described InstanceDescribed, kind envelope.Kind, active envelope.FeatureSet) (applicable bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("middleware: IsApplicable panicked: %v", r)
		}
	}()
	return described.IsApplicable(kind, active)
}

func (e *Evaluator) handleFilterError(typeKey string, err error) bool {
	e.loggedMu.Lock()
	if !e.loggedTypes[typeKey] {
		e.loggedTypes[typeKey] = true
		e.loggedMu.Unlock()
		e.logger(typeKey, err)
	} else {
		e.loggedMu.Unlock()
	}
	return e.includeOnFilterError
}

// FilterEntry pairs a middleware type key with its instance, the unit
// Filter operates over.
type FilterEntry struct {
	TypeKey  string
	Instance any
}

// Filter returns the subset of entries applicable to (kind, active),
// preserving input order (spec §4.2).
func (e *Evaluator) Filter(entries []FilterEntry, kind envelope.Kind, active envelope.FeatureSet) []FilterEntry {
	out := make([]FilterEntry, 0, len(entries))
	for _, entry := range entries {
		if e.IsApplicableInstance(entry.TypeKey, entry.Instance, kind, active) {
			out = append(out, entry)
		}
	}
	return out
}
