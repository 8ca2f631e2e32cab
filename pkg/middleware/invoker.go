package middleware

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/TrigintaFaces/excalibur/pkg/envelope"
	"github.com/TrigintaFaces/excalibur/pkg/excerrors"
)

// Next is the continuation a middleware invokes to proceed to the rest
// of the chain; the final middleware's Next is the registered handler
// delegate (spec §4.3).
type Next func(ctx context.Context, msg *envelope.Message, mctx *envelope.Context) (*Result, error)

// Middleware is one link in the dispatch pipeline.
type Middleware interface {
	Invoke(ctx context.Context, msg *envelope.Message, mctx *envelope.Context, next Next) (*Result, error)
}

// Entry registers a Middleware instance under the TypeKey its
// Descriptor was registered with.
type Entry struct {
	TypeKey    string
	Middleware Middleware
}

// Invoker builds and executes the ordered, filtered middleware chain
// terminating at a final delegate (spec §4.3).
type Invoker struct {
	evaluator *Evaluator
	entries   []Entry

	cacheEnabled bool
	cacheMu      sync.RWMutex
	pipelines    map[string][]Entry
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithCachingDisabled forces the filtered pipeline to be recomputed on
// every Invoke call (spec §4.3's "enableCaching" config option).
func WithCachingDisabled() InvokerOption {
	return func(i *Invoker) { i.cacheEnabled = false }
}

// NewInvoker returns an Invoker that filters entries through evaluator.
func NewInvoker(evaluator *Evaluator, entries []Entry, opts ...InvokerOption) *Invoker {
	inv := &Invoker{
		evaluator:    evaluator,
		entries:      entries,
		cacheEnabled: true,
		pipelines:    make(map[string][]Entry),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Invoke runs msg through the filtered, stage-ordered middleware chain,
// calling final once every applicable middleware has run (spec §4.3).
func (inv *Invoker) Invoke(ctx context.Context, msg *envelope.Message, mctx *envelope.Context, final Next) (*Result, error) {
	if msg == nil || mctx == nil || final == nil {
		return nil, excerrors.ErrArgumentInvalid
	}

	chainEntries := inv.resolvePipeline(msg)

	next := final
	for i := len(chainEntries) - 1; i >= 0; i-- {
		mw := chainEntries[i].Middleware
		captured := next
		next = func(ctx context.Context, msg *envelope.Message, mctx *envelope.Context) (*Result, error) {
			return mw.Invoke(ctx, msg, mctx, captured)
		}
	}

	return next(ctx, msg, mctx)
}

// resolvePipeline returns the stage-ordered, applicability-filtered
// entries for msg, consulting the invoker's own cache when enabled
// (spec §4.3: "(messageType, activeFeaturesSnapshot) -> filteredMiddlewareArray").
func (inv *Invoker) resolvePipeline(msg *envelope.Message) []Entry {
	key := cacheKeyFor(msg)

	if inv.cacheEnabled {
		inv.cacheMu.RLock()
		cached, ok := inv.pipelines[key]
		inv.cacheMu.RUnlock()
		if ok {
			return cached
		}
	}

	filtered := inv.filterAndSort(msg)

	if inv.cacheEnabled {
		inv.cacheMu.Lock()
		inv.pipelines[key] = filtered
		inv.cacheMu.Unlock()
	}

	return filtered
}

func (inv *Invoker) filterAndSort(msg *envelope.Message) []Entry {
	candidates := make([]FilterEntry, len(inv.entries))
	for i, e := range inv.entries {
		candidates[i] = FilterEntry{TypeKey: e.TypeKey, Instance: e.Middleware}
	}

	filteredKeys := inv.evaluator.Filter(candidates, msg.Kind(), msg.Features())
	allowed := make(map[string]bool, len(filteredKeys))
	for _, f := range filteredKeys {
		allowed[f.TypeKey] = true
	}

	out := make([]Entry, 0, len(filteredKeys))
	for _, e := range inv.entries {
		if allowed[e.TypeKey] {
			out = append(out, e)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		di, _ := inv.evaluator.registry.Lookup(out[i].TypeKey)
		dj, _ := inv.evaluator.registry.Lookup(out[j].TypeKey)
		if di.Stage != dj.Stage {
			return di.Stage < dj.Stage
		}
		return di.registrationOrder < dj.registrationOrder
	})

	return out
}

// cacheKeyFor builds the (messageType, activeFeaturesSnapshot) cache
// key. Features are sorted so the snapshot is stable regardless of
// set iteration order.
func cacheKeyFor(msg *envelope.Message) string {
	features := make([]string, 0, len(msg.Features()))
	for f := range msg.Features() {
		features = append(features, string(f))
	}
	sort.Strings(features)
	return msg.TypeName() + "|" + string(msg.Kind()) + "|" + strings.Join(features, ",")
}

// InvalidateCache clears the invoker's filtered-pipeline cache. A
// cache hit must only be used while activeFeatures is unchanged since
// insertion (spec §4.3); callers that mutate global feature flags at
// runtime should invalidate explicitly.
func (inv *Invoker) InvalidateCache() {
	inv.cacheMu.Lock()
	defer inv.cacheMu.Unlock()
	inv.pipelines = make(map[string][]Entry)
}

// PipelineLength returns the number of middleware entries the filtered
// pipeline for msg would contain, for the ambient tracing layer's
// "pipeline.length" span attribute (SPEC_FULL §4.3). It shares the
// same cache as Invoke.
func (inv *Invoker) PipelineLength(msg *envelope.Message) int {
	return len(inv.resolvePipeline(msg))
}

// CompilePipeline pre-assembles the flat, stage-ordered entry list for
// a message type/kind pair whose routing is fully determined at
// registration time (spec §4.3, "static vs dynamic pipeline"). It
// shares filterAndSort with the dynamic path, so both observe
// identical order, short-circuit and cancellation semantics.
func (inv *Invoker) CompilePipeline(typeName string, kind envelope.Kind, features envelope.FeatureSet) []Entry {
	probe := envelope.New(struct{}{}, envelope.WithTypeName(typeName), envelope.WithKind(kind), withFeatureSlice(features)...)
	return inv.filterAndSort(probe)
}

func withFeatureSlice(features envelope.FeatureSet) []envelope.Option {
	list := make([]envelope.Feature, 0, len(features))
	for f := range features {
		list = append(list, f)
	}
	return []envelope.Option{envelope.WithFeatures(list...)}
}
