//go:build property
// +build property

package middleware_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/TrigintaFaces/excalibur/pkg/envelope"
	"github.com/TrigintaFaces/excalibur/pkg/middleware"
)

var allKinds = []envelope.Kind{envelope.KindAction, envelope.KindEvent, envelope.KindDocument}

// TestApplicabilityInvariant checks the universal invariant from spec §8:
// isApplicable(m, k, F) iff k in applicableKinds(m)\excluded(m) and
// requiredFeatures(m) subset of F.
func TestApplicabilityInvariant(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("applicability matches the declarative descriptor", prop.ForAll(
		func(kindIdx, excludedIdx int, requireTracing, activeTracing bool) bool {
			registry := middleware.NewRegistry()
			kind := allKinds[kindIdx%len(allKinds)]
			excluded := allKinds[excludedIdx%len(allKinds)]

			required := envelope.FeatureSet{}
			if requireTracing {
				required = envelope.NewFeatureSet("tracing")
			}

			registry.Register(middleware.Descriptor{
				TypeKey:          "under-test",
				Stage:            middleware.Processing,
				ApplicableKinds:  []envelope.Kind{envelope.KindAction, envelope.KindEvent, envelope.KindDocument},
				ExcludedKinds:    []envelope.Kind{excluded},
				RequiredFeatures: required,
			})
			evaluator := middleware.NewEvaluator(registry)

			active := envelope.FeatureSet{}
			if activeTracing {
				active = envelope.NewFeatureSet("tracing")
			}

			gotWithFeatures := evaluator.IsApplicableTypeWithFeatures("under-test", kind, active)

			expected := kind != excluded && (!requireTracing || activeTracing)
			return gotWithFeatures == expected
		},
		gen.IntRange(0, 2),
		gen.IntRange(0, 2),
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
