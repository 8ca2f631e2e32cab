// Package middleware implements the Middleware Applicability Evaluator
// (C2) and the Dispatch Pipeline Invoker (C3) from spec §4.2–§4.3.
//
// Per the redesign note in spec §9, middleware discovery is an
// explicit registration builder rather than reflective attribute
// scanning: callers hand the Registry a Descriptor up front, and the
// Evaluator reduces to a small cached lookup.
package middleware

import "github.com/TrigintaFaces/excalibur/pkg/envelope"

// Stage is the coarse pipeline phase a middleware runs in (spec §3).
type Stage int

const (
	PreProcessing Stage = iota
	Validation
	Authorization
	Processing
	PostProcessing
	End
)

var stageNames = map[Stage]string{
	PreProcessing:  "PreProcessing",
	Validation:     "Validation",
	Authorization:  "Authorization",
	Processing:     "Processing",
	PostProcessing: "PostProcessing",
	End:            "End",
}

// String renders the Stage name, for logging.
func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "Unknown"
}

// Descriptor declares a middleware's applicability and pipeline stage
// (spec §3). A Descriptor applies to a (kind, features) pair iff
// kind is in ApplicableKinds\ExcludedKinds and RequiredFeatures is a
// subset of the active feature set.
type Descriptor struct {
	// TypeKey identifies the middleware type, e.g. a package-qualified
	// Go type name. It is the cache key for the Evaluator.
	TypeKey string

	Stage            Stage
	ApplicableKinds  []envelope.Kind
	ExcludedKinds    []envelope.Kind
	RequiredFeatures envelope.FeatureSet

	// registrationOrder is assigned by Registry.Register and used as
	// the tie-breaker within a Stage (spec §4.3).
	registrationOrder int
}

// Applies reports whether the descriptor applies to the given kind and
// active feature set.
func (d Descriptor) Applies(kind envelope.Kind, active envelope.FeatureSet) bool {
	if !containsKind(d.ExcludedKinds, kind) {
		if !kindMatches(d.ApplicableKinds, kind) {
			return false
		}
	} else {
		return false
	}
	return active.SupersetOf(d.RequiredFeatures)
}

func kindMatches(kinds []envelope.Kind, kind envelope.Kind) bool {
	for _, k := range kinds {
		if k == kind || k == envelope.KindAll {
			return true
		}
	}
	return false
}

func containsKind(kinds []envelope.Kind, kind envelope.Kind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}
