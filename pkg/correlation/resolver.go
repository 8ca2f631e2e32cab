// Package correlation implements the Correlation Resolver (C5, spec
// §4.5): given a saga type and an arbitrary message, it returns the
// correlation key used to look up or create that saga's persisted
// state, or reports "no match".
//
// Resolution tries, in order, an explicit builder rule, a
// property-annotated field, and two naming conventions. The annotated
// field is discovered once per message type and cached; the two
// naming-convention lookups are not cached and reflect on the message
// on every call.
package correlation

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/TrigintaFaces/excalibur/pkg/excerrors"
)

// Accessor extracts a correlation value from a message. It returns
// ok=false when the property is missing or null, which fails the
// match (spec §4.5).
type Accessor func(msg any) (value string, ok bool)

// Rule is an explicit builder rule registered for a (sagaType,
// messageType) pair (spec §4.5 resolution step 1). Composite keys join
// each accessor's value with "|"; RequireAll mirrors
// requireAllProperties (default true): when set, every accessor must
// match or the whole rule fails.
type Rule struct {
	Accessors  []Accessor
	RequireAll bool
}

func (r Rule) resolve(msg any) (string, bool) {
	parts := make([]string, 0, len(r.Accessors))
	for _, acc := range r.Accessors {
		v, ok := acc(msg)
		if !ok {
			if r.RequireAll {
				return "", false
			}
			continue
		}
		parts = append(parts, v)
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "|"), true
}

type ruleKey struct {
	sagaType    string
	messageType string
}

// Registry holds explicit builder rules and the per-type cache of
// annotated/convention accessors (spec §4.5: "registry is a mapping
// from messageType -> accessor with stable insertion semantics;
// re-registration is a programming error").
type Registry struct {
	mu    sync.RWMutex
	rules map[ruleKey]Rule

	annotatedMu sync.RWMutex
	annotated   map[reflect.Type]Accessor // discovered once per type, cached
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		rules:     make(map[ruleKey]Rule),
		annotated: make(map[reflect.Type]Accessor),
	}
}

// Register records an explicit builder Rule for (sagaType,
// messageType). Re-registration is a programming error and panics,
// matching the registry convention used by pkg/middleware.Registry.
func (r *Registry) Register(sagaType, messageType string, rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := ruleKey{sagaType: sagaType, messageType: messageType}
	if _, exists := r.rules[key]; exists {
		panic(fmt.Sprintf("correlation: rule for saga %q, message %q already registered", sagaType, messageType))
	}
	r.rules[key] = rule
}

// CorrelationTag is the struct tag name used to annotate a field as
// the correlation key for resolution step 2 (spec §4.5), e.g.
// `correlation:"key"`.
const CorrelationTag = "correlation"

// correlationTagValue marks a field as the correlation key.
const correlationTagValue = "key"

// Resolve returns the correlation key for msg under sagaType, trying
// each resolution step in order and stopping at the first match (spec
// §4.5). The second return value reports whether any step matched.
func (r *Registry) Resolve(sagaType, messageType string, msg any) (string, bool) {
	r.mu.RLock()
	rule, ok := r.rules[ruleKey{sagaType: sagaType, messageType: messageType}]
	r.mu.RUnlock()
	if ok {
		if v, matched := rule.resolve(msg); matched {
			return v, true
		}
	}

	if acc := r.annotatedAccessor(msg); acc != nil {
		if v, matched := acc(msg); matched {
			return v, true
		}
	}

	if v, ok := fieldByName(msg, "SagaId"); ok {
		return v, true
	}
	if v, ok := fieldByName(msg, "CorrelationId"); ok {
		return v, true
	}

	return "", false
}

// MustResolve is Resolve but returns excerrors.ErrCorrelationNotFound
// on a miss, for callers that want an error return instead of a bool.
func (r *Registry) MustResolve(sagaType, messageType string, msg any) (string, error) {
	v, ok := r.Resolve(sagaType, messageType, msg)
	if !ok {
		return "", fmt.Errorf("%w: saga %q, message %q", excerrors.ErrCorrelationNotFound, sagaType, messageType)
	}
	return v, nil
}

// annotatedAccessor discovers (once per concrete type, then cached) a
// field tagged `correlation:"key"` and returns an Accessor for it, or
// nil if no field is tagged.
func (r *Registry) annotatedAccessor(msg any) Accessor {
	t := reflect.TypeOf(msg)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil
	}

	r.annotatedMu.RLock()
	acc, cached := r.annotated[t]
	r.annotatedMu.RUnlock()
	if cached {
		return acc
	}

	fieldName := ""
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Tag.Get(CorrelationTag) == correlationTagValue {
			fieldName = f.Name
			break
		}
	}

	if fieldName != "" {
		name := fieldName
		acc = func(msg any) (string, bool) { return fieldByName(msg, name) }
	}

	r.annotatedMu.Lock()
	r.annotated[t] = acc
	r.annotatedMu.Unlock()
	return acc
}

// fieldByName returns the string value of msg's exported field named
// name, or ok=false if the field is missing, not a string, or empty
// (a null/missing property fails the match per spec §4.5).
func fieldByName(msg any, name string) (string, bool) {
	v := reflect.ValueOf(msg)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return "", false
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return "", false
	}
	f := v.FieldByName(name)
	if !f.IsValid() || !f.CanInterface() {
		return "", false
	}
	switch f.Kind() {
	case reflect.String:
		s := f.String()
		if s == "" {
			return "", false
		}
		return s, true
	case reflect.Ptr:
		if f.IsNil() || f.Elem().Kind() != reflect.String {
			return "", false
		}
		s := f.Elem().String()
		if s == "" {
			return "", false
		}
		return s, true
	default:
		return "", false
	}
}

// FieldAccessor returns an Accessor reading the named exported string
// field of a message, for use as a Rule.Accessors entry.
func FieldAccessor(name string) Accessor {
	return func(msg any) (string, bool) { return fieldByName(msg, name) }
}
