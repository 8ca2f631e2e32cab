// Package envelope defines the message envelope and message context
// that flow through the dispatch pipeline (spec §3, component C1).
//
// A Message is immutable once constructed: the pipeline borrows it and
// must never mutate it. A Context carries per-dispatch identity and is
// mutable only via its typed setters before the message enters the
// pipeline; once inside, it is treated as read-only.
package envelope

import (
	"strings"
	"time"

	"github.com/TrigintaFaces/excalibur/pkg/idgen"
)

// Kind classifies a Message for middleware applicability (spec §3, §4.3).
type Kind string

const (
	KindAction   Kind = "Action"
	KindEvent    Kind = "Event"
	KindDocument Kind = "Document"
	KindAll      Kind = "All" // matches any middleware's applicable-kinds set
)

// Feature is a capability tag attached to a message (e.g. "tracing", "metrics").
type Feature string

// FeatureSet is an unordered set of active Features.
type FeatureSet map[Feature]struct{}

// NewFeatureSet builds a FeatureSet from the given features.
func NewFeatureSet(features ...Feature) FeatureSet {
	s := make(FeatureSet, len(features))
	for _, f := range features {
		s[f] = struct{}{}
	}
	return s
}

// Has reports whether f is present in the set.
func (s FeatureSet) Has(f Feature) bool {
	_, ok := s[f]
	return ok
}

// SupersetOf reports whether s contains every feature in required.
func (s FeatureSet) SupersetOf(required FeatureSet) bool {
	for f := range required {
		if !s.Has(f) {
			return false
		}
	}
	return true
}

// Message is the immutable envelope handed to the dispatch pipeline.
type Message struct {
	id         string
	occurredAt time.Time
	kind       Kind
	body       any
	typeName   string
	headers    map[string]string
	features   FeatureSet
}

// Option configures a Message at construction time.
type Option func(*Message)

// WithKind pins an explicit MessageKind, bypassing type-name classification.
func WithKind(k Kind) Option {
	return func(m *Message) { m.kind = k }
}

// WithHeaders attaches headers to the message. The map is copied.
func WithHeaders(headers map[string]string) Option {
	return func(m *Message) {
		m.headers = make(map[string]string, len(headers))
		for k, v := range headers {
			m.headers[k] = v
		}
	}
}

// WithFeatures attaches the active feature set for this message.
func WithFeatures(features ...Feature) Option {
	return func(m *Message) { m.features = NewFeatureSet(features...) }
}

// WithOccurredAt overrides the monotonic UTC occurredAt timestamp (tests only).
func WithOccurredAt(t time.Time) Option {
	return func(m *Message) { m.occurredAt = t.UTC() }
}

// WithTypeName overrides type-name classification input explicitly,
// useful when body is an interface{} wrapping an unexported type.
func WithTypeName(name string) Option {
	return func(m *Message) { m.typeName = name }
}

// New constructs an immutable Message envelope around body. The
// concrete Go type name of body drives kind classification (spec §4.3)
// unless WithKind is supplied.
func New(body any, opts ...Option) *Message {
	m := &Message{
		id:         idgen.New26(),
		occurredAt: time.Now().UTC(),
		body:       body,
		headers:    map[string]string{},
		features:   FeatureSet{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.typeName == "" {
		m.typeName = typeName(body)
	}
	if m.kind == "" {
		m.kind = ClassifyByName(m.typeName)
	}
	return m
}

// ID returns the message's identity (ULID-like, monotonically sortable).
func (m *Message) ID() string { return m.id }

// OccurredAt returns the monotonic UTC creation timestamp.
func (m *Message) OccurredAt() time.Time { return m.occurredAt }

// Kind returns the message's classification.
func (m *Message) Kind() Kind { return m.kind }

// Body returns the typed payload. Callers must not mutate it.
func (m *Message) Body() any { return m.body }

// TypeName returns the Go type name used for classification and handler lookup.
func (m *Message) TypeName() string { return m.typeName }

// Header returns a header value and whether it was present.
func (m *Message) Header(key string) (string, bool) {
	v, ok := m.headers[key]
	return v, ok
}

// Headers returns a copy of the header map.
func (m *Message) Headers() map[string]string {
	out := make(map[string]string, len(m.headers))
	for k, v := range m.headers {
		out[k] = v
	}
	return out
}

// Features returns the message's active feature set.
func (m *Message) Features() FeatureSet { return m.features }

// ClassifyByName classifies a message by Go type-name convention (spec §4.3):
// "...Command" or "...Action" -> Action, "...Event" -> Event,
// "...Document" -> Document, otherwise Action.
func ClassifyByName(typeName string) Kind {
	short := typeName
	if idx := strings.LastIndexByte(short, '.'); idx >= 0 {
		short = short[idx+1:]
	}
	switch {
	case strings.HasSuffix(short, "Command"), strings.HasSuffix(short, "Action"):
		return KindAction
	case strings.HasSuffix(short, "Event"):
		return KindEvent
	case strings.HasSuffix(short, "Document"):
		return KindDocument
	default:
		return KindAction
	}
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	t := derefType(v)
	return t
}
