// Package dispatch implements the Handler Registry and the five
// handler invocation shapes from spec §4.4 (component C4): action,
// streaming document (stream-out), stream consumer (stream-in),
// stream transform, and progress.
package dispatch

// Shape identifies which of the five invocation signatures a
// registered handler implements. Resolution is driven by which Shape
// a message type was registered under, playing the role the source
// system's deep handler-interface hierarchy played (spec §9: "map to
// a sum type of invocation shapes keyed by a small enum").
type Shape int

const (
	ActionShape Shape = iota
	StreamOutShape
	StreamInShape
	StreamTransformShape
	ProgressShape
)

func (s Shape) String() string {
	switch s {
	case ActionShape:
		return "ActionHandler"
	case StreamOutShape:
		return "StreamOutHandler"
	case StreamInShape:
		return "StreamInHandler"
	case StreamTransformShape:
		return "StreamTransformHandler"
	case ProgressShape:
		return "ProgressHandler"
	default:
		return "UnknownHandler"
	}
}
