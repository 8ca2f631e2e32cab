package dispatch

import (
	"fmt"
	"sync"

	"github.com/TrigintaFaces/excalibur/pkg/excerrors"
)

// Registration is the type-erased record a Registry stores per
// message type: the declared Shape plus whichever one of the five
// handler fields is populated.
type Registration struct {
	Shape           Shape
	Action          ActionHandler
	StreamOut       StreamOutHandler
	StreamIn        StreamInHandler
	StreamTransform StreamTransformHandler
	Progress        ProgressHandler
}

// Registry maps a message type name to the Registration resolved for
// it (spec §4.4: "resolution is by the declared ... signature of the
// handler interface for the message type").
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Registration
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Registration)}
}

func (r *Registry) register(typeName string, reg Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[typeName]; exists {
		return fmt.Errorf("%w: handler for %q", excerrors.ErrAlreadyRegistered, typeName)
	}
	r.handlers[typeName] = reg
	return nil
}

// RegisterAction registers h as the action handler for typeName.
func (r *Registry) RegisterAction(typeName string, h ActionHandler) error {
	return r.register(typeName, Registration{Shape: ActionShape, Action: h})
}

// RegisterStreamOut registers h as the streaming-document handler for typeName.
func (r *Registry) RegisterStreamOut(typeName string, h StreamOutHandler) error {
	return r.register(typeName, Registration{Shape: StreamOutShape, StreamOut: h})
}

// RegisterStreamIn registers h as the stream-consumer handler for typeName.
func (r *Registry) RegisterStreamIn(typeName string, h StreamInHandler) error {
	return r.register(typeName, Registration{Shape: StreamInShape, StreamIn: h})
}

// RegisterStreamTransform registers h as the stream-transform handler for typeName.
func (r *Registry) RegisterStreamTransform(typeName string, h StreamTransformHandler) error {
	return r.register(typeName, Registration{Shape: StreamTransformShape, StreamTransform: h})
}

// RegisterProgress registers h as the progress-reporting handler for typeName.
func (r *Registry) RegisterProgress(typeName string, h ProgressHandler) error {
	return r.register(typeName, Registration{Shape: ProgressShape, Progress: h})
}

// Resolve returns the Registration for typeName, if any.
func (r *Registry) Resolve(typeName string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[typeName]
	return reg, ok
}
