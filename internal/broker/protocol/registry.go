package protocol

import (
	"fmt"
	"sync"
)

// Registry maintains a mapping of protocol kinds to their decoders. Decoder
// sub-packages register themselves via Register from an init function, or the
// application installs custom decoders explicitly.
type Registry struct {
	mu       sync.RWMutex
	decoders map[Kind]Decoder
}

// DefaultRegistry is the global decoder registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty decoder registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[Kind]Decoder)}
}

// Register adds a decoder for the given protocol kind, replacing any
// previous registration.
func (r *Registry) Register(kind Kind, dec Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[kind] = dec
}

// Decoder returns the decoder registered for the kind.
func (r *Registry) Decoder(kind Kind) (Decoder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dec, ok := r.decoders[kind]
	if !ok {
		return nil, fmt.Errorf("no decoder registered for protocol %q (registered: %v)", kind, r.kindsLocked())
	}
	return dec, nil
}

// Decode looks up the decoder for the frame's kind and runs it.
func (r *Registry) Decode(frame RawFrame) (Message, error) {
	dec, err := r.Decoder(frame.Kind)
	if err != nil {
		return nil, err
	}
	return dec.Decode(frame)
}

// Kinds returns the registered protocol kinds.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.kindsLocked()
}

func (r *Registry) kindsLocked() []Kind {
	kinds := make([]Kind, 0, len(r.decoders))
	for kind := range r.decoders {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Has reports whether a decoder is registered for the kind.
func (r *Registry) Has(kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.decoders[kind]
	return ok
}

// Register adds a decoder to the default registry.
func Register(kind Kind, dec Decoder) {
	DefaultRegistry.Register(kind, dec)
}
