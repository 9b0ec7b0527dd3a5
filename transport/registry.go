package transport

import (
	"fmt"
	"sort"
	"sync"

	"github.com/drblury/labflow/internal/broker/config"
	"github.com/drblury/labflow/internal/broker/protocol"
)

// Registry maps protocol kinds to listener builders.
type Registry struct {
	mu       sync.RWMutex
	builders map[protocol.Kind]Builder
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[protocol.Kind]Builder)}
}

// defaultRegistry is the package-level registry used by the Register and
// Build functions.
var defaultRegistry = NewRegistry()

// Register adds a builder to the registry, replacing any existing builder
// for the same protocol kind.
func (r *Registry) Register(kind protocol.Kind, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[kind] = builder
}

// Build creates a listener for the instrument's configured protocol.
func (r *Registry) Build(cfg config.InstrumentConfig, deps Deps) (Listener, error) {
	kind, err := protocol.ParseKind(cfg.Protocol)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	builder, ok := r.builders[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("transport: no listener registered for protocol %q (missing adapter import?)", kind)
	}
	return builder(cfg, deps.withDefaults())
}

// Kinds returns the registered protocol kinds, sorted.
func (r *Registry) Kinds() []protocol.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]protocol.Kind, 0, len(r.builders))
	for kind := range r.builders {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Register adds a builder to the default registry.
func Register(kind protocol.Kind, builder Builder) {
	defaultRegistry.Register(kind, builder)
}

// Build creates a listener using the default registry.
func Build(cfg config.InstrumentConfig, deps Deps) (Listener, error) {
	return defaultRegistry.Build(cfg, deps)
}

// Kinds returns the protocol kinds registered in the default registry.
func Kinds() []protocol.Kind {
	return defaultRegistry.Kinds()
}
