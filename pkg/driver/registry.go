package driver

import (
	"sync"

	"github.com/ferrohq/ferro/pkg/ferroerr"
)

// Factory builds a fresh Bundle for one task. Factories run at node
// load time, never per call.
type Factory func() (*Bundle, error)

// Registry maps hardware-type identifiers to bundle factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for a hardware type.
func (r *Registry) Register(hardwareType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[hardwareType] = factory
}

// Load resolves a hardware type into a Bundle. An unregistered type or
// a failing factory is fatal to the acquisition attempt that asked.
func (r *Registry) Load(hardwareType string) (*Bundle, error) {
	r.mu.RLock()
	factory, ok := r.factories[hardwareType]
	r.mu.RUnlock()
	if !ok {
		return nil, ferroerr.Invalidf("hardware type %q is not registered with this conductor", hardwareType)
	}
	bundle, err := factory()
	if err != nil {
		return nil, err
	}
	bundle.HardwareType = hardwareType
	return bundle, nil
}

// Types lists the registered hardware types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	return out
}
