package engine

import "sync"

// Registry holds engines in registration order. Selection ties in cost
// resolve to the earliest registered engine, so register the preferred
// engine first. A Registry is a plain value owned by whoever builds the
// pipeline; there is no process-wide instance.
type Registry struct {
	mu      sync.RWMutex
	engines []Engine
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends an engine. Registering a name that already exists
// replaces the engine in place, keeping its original position.
func (r *Registry) Register(e Engine) {
	if e == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, have := range r.engines {
		if have.Name() == e.Name() {
			r.engines[i] = e
			return
		}
	}
	r.engines = append(r.engines, e)
}

// Unregister removes an engine by name. Useful in tests.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, have := range r.engines {
		if have.Name() == name {
			r.engines = append(r.engines[:i], r.engines[i+1:]...)
			return
		}
	}
}

// Engines returns the registered engines in registration order.
func (r *Registry) Engines() []Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Engine, len(r.engines))
	copy(out, r.engines)
	return out
}

// Lookup returns the engine with the given name, nil when absent.
func (r *Registry) Lookup(name string) Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.engines {
		if e.Name() == name {
			return e
		}
	}
	return nil
}
