package neuron

import (
	"sync"

	hal9errors "github.com/hal9-io/hal9/pkg/errors"
)

// Registry is the concurrent map id → Neuron every higher component
// consumes neurons through. Invariant: no id appears twice.
type Registry struct {
	mu      sync.RWMutex
	neurons map[string]*Neuron
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{neurons: make(map[string]*Neuron)}
}

// Register starts n and adds it under n.ID(). Idempotent: registering the
// same id twice is a no-op returning the existing neuron's error-free
// success, not a duplicate-id error, since the registry invariant only forbids the
// *invariant* of duplicate storage, not a repeated register call.
func (r *Registry) Register(n *Neuron) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.neurons[n.ID()]; exists {
		return nil
	}
	n.SetResolver(r)
	n.Start()
	r.neurons[n.ID()] = n
	return nil
}

// Get returns the neuron registered under id.
func (r *Registry) Get(id string) (*Neuron, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.neurons[id]
	return n, ok
}

// Remove stops and drops the neuron registered under id.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.neurons[id]
	if !ok {
		return hal9errors.NotFound("neuron", id)
	}
	n.Shutdown()
	delete(r.neurons, id)
	return nil
}

// ByLayer returns every currently-registered neuron tagged with layer.
func (r *Registry) ByLayer(layer Layer) []*Neuron {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Neuron
	for _, n := range r.neurons {
		if n.Layer() == layer {
			out = append(out, n)
		}
	}
	return out
}

// ShutdownAll stops every registered neuron and empties the registry.
func (r *Registry) ShutdownAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.neurons {
		n.Shutdown()
	}
	r.neurons = make(map[string]*Neuron)
}

// HealthCheck reports every registered neuron's current health.
func (r *Registry) HealthCheck() map[string]Health {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Health, len(r.neurons))
	for id, n := range r.neurons {
		out[id] = n.Health()
	}
	return out
}

// ResolveLayer satisfies LayerResolver: it lets a neuron's target-layer
// inference prefer an actual registry lookup over the nearest-neighbor
// fallback.
func (r *Registry) ResolveLayer(id string) (Layer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.neurons[id]
	if !ok {
		return 0, false
	}
	return n.Layer(), true
}
