package neuron

import (
	"context"
	"sync"
	"time"

	hal9errors "github.com/hal9-io/hal9/pkg/errors"
)

// State is a Neuron's lifecycle state.
type State int

const (
	Starting State = iota
	Running
	Processing
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Processing:
		return "processing"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Health is a point-in-time snapshot of a Neuron's stats.
type Health struct {
	State            State
	FailureReason    string
	LastSignal       time.Time
	SignalsProcessed uint64
	ErrorsCount      uint64
	UptimeSeconds    int64
}

// LayerResolver looks up a neuron id's actual layer, letting ParseResponse
// prefer a registry hit over the nearest-neighbor fallback.
// Registry satisfies this interface.
type LayerResolver interface {
	ResolveLayer(id string) (Layer, bool)
}

// Config describes a Neuron at creation time.
type Config struct {
	ID                  string
	Layer               Layer
	ForwardConnections  []string
	BackwardConnections []string
	Settings            map[string]string
	Cognition           Cognition
}

// Neuron is a managed processing unit wrapping a Cognition callable. It
// owns its own state machine and stats; the Registry owns its lifecycle.
type Neuron struct {
	id                  string
	layer               Layer
	forwardConnections  []string
	backwardConnections []string
	settings            map[string]string
	cognition           Cognition
	resolver            LayerResolver

	mu            sync.RWMutex
	state         State
	failureReason string

	signalsProcessed uint64
	errorsCount      uint64
	lastSignal       time.Time
	startedAt        time.Time
}

// New creates a Neuron in the Starting state.
func New(cfg Config) *Neuron {
	return &Neuron{
		id:                  cfg.ID,
		layer:               cfg.Layer,
		forwardConnections:  cfg.ForwardConnections,
		backwardConnections: cfg.BackwardConnections,
		settings:            cfg.Settings,
		cognition:           cfg.Cognition,
		state:               Starting,
	}
}

// ID returns the neuron's stable identity.
func (n *Neuron) ID() string { return n.id }

// Layer returns the neuron's cognitive tier.
func (n *Neuron) Layer() Layer { return n.layer }

// SetResolver wires in the Registry (or any LayerResolver) so target-layer
// inference can prefer a real lookup over the neighbor fallback. Called by
// Registry.Register.
func (n *Neuron) SetResolver(r LayerResolver) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resolver = r
}

// Start transitions Starting → Running and records the start time.
func (n *Neuron) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.startedAt = time.Now()
	n.state = Running
}

// targetLayer infers target's layer: registry lookup first, then the
// nearest-neighbor rule (L4→L3, L3→L2, L2→L1, L1→L1) as a fallback when the
// registry cannot resolve it.
func (n *Neuron) targetLayer(target string) Layer {
	if n.resolver != nil {
		if l, ok := n.resolver.ResolveLayer(target); ok {
			return l
		}
	}
	if n.layer == Reflexive {
		return Reflexive
	}
	return n.layer - 1
}

// ProcessSignal formats signal into a prompt, invokes the cognition
// callable, and updates stats and state accordingly.
func (n *Neuron) ProcessSignal(ctx context.Context, signal Signal) (string, error) {
	n.mu.Lock()
	n.state = Processing
	n.mu.Unlock()

	prompt := formatPrompt(signal)
	response, err := n.cognition.Invoke(ctx, prompt)

	n.mu.Lock()
	defer n.mu.Unlock()
	if err != nil {
		n.errorsCount++
		n.state = Running
		return "", err
	}
	n.signalsProcessed++
	n.lastSignal = time.Now()
	n.state = Running
	return response, nil
}

// Fail transitions the neuron into Failed{reason}, reachable from Running
// or Processing.
func (n *Neuron) Fail(reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = Failed
	n.failureReason = reason
}

// Health reports the neuron's current state and stats.
func (n *Neuron) Health() Health {
	n.mu.RLock()
	defer n.mu.RUnlock()

	var uptime int64
	if !n.startedAt.IsZero() {
		uptime = int64(time.Since(n.startedAt).Seconds())
	}
	return Health{
		State:            n.state,
		FailureReason:    n.failureReason,
		LastSignal:       n.lastSignal,
		SignalsProcessed: n.signalsProcessed,
		ErrorsCount:      n.errorsCount,
		UptimeSeconds:    uptime,
	}
}

// Shutdown transitions the neuron to Stopped.
func (n *Neuron) Shutdown() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == Stopped {
		return hal9errors.InvalidState("neuron %s already stopped", n.id)
	}
	n.state = Stopped
	return nil
}

func formatPrompt(s Signal) string {
	if s.Direction == Backward && s.Gradient != nil {
		return "BACKWARD_SIGNAL\nFrom: " + s.From + "\nError: " + s.Gradient.ErrorType + "\n"
	}
	return "FORWARD_SIGNAL\nFrom: " + s.From + "\nContent: " + s.Activation.Content + "\n"
}
