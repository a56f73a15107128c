package neuron

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNeuron(id string, layer Layer, responder func(string) string) *Neuron {
	return New(Config{
		ID:                  id,
		Layer:               layer,
		ForwardConnections:  []string{"n2"},
		BackwardConnections: []string{"n0"},
		Cognition: NewMockCognition(MockCognitionConfig{
			Responder: responder,
		}),
	})
}

func TestProcessSignalIncrementsStatsAndReturnsToRunning(t *testing.T) {
	n := newTestNeuron("n1", Operational, func(p string) string { return "CONTENT:\nok\n" })
	n.Start()

	_, err := n.ProcessSignal(context.Background(), NewForward("n0", "n1", Implementation, Operational, "hi"))
	require.NoError(t, err)

	h := n.Health()
	assert.Equal(t, Running, h.State)
	assert.Equal(t, uint64(1), h.SignalsProcessed)
	assert.Equal(t, uint64(0), h.ErrorsCount)
}

func TestProcessSignalRecordsErrorAndStaysRunning(t *testing.T) {
	failing := NewMockCognition(MockCognitionConfig{RateLimit: 1})
	n := New(Config{ID: "n1", Layer: Operational, Cognition: failing})
	n.Start()

	// Exhaust the single-request burst so the next call is rate-limited.
	_, _ = n.ProcessSignal(context.Background(), NewForward("n0", "n1", Implementation, Operational, "hi"))
	_, err := n.ProcessSignal(context.Background(), NewForward("n0", "n1", Implementation, Operational, "hi"))
	require.Error(t, err)

	h := n.Health()
	assert.Equal(t, Running, h.State)
	assert.Equal(t, uint64(1), h.ErrorsCount)
}

func TestParseResponseOnlyHonorsConfiguredConnections(t *testing.T) {
	n := newTestNeuron("n1", Operational, nil)
	original := NewForward("n0", "n1", Implementation, Operational, "hi")

	response := "FORWARD_TO: n2, n99\nCONTENT:\nhello child\n"
	signals := n.ParseResponse(response, original)

	require.Len(t, signals, 1)
	assert.Equal(t, "n2", signals[0].To)
	assert.Equal(t, "hello child", signals[0].Activation.Content)
}

func TestParseResponseBackwardDirective(t *testing.T) {
	n := newTestNeuron("n1", Operational, nil)
	original := NewForward("n0", "n1", Implementation, Operational, "hi")

	response := "BACKWARD_TO: n0\nERROR_TYPE: timeout\n"
	signals := n.ParseResponse(response, original)

	require.Len(t, signals, 1)
	assert.Equal(t, Backward, signals[0].Direction)
	assert.Equal(t, "timeout", signals[0].Gradient.ErrorType)
	assert.Equal(t, 0.5, signals[0].Gradient.Magnitude)
}

func TestTargetLayerPrefersRegistryOverFallback(t *testing.T) {
	reg := NewRegistry()
	n1 := newTestNeuron("n1", Strategic, nil)
	n2 := New(Config{ID: "n2", Layer: Reflexive, Cognition: NewMockCognition(MockCognitionConfig{})})
	require.NoError(t, reg.Register(n1))
	require.NoError(t, reg.Register(n2))

	signals := n1.ParseResponse("FORWARD_TO: n2\nCONTENT:\nx\n", Signal{})
	require.Len(t, signals, 1)
	assert.Equal(t, Reflexive, signals[0].LayerTo) // registry hit, not Tactical neighbor fallback
}

func TestTargetLayerFallsBackToNeighborWhenUnresolvable(t *testing.T) {
	n := newTestNeuron("n1", Strategic, nil)
	signals := n.ParseResponse("FORWARD_TO: n2\nCONTENT:\nx\n", Signal{})
	require.Len(t, signals, 1)
	assert.Equal(t, Tactical, signals[0].LayerTo)
}

func TestShutdownRejectsDoubleStop(t *testing.T) {
	n := newTestNeuron("n1", Operational, nil)
	n.Start()
	require.NoError(t, n.Shutdown())
	require.Error(t, n.Shutdown())
}
