package distrouter

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hal9-io/hal9/pkg/logging"
	"github.com/hal9-io/hal9/pkg/neuron"
	"github.com/hal9-io/hal9/pkg/pool"
	"github.com/hal9-io/hal9/pkg/wire"
)

func testLogger(t *testing.T) *logging.StructuredLogger {
	t.Helper()
	log, err := logging.NewStructuredLogger(&logging.LoggerConfig{
		Level:  logging.LevelError,
		Format: logging.FormatText,
		Output: io.Discard,
	})
	require.NoError(t, err)
	return log
}

// fakeResolver reports a fixed set of local neuron ids.
type fakeResolver struct {
	local map[string]struct{}
}

func (f *fakeResolver) Get(id string) (*neuron.Neuron, bool) {
	_, ok := f.local[id]
	if !ok {
		return nil, false
	}
	return &neuron.Neuron{}, true
}

// fakeSender records every signal it's asked to deliver locally.
type fakeSender struct {
	mu      sync.Mutex
	sent    []neuron.Signal
}

func (f *fakeSender) Send(ctx context.Context, s neuron.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, s)
	return nil
}

func (f *fakeSender) signals() []neuron.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]neuron.Signal, len(f.sent))
	copy(out, f.sent)
	return out
}

func TestRouteSignalDelegatesToLocalWhenTargetIsLocal(t *testing.T) {
	resolver := &fakeResolver{local: map[string]struct{}{"n1": {}}}
	sender := &fakeSender{}
	r := New(Config{ServerID: "srv-1"}, sender, resolver, nil, testLogger(t))

	sig := neuron.Signal{To: "n1", ID: "sig-1"}
	require.NoError(t, r.RouteSignal(context.Background(), sig))

	sent := sender.signals()
	require.Len(t, sent, 1)
	assert.Equal(t, "sig-1", sent[0].ID)
}

func TestRouteSignalFailsForUnknownNeuron(t *testing.T) {
	resolver := &fakeResolver{local: map[string]struct{}{}}
	sender := &fakeSender{}
	r := New(Config{ServerID: "srv-1"}, sender, resolver, nil, testLogger(t))

	err := r.RouteSignal(context.Background(), neuron.Signal{To: "ghost"})
	require.Error(t, err)
}

func TestRouteSignalSendsRemoteOverTransportWithViaServerSet(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan neuron.Signal, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		f, err := wire.ReadFrame(bufio.NewReader(conn))
		if err != nil {
			return
		}
		sig, err := wire.DecodeSignal(f)
		if err == nil {
			received <- sig
		}
	}()

	p := pool.New(pool.DefaultConfig(), nil)
	defer p.Shutdown()

	resolver := &fakeResolver{local: map[string]struct{}{}}
	sender := &fakeSender{}
	r := New(Config{ServerID: "srv-1"}, sender, resolver, p, testLogger(t))
	r.OnDiscovered(ServerInfo{
		ServerID: "srv-2",
		Address:  ln.Addr().String(),
		Neurons:  []NeuronInfo{{ID: "remote-n", Layer: 1}},
	})

	err = r.RouteSignal(context.Background(), neuron.Signal{To: "remote-n", ID: "sig-remote"})
	require.NoError(t, err)

	select {
	case sig := <-received:
		assert.Equal(t, "sig-remote", sig.ID)
		assert.Equal(t, "srv-1", sig.Metadata["via_server"])
	case <-time.After(time.Second):
		t.Fatal("remote peer never received the forwarded signal")
	}
}

func TestOnLostRemovesAllMappingsForServer(t *testing.T) {
	resolver := &fakeResolver{local: map[string]struct{}{}}
	sender := &fakeSender{}
	r := New(Config{ServerID: "srv-1"}, sender, resolver, nil, testLogger(t))

	r.OnDiscovered(ServerInfo{ServerID: "srv-2", Neurons: []NeuronInfo{{ID: "n-a"}, {ID: "n-b"}}})
	assert.Equal(t, 2, r.RemoteNeuronCount())

	r.OnLost("srv-2")
	assert.Equal(t, 0, r.RemoteNeuronCount())
}

func TestHandleInboundDropsSignalPastMaxHops(t *testing.T) {
	resolver := &fakeResolver{local: map[string]struct{}{}}
	sender := &fakeSender{}
	r := New(Config{ServerID: "srv-1", MaxHops: 2}, sender, resolver, nil, testLogger(t))

	sig := neuron.Signal{ID: "sig-1", Metadata: map[string]string{"hop_count": "2"}}
	r.HandleInbound(context.Background(), "srv-2", sig)

	assert.Empty(t, sender.signals(), "a signal at the hop limit must be dropped, not delivered")
}

func TestHandleInboundIncrementsHopCountAndForwards(t *testing.T) {
	resolver := &fakeResolver{local: map[string]struct{}{}}
	sender := &fakeSender{}
	r := New(Config{ServerID: "srv-1", MaxHops: 5}, sender, resolver, nil, testLogger(t))

	sig := neuron.Signal{ID: "sig-1"}
	r.HandleInbound(context.Background(), "srv-2", sig)

	sent := sender.signals()
	require.Len(t, sent, 1)
	assert.Equal(t, "1", sent[0].Metadata["hop_count"])
	assert.Equal(t, "srv-2", sent[0].Metadata["from_server"])
}
