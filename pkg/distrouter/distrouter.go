// Package distrouter implements the Distributed Router: it marries the
// local router's in-process delivery with remote peer tables built from
// discovery, forwarding signals whose target neuron lives on another
// server and enforcing the cluster-wide hop limit on inbound traffic.
package distrouter

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	hal9errors "github.com/hal9-io/hal9/pkg/errors"
	"github.com/hal9-io/hal9/pkg/logging"
	"github.com/hal9-io/hal9/pkg/neuron"
	"github.com/hal9-io/hal9/pkg/pool"
	"github.com/hal9-io/hal9/pkg/wire"
)

// DefaultMaxHops bounds how many times a signal may cross server
// boundaries before it is dropped.
const DefaultMaxHops = 5

// LocalSender delivers a signal to a neuron registered on this server.
// Satisfied by *router.Router.
type LocalSender interface {
	Send(ctx context.Context, s neuron.Signal) error
}

// LocalResolver reports whether a neuron is registered on this server.
// Satisfied by *neuron.Registry.
type LocalResolver interface {
	Get(id string) (*neuron.Neuron, bool)
}

// Config tunes the Distributed Router.
type Config struct {
	ServerID string
	MaxHops  int
}

func (c Config) withDefaults() Config {
	if c.MaxHops <= 0 {
		c.MaxHops = DefaultMaxHops
	}
	return c
}

// Router is the Distributed Router: it keeps remote_neurons up to date
// from discovery events, forwards locally-targeted signals to the local
// router, and ships remote-targeted signals out over the connection pool.
type Router struct {
	cfg   Config
	local LocalSender
	reg   LocalResolver
	pool  *pool.Pool
	log   *logging.FieldLogger

	mu            sync.RWMutex
	remoteNeurons map[string]string // neuron_id -> server_id
	serverAddrs   map[string]string // server_id -> address
}

// New creates a Distributed Router.
func New(cfg Config, local LocalSender, reg LocalResolver, p *pool.Pool, log *logging.StructuredLogger) *Router {
	cfg = cfg.withDefaults()
	return &Router{
		cfg:           cfg,
		local:         local,
		reg:           reg,
		pool:          p,
		log:           log.Component("distrouter"),
		remoteNeurons: make(map[string]string),
		serverAddrs:   make(map[string]string),
	}
}

// ServerInfo is the subset of a discovery ServerInfo this router consumes.
type ServerInfo struct {
	ServerID string
	Address  string
	Neurons  []NeuronInfo
}

// NeuronInfo identifies one remote neuron's owning server and layer.
type NeuronInfo struct {
	ID    string
	Layer int
}

// OnDiscovered/OnUpdated both insert or overwrite every mapping for the
// server's advertised neurons.
func (r *Router) OnDiscovered(info ServerInfo) { r.upsertServer(info) }
func (r *Router) OnUpdated(info ServerInfo)    { r.upsertServer(info) }

func (r *Router) upsertServer(info ServerInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.serverAddrs[info.ServerID] = info.Address
	for _, n := range info.Neurons {
		r.remoteNeurons[n.ID] = info.ServerID
	}
}

// OnLost removes every mapping pointing at serverID.
func (r *Router) OnLost(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.serverAddrs, serverID)
	for neuronID, sid := range r.remoteNeurons {
		if sid == serverID {
			delete(r.remoteNeurons, neuronID)
		}
	}
}

// RouteSignal delivers s locally if its target is a local neuron, else
// forwards it to the mapped remote server with via_server set in
// metadata. Fails Routing("unknown neuron") if the target is neither.
func (r *Router) RouteSignal(ctx context.Context, s neuron.Signal) error {
	if _, ok := r.reg.Get(s.To); ok {
		return r.local.Send(ctx, s)
	}

	r.mu.RLock()
	serverID, ok := r.remoteNeurons[s.To]
	addr := r.serverAddrs[serverID]
	r.mu.RUnlock()
	if !ok {
		return hal9errors.Routing("unknown neuron: %s", s.To)
	}

	if s.Metadata == nil {
		s.Metadata = make(map[string]string)
	}
	s.Metadata["via_server"] = r.cfg.ServerID

	return r.sendRemote(ctx, serverID, addr, s)
}

func (r *Router) sendRemote(ctx context.Context, serverID, addr string, s neuron.Signal) error {
	lease, err := r.pool.GetConnection(ctx, serverID, addr)
	if err != nil {
		return err
	}

	err = wire.WriteFrame(lease.Conn(), wire.TagSignal, wire.SignalBody{Signal: s})
	lease.Release(err != nil)
	return err
}

// HandleInbound applies the hop-count policy to a signal arriving over
// the transport from fromServer, then forwards it to the local router.
// Signals at or past MaxHops are dropped with a warning.
func (r *Router) HandleInbound(ctx context.Context, fromServer string, s neuron.Signal) {
	hops := hopCount(s)
	if hops >= r.cfg.MaxHops {
		r.log.Warn("dropping signal past max hop count",
			slog.String("signal_id", s.ID), slog.Int("hops", hops))
		return
	}

	if s.Metadata == nil {
		s.Metadata = make(map[string]string)
	}
	s.Metadata["from_server"] = fromServer
	s.Metadata["hop_count"] = strconv.Itoa(hops + 1)

	if err := r.local.Send(ctx, s); err != nil {
		r.log.Warn("failed delivering inbound remote signal to local router",
			slog.String("signal_id", s.ID), slog.String("error", err.Error()))
	}
}

func hopCount(s neuron.Signal) int {
	if s.Metadata == nil {
		return 0
	}
	n, err := strconv.Atoi(s.Metadata["hop_count"])
	if err != nil {
		return 0
	}
	return n
}

// ServeConn reads frames from a peer connection until it closes or an
// unrecoverable protocol error occurs, dispatching each SIGNAL frame to
// HandleInbound. PING frames are answered with PONG; other recognized
// tags are otherwise ignored, and unrecognized tags are skipped.
func (r *Router) ServeConn(ctx context.Context, fromServer string, conn net.Conn) error {
	reader := bufio.NewReader(conn)
	for {
		f, err := wire.ReadFrame(reader)
		if err != nil {
			return err
		}

		switch f.Tag {
		case wire.TagSignal:
			sig, err := wire.DecodeSignal(f)
			if err != nil {
				r.log.Warn("dropping malformed signal frame", slog.String("from", fromServer), slog.String("error", err.Error()))
				continue
			}
			r.HandleInbound(ctx, fromServer, sig)
		case wire.TagPing:
			ping, err := wire.DecodePing(f)
			if err != nil {
				continue
			}
			if err := wire.WriteFrame(conn, wire.TagPong, ping); err != nil {
				return err
			}
		case wire.TagGoodbye:
			return nil
		default:
			// Unrecognized tag: already consumed by ReadFrame, keep reading.
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// RemoteNeuronCount reports how many neurons are currently mapped to a
// remote server, for status/metrics reporting.
func (r *Router) RemoteNeuronCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.remoteNeurons)
}

// String implements fmt.Stringer for debugging/log context.
func (info ServerInfo) String() string {
	return fmt.Sprintf("%s@%s(%d neurons)", info.ServerID, info.Address, len(info.Neurons))
}
