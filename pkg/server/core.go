// Package server wires the substrate, neuron registry, local router, flow
// controller, connection pool, discovery catalog, distributed router, and
// (in distributed mode) the Raft-backed state coordinator into the
// programmatic control-plane interface an external facade consumes: start,
// shutdown, send_signal, status, subscribe_events, and cluster-state
// operations. It does not itself expose HTTP/GraphQL/WebSocket endpoints —
// that facade is a separate, unspecified concern.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hal9-io/hal9/internal/config"
	"github.com/hal9-io/hal9/pkg/coordinator"
	"github.com/hal9-io/hal9/pkg/discovery"
	"github.com/hal9-io/hal9/pkg/distrouter"
	hal9errors "github.com/hal9-io/hal9/pkg/errors"
	"github.com/hal9-io/hal9/pkg/flow"
	"github.com/hal9-io/hal9/pkg/logging"
	"github.com/hal9-io/hal9/pkg/neuron"
	"github.com/hal9-io/hal9/pkg/pool"
	"github.com/hal9-io/hal9/pkg/router"
	"github.com/hal9-io/hal9/pkg/substrate/runtime"
	"github.com/hal9-io/hal9/pkg/wire"
)

// EventKind identifies the kind of payload carried by an Event.
type EventKind int

const (
	SignalUpdate EventKind = iota
	NeuronStateChange
	ServerEvent
)

// Event is the control-plane's unified subscription payload.
type Event struct {
	Kind      EventKind
	NeuronID  string
	SignalID  string
	State     neuron.State
	ServerID  string
	Detail    string
	Timestamp time.Time
}

// NeuronStatus is one neuron's reported health, as surfaced by Status.
type NeuronStatus struct {
	ID        string
	Layer     string
	State     string
	IsHealthy bool
}

// Status is the control-plane's point-in-time snapshot.
type Status struct {
	Running bool
	Neurons []NeuronStatus
	Metrics MetricsSnapshot
}

// MetricsSnapshot summarizes the subsystems a monitoring facade would poll.
type MetricsSnapshot struct {
	RuntimeActiveTasks int64
	RuntimeAvgTaskTime time.Duration
	RoutedSignals      uint64
	AverageHops        float64
	AverageLatencyMS   float64
	RemoteNeurons      int
	KnownServers       int
}

// Core is the HAL9 server process: every subsystem wired together behind
// the programmatic control-plane interface.
type Core struct {
	cfg config.Config
	log *logging.StructuredLogger

	rt       *runtime.Runtime
	registry *neuron.Registry
	rtr      *router.Router
	flowCtl  *flow.Controller
	connPool *pool.Pool
	catalog  *discovery.Catalog
	distRtr  *distrouter.Router
	coord    *coordinator.Coordinator

	listener net.Listener

	subMu sync.Mutex
	subs  []chan Event

	mu        sync.Mutex
	running   bool
	startedAt time.Time
}

// New builds every subsystem from cfg and registers the configured
// neurons. The router's dispatcher, the pool's health checks, the
// catalog's staleness sweep and (when distributed.enabled) the
// coordinator's Raft node already run once New returns; call Start to
// open the peer listener and announce this server.
func New(cfg config.Config, log *logging.StructuredLogger) (*Core, error) {
	rt := runtime.New(0)
	registry := neuron.NewRegistry()

	routerCfg := router.Config{}
	rtr := router.New(registry, rt, log, routerCfg)

	flowCtl := flow.New(flow.Config{})

	poolCfg := pool.DefaultConfig()
	if cfg.Network.Pool.MaxConnectionsPerServer > 0 {
		poolCfg.MaxConnectionsPerServer = cfg.Network.Pool.MaxConnectionsPerServer
	}
	if cfg.Network.Pool.MaxTotalConnections > 0 {
		poolCfg.MaxTotalConnections = cfg.Network.Pool.MaxTotalConnections
	}
	if cfg.Network.Pool.IdleTimeoutSeconds > 0 {
		poolCfg.IdleTimeout = time.Duration(cfg.Network.Pool.IdleTimeoutSeconds) * time.Second
	}
	if cfg.Network.Pool.ConnectionTimeoutSeconds > 0 {
		poolCfg.ConnectionTimeout = time.Duration(cfg.Network.Pool.ConnectionTimeoutSeconds) * time.Second
	}
	if cfg.Network.Pool.HealthCheckIntervalSeconds > 0 {
		poolCfg.HealthCheckInterval = time.Duration(cfg.Network.Pool.HealthCheckIntervalSeconds) * time.Second
	}
	connPool := pool.New(poolCfg, nil)

	catalog := discovery.New(discovery.Config{})

	distRtr := distrouter.New(distrouter.Config{
		ServerID: cfg.ServerID,
		MaxHops:  cfg.Distributed.MaxHops,
	}, rtr, registry, connPool, log)

	var coord *coordinator.Coordinator
	if cfg.Distributed.Enabled {
		var err error
		coord, err = coordinator.New(coordinator.Config{
			NodeID:    cfg.ServerID,
			BindAddr:  cfg.Distributed.Coordinator.BindAddr,
			DataDir:   cfg.Distributed.Coordinator.DataDir,
			Bootstrap: cfg.Distributed.Coordinator.Bootstrap,
		})
		if err != nil {
			return nil, hal9errors.Config("starting state coordinator: %v", err)
		}
	}

	c := &Core{
		cfg:      cfg,
		log:      log,
		rt:       rt,
		registry: registry,
		rtr:      rtr,
		flowCtl:  flowCtl,
		connPool: connPool,
		catalog:  catalog,
		distRtr:  distRtr,
		coord:    coord,
	}

	for _, nc := range cfg.Neurons {
		if err := c.registerNeuron(nc); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *Core) registerNeuron(nc config.NeuronConfig) error {
	layer, ok := neuron.ParseLayer(nc.Layer)
	if !ok {
		return hal9errors.Config("neuron %s: unknown layer %q", nc.ID, nc.Layer)
	}

	cognitionCfg := c.cfg.Cognition
	var cognition neuron.Cognition
	switch cognitionCfg.Mode {
	case "live":
		cognition = neuron.NewLiveCognition(neuron.LiveCognitionConfig{
			Temperature: cognitionCfg.Temperature,
			MaxTokens:   cognitionCfg.MaxTokens,
			Timeout:     cognitionCfg.Timeout,
		})
	default:
		cognition = neuron.NewMockCognition(neuron.MockCognitionConfig{
			Temperature: cognitionCfg.Temperature,
			MaxTokens:   cognitionCfg.MaxTokens,
			RateLimit:   cognitionCfg.RateLimit,
		})
	}

	n := neuron.New(neuron.Config{
		ID:                  nc.ID,
		Layer:               layer,
		ForwardConnections:  nc.ForwardConnections,
		BackwardConnections: nc.BackwardConnections,
		Settings:            nc.Settings,
		Cognition:           cognition,
	})
	return c.registry.Register(n)
}

// Start brings the server up: opens the peer listener (when
// distributed.enabled) and registers this server with discovery.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return hal9errors.InvalidState("server already running")
	}

	if c.cfg.Distributed.Enabled {
		ln, err := net.Listen("tcp", c.cfg.Network.ListenAddr)
		if err != nil {
			return hal9errors.Runtime("listening on %s: %v", c.cfg.Network.ListenAddr, err)
		}
		c.listener = ln
		go c.acceptLoop(ctx)

		if c.coord != nil {
			c.coord.Start()
		}
	}

	c.catalog.Announce(discovery.ServerInfo{
		ServerID: c.cfg.ServerID,
		Address:  c.cfg.Network.ListenAddr,
		Neurons:  c.localNeuronInfos(),
	})

	c.running = true
	c.startedAt = time.Now()
	c.emit(Event{Kind: ServerEvent, ServerID: c.cfg.ServerID, Detail: "started", Timestamp: time.Now()})
	return nil
}

func (c *Core) localNeuronInfos() []discovery.NeuronInfo {
	var out []discovery.NeuronInfo
	for _, nc := range c.cfg.Neurons {
		layer, _ := neuron.ParseLayer(nc.Layer)
		out = append(out, discovery.NeuronInfo{ID: nc.ID, Layer: int(layer), ServerID: c.cfg.ServerID})
	}
	return out
}

func (c *Core) acceptLoop(ctx context.Context) {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			return
		}
		go c.handlePeerConn(ctx, conn)
	}
}

func (c *Core) handlePeerConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	f, err := wire.ReadFrame(reader)
	if err != nil {
		return
	}
	hello, err := wire.DecodeHello(f)
	if err != nil {
		c.log.Warn("peer connection did not start with HELLO", slog.String("error", err.Error()))
		return
	}

	neurons := make([]discovery.NeuronInfo, len(hello.Neurons))
	for i, n := range hello.Neurons {
		neurons[i] = discovery.NeuronInfo{ID: n.ID, Layer: n.Layer, ServerID: n.ServerID}
	}
	c.catalog.Announce(discovery.ServerInfo{ServerID: hello.ServerID, Neurons: neurons})
	c.distRtr.OnDiscovered(distrouter.ServerInfo{
		ServerID: hello.ServerID,
		Neurons:  toDistrouterNeurons(neurons),
	})

	if err := c.distRtr.ServeConn(ctx, hello.ServerID, conn); err != nil {
		c.log.Warn("peer connection closed", slog.String("server_id", hello.ServerID), slog.String("error", err.Error()))
	}
}

func toDistrouterNeurons(in []discovery.NeuronInfo) []distrouter.NeuronInfo {
	out := make([]distrouter.NeuronInfo, len(in))
	for i, n := range in {
		out[i] = distrouter.NeuronInfo{ID: n.ID, Layer: n.Layer}
	}
	return out
}

// SendSignal routes s through the distributed router: locally if its
// target neuron is registered here, else over the wire to whichever
// server owns it.
func (c *Core) SendSignal(ctx context.Context, s neuron.Signal) error {
	return c.distRtr.RouteSignal(ctx, s)
}

// SetClusterState replicates key=value across the cluster through the
// state coordinator's Raft log, tagged with clock. Only available when
// distributed mode is enabled.
func (c *Core) SetClusterState(key string, value interface{}, clock coordinator.VectorClock) error {
	if c.coord == nil {
		return hal9errors.InvalidState("state coordinator not enabled")
	}
	return c.coord.Set(key, value, clock)
}

// DeleteClusterState removes key from the cluster's replicated state.
func (c *Core) DeleteClusterState(key string, clock coordinator.VectorClock) error {
	if c.coord == nil {
		return hal9errors.InvalidState("state coordinator not enabled")
	}
	return c.coord.Delete(key, clock)
}

// SynchronizeClusterState merges a peer's offered state into this
// server's replicated state, reporting any conflicts encountered.
func (c *Core) SynchronizeClusterState(incoming coordinator.DistributedState) (coordinator.SyncResult, error) {
	if c.coord == nil {
		return coordinator.SyncResult{}, hal9errors.InvalidState("state coordinator not enabled")
	}
	return c.coord.Synchronize(incoming)
}

// ProposeConsensus polls peers for proposal.Value, returning once enough
// votes are gathered or the proposal times out.
func (c *Core) ProposeConsensus(proposal coordinator.Proposal) (coordinator.ConsensusResult, error) {
	if c.coord == nil {
		return coordinator.ConsensusResult{}, hal9errors.InvalidState("state coordinator not enabled")
	}
	return c.coord.Consensus(proposal), nil
}

// AcquireClusterLock leases a cluster-wide distributed lock on resourceID
// to this server.
func (c *Core) AcquireClusterLock(resourceID string) (*coordinator.DistributedLock, error) {
	if c.coord == nil {
		return nil, hal9errors.InvalidState("state coordinator not enabled")
	}
	return c.coord.Lock(resourceID)
}

// ClusterStateSnapshot reports the coordinator's point-in-time view of
// cluster-wide state.
func (c *Core) ClusterStateSnapshot() (coordinator.GlobalStateSnapshot, error) {
	if c.coord == nil {
		return coordinator.GlobalStateSnapshot{}, hal9errors.InvalidState("state coordinator not enabled")
	}
	return c.coord.Snapshot(), nil
}

// Status reports every registered neuron's health and a metrics snapshot.
func (c *Core) Status() Status {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()

	health := c.registry.HealthCheck()
	neurons := make([]NeuronStatus, 0, len(health))
	for id, h := range health {
		n, _ := c.registry.Get(id)
		layer := ""
		if n != nil {
			layer = n.Layer().String()
		}
		neurons = append(neurons, NeuronStatus{
			ID:        id,
			Layer:     layer,
			State:     h.State.String(),
			IsHealthy: h.State != neuron.Failed,
		})
	}

	rtMetrics := c.rt.Metrics()
	flowMetrics := c.flowCtl.Metrics()

	return Status{
		Running: running,
		Neurons: neurons,
		Metrics: MetricsSnapshot{
			RuntimeActiveTasks: rtMetrics.Active,
			RuntimeAvgTaskTime: rtMetrics.AverageTaskDuration,
			RoutedSignals:      flowMetrics.RoutedCount,
			AverageHops:        flowMetrics.AverageHops,
			AverageLatencyMS:   flowMetrics.AverageLatencyMS,
			RemoteNeurons:      c.distRtr.RemoteNeuronCount(),
			KnownServers:       len(c.catalog.Servers()),
		},
	}
}

// SubscribeEvents returns a stream of control-plane events and a cancel
// function that unregisters and closes it.
func (c *Core) SubscribeEvents() (<-chan Event, func()) {
	ch := make(chan Event, 64)

	c.subMu.Lock()
	c.subs = append(c.subs, ch)
	c.subMu.Unlock()

	cancel := func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		for i, s := range c.subs {
			if s == ch {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

func (c *Core) emit(ev Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Shutdown drains and stops every subsystem in dependency order: listener,
// router, connection pool, discovery catalog.
func (c *Core) Shutdown(timeout time.Duration) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.mu.Unlock()

	if c.listener != nil {
		c.listener.Close()
	}

	c.catalog.Forget(c.cfg.ServerID)

	if err := c.rtr.Shutdown(timeout); err != nil {
		return err
	}
	c.registry.ShutdownAll()
	c.connPool.Shutdown()
	c.catalog.Close()

	if c.coord != nil {
		if err := c.coord.Shutdown(); err != nil {
			return fmt.Errorf("shutting down state coordinator: %w", err)
		}
	}

	if err := c.rt.Shutdown(timeout); err != nil {
		return fmt.Errorf("shutting down runtime: %w", err)
	}

	c.emit(Event{Kind: ServerEvent, ServerID: c.cfg.ServerID, Detail: "stopped", Timestamp: time.Now()})
	return nil
}
