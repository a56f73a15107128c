// Package pool implements the Connection Pool: per-peer stacks of pooled
// TCP connections to other servers, bounded globally and per-peer, with a
// background maintenance loop evicting idle or unhealthy entries and
// managed leases that return connections to the pool on release.
package pool

import (
	"context"
	"net"
	"sync"
	"time"

	hal9errors "github.com/hal9-io/hal9/pkg/errors"
)

// Config holds connection pool configuration.
type Config struct {
	MaxConnectionsPerServer int
	MaxTotalConnections     int
	ConnectionTimeout       time.Duration
	IdleTimeout             time.Duration
	HealthCheckInterval     time.Duration
}

// DefaultConfig returns the pool's default sizing.
func DefaultConfig() Config {
	return Config{
		MaxConnectionsPerServer: 10,
		MaxTotalConnections:     100,
		ConnectionTimeout:       10 * time.Second,
		IdleTimeout:             5 * time.Minute,
		HealthCheckInterval:     30 * time.Second,
	}
}

// Dialer opens a new connection to addr. Production callers pass
// net.Dialer.DialContext; tests can stub this.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

func defaultDialer(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{}
	return d.DialContext(ctx, "tcp", addr)
}

// pooledConn is one idle connection sitting in a peer's stack.
type pooledConn struct {
	conn     net.Conn
	acquired time.Time
}

// peerEntry tracks one peer's pooled (idle) connections and its count of
// connections currently checked out, so MaxConnectionsPerServer can be
// enforced across both idle and in-flight.
type peerEntry struct {
	mu      sync.Mutex
	idle    []pooledConn
	checkedOut int
}

// Stats is the pool's point-in-time counters.
type Stats struct {
	TotalConnections int
	IdleConnections  int
	PeerCount        int
}

// Pool is the Connection Pool.
type Pool struct {
	cfg    Config
	dialer Dialer

	mu    sync.Mutex
	peers map[string]*peerEntry

	globalSem chan struct{}

	shuttingDown bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Pool. dialer may be nil to use net.Dialer.
func New(cfg Config, dialer Dialer) *Pool {
	if cfg.MaxConnectionsPerServer <= 0 {
		cfg = DefaultConfig()
	}
	if dialer == nil {
		dialer = defaultDialer
	}
	p := &Pool{
		cfg:       cfg,
		dialer:    dialer,
		peers:     make(map[string]*peerEntry),
		globalSem: make(chan struct{}, cfg.MaxTotalConnections),
		stopCh:    make(chan struct{}),
	}
	p.wg.Add(1)
	go p.maintenanceLoop()
	return p
}

func (p *Pool) peerLocked(serverID string) *peerEntry {
	pe, ok := p.peers[serverID]
	if !ok {
		pe = &peerEntry{}
		p.peers[serverID] = pe
	}
	return pe
}

// isHealthy reports whether conn is still usable: not past the pool's
// idle timeout and, when the underlying type permits, responsive to a
// zero-byte deadline probe.
func (p *Pool) isHealthy(pc pooledConn) bool {
	if time.Since(pc.acquired) > p.cfg.IdleTimeout {
		return false
	}
	// A closed or half-closed TCP connection fails an immediate
	// zero-length write; SetWriteDeadline lets us probe without blocking.
	if tc, ok := pc.conn.(*net.TCPConn); ok {
		_ = tc.SetWriteDeadline(time.Now().Add(time.Millisecond))
		if _, err := tc.Write(nil); err != nil {
			return false
		}
		_ = tc.SetWriteDeadline(time.Time{})
	}
	return true
}

// GetConnection acquires a lease on a connection to serverID at addr,
// reusing a pooled idle connection when one is healthy, else dialing a
// new one. Fails with Network("max connections to X reached") if the
// per-peer cap is already exhausted.
func (p *Pool) GetConnection(ctx context.Context, serverID, addr string) (*Lease, error) {
	p.mu.Lock()
	pe := p.peerLocked(serverID)
	p.mu.Unlock()

	pe.mu.Lock()
	for len(pe.idle) > 0 {
		pc := pe.idle[len(pe.idle)-1]
		pe.idle = pe.idle[:len(pe.idle)-1]
		if p.isHealthy(pc) {
			pe.checkedOut++
			pe.mu.Unlock()
			// release frees a global slot for every lease, so a reused
			// connection takes one too.
			select {
			case p.globalSem <- struct{}{}:
			case <-ctx.Done():
				pc.conn.Close()
				pe.mu.Lock()
				pe.checkedOut--
				pe.mu.Unlock()
				return nil, ctx.Err()
			}
			return &Lease{pool: p, serverID: serverID, conn: pc.conn}, nil
		}
		pc.conn.Close()
	}
	if pe.checkedOut >= p.cfg.MaxConnectionsPerServer {
		pe.mu.Unlock()
		return nil, hal9errors.Network("max connections to %s reached", serverID)
	}
	pe.checkedOut++
	pe.mu.Unlock()

	select {
	case p.globalSem <- struct{}{}:
	case <-ctx.Done():
		pe.mu.Lock()
		pe.checkedOut--
		pe.mu.Unlock()
		return nil, ctx.Err()
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectionTimeout)
	defer cancel()
	conn, err := p.dialer(dialCtx, addr)
	if err != nil {
		<-p.globalSem
		pe.mu.Lock()
		pe.checkedOut--
		pe.mu.Unlock()
		return nil, hal9errors.Network("dialing %s (%s): %v", serverID, addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	return &Lease{pool: p, serverID: serverID, conn: conn}, nil
}

// release returns conn to serverID's idle stack unless failed is true or
// the pool is shutting down, in which case the connection is closed.
func (p *Pool) release(serverID string, conn net.Conn, failed bool) {
	p.mu.Lock()
	pe := p.peerLocked(serverID)
	shuttingDown := p.shuttingDown
	p.mu.Unlock()

	pe.mu.Lock()
	pe.checkedOut--
	pe.mu.Unlock()
	<-p.globalSem

	if failed || shuttingDown {
		conn.Close()
		return
	}

	pe.mu.Lock()
	pe.idle = append(pe.idle, pooledConn{conn: conn, acquired: time.Now()})
	pe.mu.Unlock()
}

// Stats reports the pool's current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var s Stats
	s.PeerCount = len(p.peers)
	for _, pe := range p.peers {
		pe.mu.Lock()
		s.IdleConnections += len(pe.idle)
		s.TotalConnections += len(pe.idle) + pe.checkedOut
		pe.mu.Unlock()
	}
	return s
}

func (p *Pool) maintenanceLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evictUnhealthy()
		}
	}
}

func (p *Pool) evictUnhealthy() {
	p.mu.Lock()
	peers := make([]*peerEntry, 0, len(p.peers))
	for _, pe := range p.peers {
		peers = append(peers, pe)
	}
	p.mu.Unlock()

	for _, pe := range peers {
		pe.mu.Lock()
		kept := pe.idle[:0]
		for _, pc := range pe.idle {
			if p.isHealthy(pc) {
				kept = append(kept, pc)
			} else {
				pc.conn.Close()
			}
		}
		pe.idle = kept
		pe.mu.Unlock()
	}
}

// Shutdown stops the maintenance loop and closes every pooled connection.
// Any lease released afterward is dropped rather than returned to the pool.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.shuttingDown = true
	peers := make([]*peerEntry, 0, len(p.peers))
	for _, pe := range p.peers {
		peers = append(peers, pe)
	}
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	for _, pe := range peers {
		pe.mu.Lock()
		for _, pc := range pe.idle {
			pc.conn.Close()
		}
		pe.idle = nil
		pe.mu.Unlock()
	}
}

// Lease is a managed, checked-out connection. Release returns it to the
// pool unless marked failed.
type Lease struct {
	pool     *Pool
	serverID string
	conn     net.Conn

	once sync.Once
}

// Conn is the underlying connection.
func (l *Lease) Conn() net.Conn { return l.conn }

// Release returns the connection to the pool, or drops it if failed is
// true (the caller observed it misbehave) or the pool is shutting down.
func (l *Lease) Release(failed bool) {
	l.once.Do(func() {
		l.pool.release(l.serverID, l.conn, failed)
	})
}
