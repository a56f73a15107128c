package pool

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// listenerDialer starts a local TCP listener and returns a Dialer that
// connects to it, plus the listener itself so the test can accept/close
// server-side ends.
func listenerDialer(t *testing.T) (Dialer, net.Listener) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				buf := make([]byte, 1)
				for {
					if _, err := c.Read(buf); err != nil {
						c.Close()
						return
					}
				}
			}(conn)
		}
	}()
	return func(ctx context.Context, addr string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}, ln
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxConnectionsPerServer = 2
	cfg.MaxTotalConnections = 4
	cfg.ConnectionTimeout = time.Second
	cfg.IdleTimeout = time.Hour
	cfg.HealthCheckInterval = time.Hour
	return cfg
}

func TestGetConnectionDialsNewWhenPoolEmpty(t *testing.T) {
	dialer, ln := listenerDialer(t)
	defer ln.Close()
	p := New(testConfig(), dialer)
	defer p.Shutdown()

	lease, err := p.GetConnection(context.Background(), "peer-1", ln.Addr().String())
	require.NoError(t, err)
	require.NotNil(t, lease.Conn())
	lease.Release(false)
}

func TestReleasedConnectionIsReusedWithoutRedialing(t *testing.T) {
	dialer, ln := listenerDialer(t)
	defer ln.Close()
	p := New(testConfig(), dialer)
	defer p.Shutdown()

	lease1, err := p.GetConnection(context.Background(), "peer-1", ln.Addr().String())
	require.NoError(t, err)
	first := lease1.Conn()
	lease1.Release(false)

	lease2, err := p.GetConnection(context.Background(), "peer-1", ln.Addr().String())
	require.NoError(t, err)
	assert.Same(t, first, lease2.Conn(), "expected the pooled connection to be reused")
	lease2.Release(false)
}

func TestFailedReleaseDropsConnectionInsteadOfPooling(t *testing.T) {
	dialer, ln := listenerDialer(t)
	defer ln.Close()
	p := New(testConfig(), dialer)
	defer p.Shutdown()

	lease1, err := p.GetConnection(context.Background(), "peer-1", ln.Addr().String())
	require.NoError(t, err)
	first := lease1.Conn()
	lease1.Release(true)

	lease2, err := p.GetConnection(context.Background(), "peer-1", ln.Addr().String())
	require.NoError(t, err)
	assert.NotSame(t, first, lease2.Conn(), "a failed connection must not be reused")
	lease2.Release(false)
}

func TestGetConnectionRejectsOverPerPeerCap(t *testing.T) {
	dialer, ln := listenerDialer(t)
	defer ln.Close()
	cfg := testConfig()
	cfg.MaxConnectionsPerServer = 1
	p := New(cfg, dialer)
	defer p.Shutdown()

	lease1, err := p.GetConnection(context.Background(), "peer-1", ln.Addr().String())
	require.NoError(t, err)

	_, err = p.GetConnection(context.Background(), "peer-1", ln.Addr().String())
	require.Error(t, err)

	lease1.Release(false)
}

func TestReleaseAfterShutdownDropsConnection(t *testing.T) {
	dialer, ln := listenerDialer(t)
	defer ln.Close()
	p := New(testConfig(), dialer)

	lease, err := p.GetConnection(context.Background(), "peer-1", ln.Addr().String())
	require.NoError(t, err)

	p.Shutdown()
	lease.Release(false)

	stats := p.Stats()
	assert.Equal(t, 0, stats.IdleConnections)
}

func TestEvictUnhealthyRemovesIdlePastTimeout(t *testing.T) {
	dialer, ln := listenerDialer(t)
	defer ln.Close()
	cfg := testConfig()
	cfg.IdleTimeout = 10 * time.Millisecond
	p := New(cfg, dialer)
	defer p.Shutdown()

	lease, err := p.GetConnection(context.Background(), "peer-1", ln.Addr().String())
	require.NoError(t, err)
	lease.Release(false)

	time.Sleep(30 * time.Millisecond)
	p.evictUnhealthy()

	stats := p.Stats()
	assert.Equal(t, 0, stats.IdleConnections)
}

func TestLeaseReleaseIsIdempotent(t *testing.T) {
	dialer, ln := listenerDialer(t)
	defer ln.Close()
	p := New(testConfig(), dialer)
	defer p.Shutdown()

	lease, err := p.GetConnection(context.Background(), "peer-1", ln.Addr().String())
	require.NoError(t, err)
	lease.Release(false)
	lease.Release(false)

	stats := p.Stats()
	assert.Equal(t, 1, stats.IdleConnections, "releasing twice must not double-count the connection")
}
