package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests exercise ServerEngine against a real Postgres instance and
// only run when HAL9_TEST_POSTGRES_HOST names one, since the substrate has no
// way to fake Postgres's row-locking semantics that CompareAndSwap relies on.
func requireServerEngine(t *testing.T) *ServerEngine {
	t.Helper()
	host := os.Getenv("HAL9_TEST_POSTGRES_HOST")
	if host == "" {
		t.Skip("HAL9_TEST_POSTGRES_HOST not set; skipping Postgres-backed storage tests")
	}
	cfg := DefaultServerConfig()
	cfg.Host = host
	cfg.Database = "hal9_test"

	e, err := OpenServer(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestServerPutGetRoundTrip(t *testing.T) {
	e := requireServerEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, "srv-k", []byte("v")))
	v, found, err := e.Get(ctx, "srv-k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v"), v)
}

func TestServerCompareAndSwapAtomicity(t *testing.T) {
	e := requireServerEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Put(ctx, "srv-cas", []byte("a")))

	ok, err := e.CompareAndSwap(ctx, "srv-cas", []byte("wrong"), []byte("b"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.CompareAndSwap(ctx, "srv-cas", []byte("a"), []byte("b"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestServerSetTTLExpires(t *testing.T) {
	e := requireServerEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Put(ctx, "srv-ttl", []byte("v")))
	require.NoError(t, e.SetTTL(ctx, "srv-ttl", 10*time.Millisecond))

	time.Sleep(50 * time.Millisecond)

	_, found, err := e.Get(ctx, "srv-ttl")
	require.NoError(t, err)
	assert.False(t, found)
}
