package runtime

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnRunsAndCompletes(t *testing.T) {
	rt := New(4)
	defer rt.Shutdown(time.Second)

	var ran atomic.Bool
	h := rt.Spawn(func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}, PriorityNormal)

	require.NoError(t, h.Wait())
	assert.True(t, ran.Load())

	m := rt.Metrics()
	assert.Equal(t, int64(1), m.Spawned)
	assert.Equal(t, int64(1), m.Completed)
	assert.Equal(t, int64(0), m.Active)
}

func TestSpawnBlockingReturnsResult(t *testing.T) {
	rt := New(2)
	defer rt.Shutdown(time.Second)

	f := SpawnBlocking(rt, func() (int, error) {
		return 42, nil
	})
	v, err := f.Wait()
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestShutdownCancelsChildTokens(t *testing.T) {
	rt := New(2)

	started := make(chan struct{})
	cancelled := make(chan struct{})
	rt.Spawn(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}, PriorityNormal)

	<-started
	require.NoError(t, rt.Shutdown(time.Second))

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("task was not cancelled by shutdown")
	}
}

func TestShutdownTimeoutFailsOnLiveTask(t *testing.T) {
	rt := New(2)

	block := make(chan struct{})
	rt.Spawn(func(ctx context.Context) error {
		<-block
		return nil
	}, PriorityNormal)

	err := rt.Shutdown(20 * time.Millisecond)
	require.Error(t, err)
	close(block)
}

func TestRollingAverageBoundedAt1000(t *testing.T) {
	r := newRing(1000)
	for i := 0; i < 2500; i++ {
		r.add(time.Millisecond)
	}
	assert.Equal(t, time.Millisecond, r.average())
}
