package resources

import (
	"context"
	"testing"
	"time"

	hal9errors "github.com/hal9-io/hal9/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateWithinBudgetSucceeds(t *testing.T) {
	p := NewPool(4, 4096, 1)
	alloc, err := p.Allocate(context.Background(), Request{RequesterID: "a", CPUCores: 2, MemoryMB: 1024})
	require.NoError(t, err)
	assert.NotEmpty(t, alloc.ID)

	cpu, mem, _ := p.Available()
	assert.Equal(t, 2.0, cpu)
	assert.Equal(t, int64(3072), mem)
}

func TestAllocateExhaustedFails(t *testing.T) {
	p := NewPool(1, 1024, 0)
	_, err := p.Allocate(context.Background(), Request{RequesterID: "a", CPUCores: 2})
	require.Error(t, err)
	var herr *hal9errors.HAL9Error
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, hal9errors.KindResource, herr.Kind)
	assert.Contains(t, herr.Error(), "exhausted")
}

func TestAllocateExceedsPerRequesterLimit(t *testing.T) {
	p := NewPool(10, 10240, 0)
	p.SetLimits("a", Limits{MaxCPUCores: 2})

	_, err := p.Allocate(context.Background(), Request{RequesterID: "a", CPUCores: 1})
	require.NoError(t, err)

	_, err = p.Allocate(context.Background(), Request{RequesterID: "a", CPUCores: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds per-requester limit")
}

func TestReleaseRestoresAvailability(t *testing.T) {
	p := NewPool(4, 4096, 0)
	alloc, err := p.Allocate(context.Background(), Request{RequesterID: "a", CPUCores: 3})
	require.NoError(t, err)

	require.NoError(t, p.Release(alloc))

	cpu, _, _ := p.Available()
	assert.Equal(t, 4.0, cpu)
}

func TestReleaseUnknownAllocationFails(t *testing.T) {
	p := NewPool(4, 4096, 0)
	err := p.Release(Allocation{ID: "nope"})
	require.Error(t, err)
}

func TestMonitorStreamsOnAllocateAndRelease(t *testing.T) {
	p := NewPool(4, 4096, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := p.Monitor(ctx, "a")
	alloc, err := p.Allocate(context.Background(), Request{RequesterID: "a", CPUCores: 1})
	require.NoError(t, err)

	select {
	case u := <-stream:
		assert.Equal(t, 1.0, u.CPUUsage)
	case <-time.After(time.Second):
		t.Fatal("did not receive usage snapshot after allocate")
	}

	require.NoError(t, p.Release(alloc))
	select {
	case u := <-stream:
		assert.Equal(t, 0.0, u.CPUUsage)
	case <-time.After(time.Second):
		t.Fatal("did not receive usage snapshot after release")
	}
}
