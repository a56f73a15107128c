// Package resources implements the substrate's CPU/memory/GPU accounting
// sub-service: requesters allocate against a fixed pool,
// optionally capped per-requester, and releases restore availability.
package resources

import (
	"context"
	"sync"
	"time"

	hal9errors "github.com/hal9-io/hal9/pkg/errors"
	"golang.org/x/time/rate"
)

// Request describes a resource ask.
type Request struct {
	RequesterID string
	CPUCores    float64
	MemoryMB    int64
	GPUCount    int
}

// Allocation is the handle returned by a successful Allocate; Release takes
// it back.
type Allocation struct {
	ID          string
	RequesterID string
	CPUCores    float64
	MemoryMB    int64
	GPUCount    int
}

// Limits caps what a single requester may hold concurrently.
type Limits struct {
	MaxCPUCores float64
	MaxMemoryMB int64
	MaxGPUCount int
}

// Usage is a point-in-time snapshot streamed by Monitor.
type Usage struct {
	RequesterID string
	CPUUsage    float64
	MemoryMB    int64
	GPUCount    int
	Timestamp   time.Time
}

// Pool tracks a fixed resource budget and the allocations drawn against it.
// A per-requester token bucket (golang.org/x/time/rate) paces how fast a
// single requester can churn through allocate/release cycles, the same
// primitive an HTTP rate-limiting middleware would use for request pacing,
// generalized here to resource-grant pacing.
type Pool struct {
	mu sync.Mutex

	totalCPU    float64
	totalMemMB  int64
	totalGPU    int
	availCPU    float64
	availMemMB  int64
	availGPU    int
	allocations map[string]Allocation
	limits      map[string]Limits
	usage       map[string][]Allocation // per-requester, for limit accounting
	limiters    map[string]*rate.Limiter

	nextID int64

	subsMu sync.Mutex
	subs   map[string][]chan Usage
}

// NewPool creates a Pool with the given total budget.
func NewPool(cpuCores float64, memoryMB int64, gpuCount int) *Pool {
	return &Pool{
		totalCPU:    cpuCores,
		totalMemMB:  memoryMB,
		totalGPU:    gpuCount,
		availCPU:    cpuCores,
		availMemMB:  memoryMB,
		availGPU:    gpuCount,
		allocations: make(map[string]Allocation),
		limits:      make(map[string]Limits),
		usage:       make(map[string][]Allocation),
		limiters:    make(map[string]*rate.Limiter),
		subs:        make(map[string][]chan Usage),
	}
}

// SetLimits caps requesterID's concurrent holdings. A zero-valued field
// means "unlimited" for that dimension.
func (p *Pool) SetLimits(requesterID string, limits Limits) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limits[requesterID] = limits
}

func (p *Pool) limiterFor(requesterID string) *rate.Limiter {
	l, ok := p.limiters[requesterID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(10), 20)
		p.limiters[requesterID] = l
	}
	return l
}

// Allocate grants req against the pool's remaining budget, failing with
// Resource("exhausted") if the pool lacks capacity or
// Resource("exceeds per-requester limit") if it would push requesterID over
// its configured Limits.
func (p *Pool) Allocate(ctx context.Context, req Request) (Allocation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.limiterFor(req.RequesterID).Allow() {
		return Allocation{}, hal9errors.RateLimit(time.Second)
	}

	if req.CPUCores > p.availCPU || req.MemoryMB > p.availMemMB || req.GPUCount > p.availGPU {
		return Allocation{}, hal9errors.Resource("exhausted")
	}

	if lim, ok := p.limits[req.RequesterID]; ok {
		held := p.heldLocked(req.RequesterID)
		if lim.MaxCPUCores > 0 && held.CPUCores+req.CPUCores > lim.MaxCPUCores {
			return Allocation{}, hal9errors.Resource("exceeds per-requester limit")
		}
		if lim.MaxMemoryMB > 0 && held.MemoryMB+req.MemoryMB > lim.MaxMemoryMB {
			return Allocation{}, hal9errors.Resource("exceeds per-requester limit")
		}
		if lim.MaxGPUCount > 0 && held.GPUCount+req.GPUCount > lim.MaxGPUCount {
			return Allocation{}, hal9errors.Resource("exceeds per-requester limit")
		}
	}

	p.nextID++
	alloc := Allocation{
		ID:          idFor(p.nextID),
		RequesterID: req.RequesterID,
		CPUCores:    req.CPUCores,
		MemoryMB:    req.MemoryMB,
		GPUCount:    req.GPUCount,
	}

	p.availCPU -= req.CPUCores
	p.availMemMB -= req.MemoryMB
	p.availGPU -= req.GPUCount
	p.allocations[alloc.ID] = alloc
	p.usage[req.RequesterID] = append(p.usage[req.RequesterID], alloc)

	p.publish(req.RequesterID)
	return alloc, nil
}

// heldLocked sums what requesterID currently holds. Callers must hold p.mu.
func (p *Pool) heldLocked(requesterID string) Allocation {
	var total Allocation
	for _, a := range p.usage[requesterID] {
		total.CPUCores += a.CPUCores
		total.MemoryMB += a.MemoryMB
		total.GPUCount += a.GPUCount
	}
	return total
}

// Release returns alloc's resources to the pool.
func (p *Pool) Release(alloc Allocation) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored, ok := p.allocations[alloc.ID]
	if !ok {
		return hal9errors.NotFound("allocation", alloc.ID)
	}

	p.availCPU += stored.CPUCores
	p.availMemMB += stored.MemoryMB
	p.availGPU += stored.GPUCount
	delete(p.allocations, alloc.ID)

	list := p.usage[stored.RequesterID]
	for i, a := range list {
		if a.ID == stored.ID {
			p.usage[stored.RequesterID] = append(list[:i], list[i+1:]...)
			break
		}
	}

	p.publish(stored.RequesterID)
	return nil
}

// Available reports the pool's current unallocated budget.
func (p *Pool) Available() (cpuCores float64, memoryMB int64, gpuCount int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.availCPU, p.availMemMB, p.availGPU
}

// Monitor streams Usage snapshots for requesterID every time its holdings
// change. The returned channel is closed when ctx is done.
func (p *Pool) Monitor(ctx context.Context, requesterID string) <-chan Usage {
	ch := make(chan Usage, 8)

	p.subsMu.Lock()
	p.subs[requesterID] = append(p.subs[requesterID], ch)
	p.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		p.subsMu.Lock()
		defer p.subsMu.Unlock()
		list := p.subs[requesterID]
		for i, c := range list {
			if c == ch {
				p.subs[requesterID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch
}

// publish fans a current-usage snapshot out to requesterID's monitors.
// Callers must hold p.mu.
func (p *Pool) publish(requesterID string) {
	held := p.heldLocked(requesterID)
	snapshot := Usage{
		RequesterID: requesterID,
		CPUUsage:    held.CPUCores,
		MemoryMB:    held.MemoryMB,
		GPUCount:    held.GPUCount,
		Timestamp:   time.Now(),
	}

	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	for _, ch := range p.subs[requesterID] {
		select {
		case ch <- snapshot:
		default:
		}
	}
}

func idFor(n int64) string {
	const digits = "0123456789abcdefghijklmnopqrstuvwxyz"
	if n == 0 {
		return "alloc-0"
	}
	buf := make([]byte, 0, 12)
	for n > 0 {
		buf = append([]byte{digits[n%36]}, buf...)
		n /= 36
	}
	return "alloc-" + string(buf)
}
