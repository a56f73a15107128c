// Package runtime implements HAL9's substrate task scheduler:
// priority-hinted spawning, cooperative cancellation via a child-token tree,
// and rolling task-duration metrics. Every higher layer schedules work
// through a Runtime rather than calling "go func()" directly, so shutdown can
// drain it deterministically.
package runtime

import (
	"context"
	goruntime "runtime"
	"sync"
	"sync/atomic"
	"time"

	hal9errors "github.com/hal9-io/hal9/pkg/errors"
)

// Priority hints the scheduler about how urgently a task should run. It is
// advisory, not a hard guarantee: a true priority executor would need a
// custom work-stealing scheduler rather than goroutines plus Gosched hints.
// Low/Normal tasks yield once before running so that High/Critical tasks
// queued shortly after can overtake them at the next decision point.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) yields() bool {
	return p == PriorityLow || p == PriorityNormal
}

// Handle represents a spawned task. Wait blocks until the task completes and
// returns its error, if any.
type Handle struct {
	done chan struct{}
	err  error
}

// Wait blocks until the task finishes.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Future represents the result of a blocking operation offloaded to a
// dedicated goroutine via SpawnBlocking.
type Future[T any] struct {
	done   chan struct{}
	result T
	err    error
}

// Wait blocks for the blocking call to finish and returns its result.
func (f *Future[T]) Wait() (T, error) {
	<-f.done
	return f.result, f.err
}

// Metrics is a snapshot of runtime activity.
type Metrics struct {
	Spawned             int64
	Completed           int64
	Active              int64
	Workers             int
	AverageTaskDuration time.Duration
}

// Runtime is the substrate's async task scheduler.
type Runtime struct {
	workers int

	spawned   atomic.Int64
	completed atomic.Int64
	active    atomic.Int64

	durations *ring
	sem       chan struct{}

	rootCancel context.CancelFunc
	rootCtx    context.Context

	wg       sync.WaitGroup
	shutdown atomic.Bool
}

// New creates a Runtime with the given worker concurrency (governs how many
// tasks may be mid-flight at once via an internal semaphore; it does not
// limit goroutine count for SpawnBlocking, which always gets its own
// goroutine).
func New(workers int) *Runtime {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		workers:    workers,
		durations:  newRing(1000),
		sem:        make(chan struct{}, workers),
		rootCtx:    ctx,
		rootCancel: cancel,
	}
}

// CancellationToken returns a context derived from the runtime's root
// shutdown token. Cancelling a parent token (including the root, via
// Shutdown) cancels every child derived from it.
func (r *Runtime) CancellationToken() context.Context {
	return r.rootCtx
}

// ChildToken derives a new cancellable context from parent, so a subsystem
// can build its own cancellation subtree rooted at the runtime.
func (r *Runtime) ChildToken(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithCancel(parent)
}

// Spawn schedules task to run on the runtime. priority only affects whether
// the task yields once before running; it never preempts a running task.
func (r *Runtime) Spawn(task func(ctx context.Context) error, priority Priority) *Handle {
	r.spawned.Add(1)
	r.active.Add(1)
	h := &Handle{done: make(chan struct{})}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(h.done)

		select {
		case r.sem <- struct{}{}:
		case <-r.rootCtx.Done():
			h.err = hal9errors.Runtime("runtime shutting down")
			r.active.Add(-1)
			return
		}
		defer func() { <-r.sem }()

		if priority.yields() {
			runtimeGosched()
		}

		start := time.Now()
		h.err = task(r.rootCtx)
		r.durations.add(time.Since(start))

		r.active.Add(-1)
		r.completed.Add(1)
	}()

	return h
}

// SpawnBlocking offloads fn to a dedicated goroutine outside the worker
// semaphore, for calls that block a real OS thread (cgo, blocking syscalls).
func SpawnBlocking[T any](r *Runtime, fn func() (T, error)) *Future[T] {
	r.spawned.Add(1)
	r.active.Add(1)
	f := &Future[T]{done: make(chan struct{})}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(f.done)

		start := time.Now()
		f.result, f.err = fn()
		r.durations.add(time.Since(start))

		r.active.Add(-1)
		r.completed.Add(1)
	}()

	return f
}

// Sleep blocks for d or until the runtime's root token is cancelled.
func (r *Runtime) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.rootCtx.Done():
		return ctx.Err()
	}
}

// Timer returns a channel that fires once after d.
func (r *Runtime) Timer(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Interval returns a channel that fires every period until the runtime shuts
// down. The caller is responsible for draining it; Interval stops the
// underlying ticker when the root token is cancelled.
func (r *Runtime) Interval(period time.Duration) <-chan time.Time {
	ticker := time.NewTicker(period)
	out := make(chan time.Time, 1)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer ticker.Stop()
		defer close(out)
		for {
			select {
			case t := <-ticker.C:
				select {
				case out <- t:
				default:
				}
			case <-r.rootCtx.Done():
				return
			}
		}
	}()

	return out
}

// Shutdown cancels the root cancellation token and waits up to timeout for
// all spawned tasks to finish.
func (r *Runtime) Shutdown(timeout time.Duration) error {
	if !r.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	r.rootCancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return hal9errors.Runtime("shutdown timeout")
	}
}

// Metrics returns a snapshot of runtime activity.
func (r *Runtime) Metrics() Metrics {
	return Metrics{
		Spawned:             r.spawned.Load(),
		Completed:           r.completed.Load(),
		Active:              r.active.Load(),
		Workers:             r.workers,
		AverageTaskDuration: r.durations.average(),
	}
}

// runtimeGosched yields once, a best-effort hint: it
// lets the Go scheduler run other ready goroutines (including a
// recently-spawned High/Critical task) before this one proceeds.
func runtimeGosched() {
	goruntime.Gosched()
}
