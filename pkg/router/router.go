// Package router implements the Local Router: it owns the routing table
// (via the neuron Registry) and a bounded in-process signal channel,
// batching and dispatching signals between registered neurons. Signals are
// not retried: a recoverable processing failure is answered with a
// backward error gradient to the sender, and any other failure is logged.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	hal9errors "github.com/hal9-io/hal9/pkg/errors"
	"github.com/hal9-io/hal9/pkg/logging"
	"github.com/hal9-io/hal9/pkg/neuron"
	"github.com/hal9-io/hal9/pkg/substrate/runtime"
)

// DefaultChannelCapacity is the bounded in-process signal channel's default
// capacity.
const DefaultChannelCapacity = 1000

// DefaultConcurrency K caps in-flight neuron invocations across all batches
// the router is dispatching; the semaphore is shared router-wide.
const DefaultConcurrency = 8

// Config tunes a Router's buffering and concurrency.
type Config struct {
	ChannelCapacity int
	BufferSize      int
	FlushInterval   time.Duration
	Concurrency     int
}

func (c Config) withDefaults() Config {
	if c.ChannelCapacity <= 0 {
		c.ChannelCapacity = DefaultChannelCapacity
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	return c
}

// Router owns the in-process signal channel between registered neurons,
// batching arrivals and dispatching each batch with bounded concurrency.
type Router struct {
	cfg      Config
	registry *neuron.Registry
	rt       *runtime.Runtime
	log      *logging.FieldLogger

	channel chan neuron.Signal
	buffer  *signalBuffer
	sem     chan struct{}

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
	draining bool
	mu       sync.Mutex
}

// New creates a Router over registry, starts its dispatcher, and returns it
// ready to accept signals via Send.
func New(registry *neuron.Registry, rt *runtime.Runtime, log *logging.StructuredLogger, cfg Config) *Router {
	cfg = cfg.withDefaults()
	r := &Router{
		cfg:      cfg,
		registry: registry,
		rt:       rt,
		log:      log.Component("router"),
		channel:  make(chan neuron.Signal, cfg.ChannelCapacity),
		sem:      make(chan struct{}, cfg.Concurrency),
		stopped:  make(chan struct{}),
	}
	r.buffer = newSignalBuffer(cfg.BufferSize, cfg.FlushInterval, r.trackedDispatch)

	r.wg.Add(1)
	go r.readLoop()
	return r
}

// Send enqueues s on the bounded channel, blocking if it is full — the
// router never silently drops a signal.
func (r *Router) Send(ctx context.Context, s neuron.Signal) error {
	select {
	case r.channel <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) readLoop() {
	defer r.wg.Done()
	for s := range r.channel {
		r.buffer.add(s)
	}
	r.buffer.drain()
}

// trackedDispatch runs dispatchBatch under r.wg so Shutdown actually waits
// for it — a flush triggered by the buffer's own interval timer runs in a
// goroutine readLoop never sees, so without this Shutdown could return
// before that batch finishes.
func (r *Router) trackedDispatch(batch []neuron.Signal) {
	r.wg.Add(1)
	defer r.wg.Done()
	r.dispatchBatch(batch)
}

// dispatchBatch processes a flushed batch in parallel, bounded by the
// concurrency semaphore.
func (r *Router) dispatchBatch(batch []neuron.Signal) {
	var wg sync.WaitGroup
	for _, s := range batch {
		s := s
		r.sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-r.sem }()
			r.process(s)
		}()
	}
	wg.Wait()
}

func (r *Router) process(s neuron.Signal) {
	target, ok := r.registry.Get(s.To)
	if !ok {
		err := hal9errors.Routing("neuron not found: %s", s.To)
		r.log.Warn("neuron not found, emitting backward gradient",
			slog.String("target", s.To), slog.String("error", err.Error()))
		backward := neuron.NewBackward(s.To, s.From, s.LayerTo, s.LayerFrom, string(err.Kind), 1.0)
		r.channel <- backward
		return
	}

	ctx := r.rt.CancellationToken()
	response, err := target.ProcessSignal(ctx, s)
	if err != nil {
		r.handleError(s, err)
		return
	}

	for _, child := range target.ParseResponse(response, s) {
		// Blocks if the channel is full rather than dropping the signal.
		r.channel <- child
	}
}

// handleError reacts to a recoverable processing failure by synthesizing a
// backward error gradient toward the signal's source neuron; fatal errors
// are logged and counted only.
func (r *Router) handleError(s neuron.Signal, err error) {
	herr, ok := hal9errors.As(err)
	if !ok || !herr.Recoverable() {
		r.log.Error("neuron processing failed fatally", err, slog.String("neuron", s.To))
		return
	}

	r.log.Warn("neuron processing failed, emitting backward gradient",
		slog.String("neuron", s.To), slog.String("error", err.Error()))
	backward := neuron.NewBackward(s.To, s.From, s.LayerTo, s.LayerFrom, string(herr.Kind), 1.0)
	r.channel <- backward
}

// Shutdown stops accepting the dispatch loop after draining whatever is
// in-flight, or returns Runtime("shutdown timeout") if draining exceeds
// timeout.
func (r *Router) Shutdown(timeout time.Duration) error {
	r.stopOnce.Do(func() {
		close(r.channel)
	})

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return hal9errors.Runtime("router shutdown timeout")
	}
}
