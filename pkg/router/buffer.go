package router

import (
	"sync"
	"time"

	"github.com/hal9-io/hal9/pkg/neuron"
)

// DefaultBufferSize is the signal buffer's default capacity N.
const DefaultBufferSize = 10

// DefaultFlushInterval is the signal buffer's default flush interval F.
const DefaultFlushInterval = 50 * time.Millisecond

// signalBuffer accumulates signals until either it reaches its capacity or
// the flush interval elapses, whichever comes first, then hands the whole
// batch to flush.
type signalBuffer struct {
	mu       sync.Mutex
	capacity int
	pending  []neuron.Signal
	timer    *time.Timer
	interval time.Duration
	flush    func([]neuron.Signal)
}

func newSignalBuffer(capacity int, interval time.Duration, flush func([]neuron.Signal)) *signalBuffer {
	return &signalBuffer{capacity: capacity, interval: interval, flush: flush}
}

// add appends s to the pending batch, flushing immediately if it reaches
// capacity. It also arms a timer on the first signal in a fresh batch so an
// under-capacity batch still flushes after interval.
func (b *signalBuffer) add(s neuron.Signal) {
	b.mu.Lock()
	b.pending = append(b.pending, s)
	first := len(b.pending) == 1
	full := len(b.pending) >= b.capacity
	var batch []neuron.Signal
	if full {
		batch = b.pending
		b.pending = nil
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
	} else if first {
		b.timer = time.AfterFunc(b.interval, b.onTimer)
	}
	b.mu.Unlock()

	if batch != nil {
		b.flush(batch)
	}
}

func (b *signalBuffer) onTimer() {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.timer = nil
	b.mu.Unlock()

	if len(batch) > 0 {
		b.flush(batch)
	}
}

// drain flushes whatever is currently pending, used during shutdown.
func (b *signalBuffer) drain() {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	if len(batch) > 0 {
		b.flush(batch)
	}
}
