// Package transport implements the substrate's typed local message
// channels and pub/sub. It is in-process: serialization across
// the wire is the concern of pkg/wire, not this package.
package transport

import (
	"sync"

	hal9errors "github.com/hal9-io/hal9/pkg/errors"
)

const defaultEndpointBuffer = 64

// Transport is a registry of single-consumer endpoints and fan-out topics.
// Values are stored as `any`; Send/Receive/Publish/Subscribe are generic
// wrappers that assert the expected type on the way out, so callers still
// get a typed API.
type Transport struct {
	mu        sync.RWMutex
	endpoints map[string]chan any
	topics    map[string][]chan any
}

// New creates an empty Transport.
func New() *Transport {
	return &Transport{
		endpoints: make(map[string]chan any),
		topics:    make(map[string][]chan any),
	}
}

// Receive registers endpoint as a single consumer and returns its stream.
// Calling Receive twice on the same endpoint replaces the previous
// subscriber (the old stream is closed), matching the "single-consumer"
// contract.
func Receive[T any](t *Transport, endpoint string) <-chan T {
	raw := t.registerEndpoint(endpoint)
	out := make(chan T, defaultEndpointBuffer)
	go func() {
		defer close(out)
		for v := range raw {
			if typed, ok := v.(T); ok {
				out <- typed
			}
		}
	}()
	return out
}

func (t *Transport) registerEndpoint(endpoint string) chan any {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.endpoints[endpoint]; ok {
		close(old)
	}
	ch := make(chan any, defaultEndpointBuffer)
	t.endpoints[endpoint] = ch
	return ch
}

// Send delivers msg to endpoint's single consumer. It returns
// Communication("no such endpoint") if nothing has called Receive for it.
func Send[T any](t *Transport, endpoint string, msg T) error {
	t.mu.RLock()
	ch, ok := t.endpoints[endpoint]
	t.mu.RUnlock()

	if !ok {
		return hal9errors.Communication("no such endpoint %q", endpoint)
	}
	ch <- msg
	return nil
}

// Subscribe returns a stream of every message published to topic from this
// point forward. Multiple subscribers on the same topic all receive every
// publish (fan-out).
func Subscribe[T any](t *Transport, topic string) <-chan T {
	t.mu.Lock()
	raw := make(chan any, defaultEndpointBuffer)
	t.topics[topic] = append(t.topics[topic], raw)
	t.mu.Unlock()

	out := make(chan T, defaultEndpointBuffer)
	go func() {
		defer close(out)
		for v := range raw {
			if typed, ok := v.(T); ok {
				out <- typed
			}
		}
	}()
	return out
}

// Publish fans msg out to every current subscriber of topic. Publishing to a
// topic with no subscribers is a no-op, not an error — pub/sub is
// fire-and-forget.
func Publish[T any](t *Transport, topic string, msg T) {
	t.mu.RLock()
	subs := make([]chan any, len(t.topics[topic]))
	copy(subs, t.topics[topic])
	t.mu.RUnlock()

	for _, sub := range subs {
		sub <- msg
	}
}

// Close shuts down every registered endpoint and topic subscriber channel.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, ch := range t.endpoints {
		close(ch)
	}
	t.endpoints = make(map[string]chan any)

	for _, subs := range t.topics {
		for _, sub := range subs {
			close(sub)
		}
	}
	t.topics = make(map[string][]chan any)
}
