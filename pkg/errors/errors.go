// Package errors defines the HAL9 error taxonomy shared by every core
// subsystem. Errors are tagged data, not exceptions: callers inspect Kind to
// decide whether to retry, synthesize a backward gradient, or surface the
// failure on the control plane.
package errors

import (
	"fmt"
	"time"
)

// Kind classifies a HAL9Error for recovery purposes.
type Kind string

const (
	// KindConfig marks malformed or missing configuration. Fatal at startup.
	KindConfig Kind = "config"
	// KindRuntime marks a runtime subsystem failure (shutdown timeout,
	// executor closed). Fatal.
	KindRuntime Kind = "runtime"
	// KindCommunication marks a local channel send/receive failure.
	// Retried locally; surfaced if retries are exhausted.
	KindCommunication Kind = "communication"
	// KindRateLimit marks a cognition callable refusing work due to quota.
	// Recoverable: the router emits a backward gradient.
	KindRateLimit Kind = "rate_limit"
	// KindTimeout marks an operation exceeding its budget. Recoverable for
	// neuron calls, fatal for consensus proposals.
	KindTimeout Kind = "timeout"
	// KindNetwork marks a transport/pool failure or unreachable peer.
	// Retried with backoff; the peer is marked unhealthy.
	KindNetwork Kind = "network"
	// KindRouting marks an unknown neuron id, no viable route, or an
	// exceeded hop count. Surfaced; never retried.
	KindRouting Kind = "routing"
	// KindNotFound marks a referenced entity absent (node, edge, state key).
	KindNotFound Kind = "not_found"
	// KindInvalidState marks an operation issued in the wrong lifecycle
	// phase.
	KindInvalidState Kind = "invalid_state"
	// KindResource marks an allocation that would exceed capacity or a
	// per-requester limit. The caller backs off.
	KindResource Kind = "resource"
	// KindProtocol marks a wire negotiation failure or a rejected frame.
	// The session is closed and reconnected.
	KindProtocol Kind = "protocol"
)

// HAL9Error is the single error type used across the core. It carries enough
// context for the router and control plane to decide what to do without
// string-matching the message.
type HAL9Error struct {
	Kind      Kind
	Message   string
	Component string
	Cause     error
	Timeout   time.Duration // populated for KindTimeout
	Retryable bool
}

func (e *HAL9Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap supports errors.Is / errors.As against the wrapped cause.
func (e *HAL9Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a HAL9Error of the same Kind, so callers can
// write errors.Is(err, &HAL9Error{Kind: KindRouting}).
func (e *HAL9Error) Is(target error) bool {
	t, ok := target.(*HAL9Error)
	if !ok {
		return false
	}
	if t.Kind == "" {
		return false
	}
	return e.Kind == t.Kind
}

// Recoverable reports whether the router should treat this error as a
// recoverable condition rather than a fatal
// subsystem failure.
func (e *HAL9Error) Recoverable() bool {
	switch e.Kind {
	case KindRateLimit, KindTimeout, KindCommunication, KindNetwork:
		return true
	default:
		return false
	}
}

// Fatal reports whether the error should terminate the owning subsystem.
func (e *HAL9Error) Fatal() bool {
	switch e.Kind {
	case KindConfig, KindRuntime:
		return true
	default:
		return false
	}
}

// builder provides a fluent error-construction style scoped to the HAL9
// taxonomy.
type builder struct {
	err *HAL9Error
}

// New starts building a HAL9Error of the given kind.
func New(kind Kind, message string) *builder {
	return &builder{err: &HAL9Error{Kind: kind, Message: message}}
}

func (b *builder) WithComponent(component string) *builder {
	b.err.Component = component
	return b
}

func (b *builder) WithCause(cause error) *builder {
	b.err.Cause = cause
	return b
}

func (b *builder) WithTimeout(d time.Duration) *builder {
	b.err.Timeout = d
	return b
}

func (b *builder) WithRetry(retryable bool) *builder {
	b.err.Retryable = retryable
	return b
}

func (b *builder) Build() *HAL9Error {
	return b.err
}

// Convenience constructors used throughout the core; each mirrors one Kind
// of the error taxonomy above.

func Config(format string, args ...any) *HAL9Error {
	return New(KindConfig, fmt.Sprintf(format, args...)).Build()
}

func Runtime(format string, args ...any) *HAL9Error {
	return New(KindRuntime, fmt.Sprintf(format, args...)).Build()
}

func Communication(format string, args ...any) *HAL9Error {
	return New(KindCommunication, fmt.Sprintf(format, args...)).WithRetry(true).Build()
}

func RateLimit(retryAfter time.Duration) *HAL9Error {
	return New(KindRateLimit, "cognition callable refused due to quota").
		WithTimeout(retryAfter).WithRetry(true).Build()
}

func Timeout(operation string, d time.Duration) *HAL9Error {
	return New(KindTimeout, fmt.Sprintf("%s exceeded its budget", operation)).
		WithTimeout(d).WithRetry(true).Build()
}

func Network(format string, args ...any) *HAL9Error {
	return New(KindNetwork, fmt.Sprintf(format, args...)).WithRetry(true).Build()
}

func Routing(format string, args ...any) *HAL9Error {
	return New(KindRouting, fmt.Sprintf(format, args...)).Build()
}

func NotFound(kind, id string) *HAL9Error {
	return New(KindNotFound, fmt.Sprintf("%s %q not found", kind, id)).Build()
}

func InvalidState(format string, args ...any) *HAL9Error {
	return New(KindInvalidState, fmt.Sprintf(format, args...)).Build()
}

func Resource(format string, args ...any) *HAL9Error {
	return New(KindResource, fmt.Sprintf(format, args...)).Build()
}

func Protocol(format string, args ...any) *HAL9Error {
	return New(KindProtocol, fmt.Sprintf(format, args...)).Build()
}

// As extracts a *HAL9Error from err, if any, walking Unwrap chains the same
// way errors.As would, without pulling in the stdlib errors package just for
// this one call site in hot paths.
func As(err error) (*HAL9Error, bool) {
	for err != nil {
		if he, ok := err.(*HAL9Error); ok {
			return he, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
