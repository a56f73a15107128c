package neuron

import (
	"context"
	"fmt"
	"time"

	hal9errors "github.com/hal9-io/hal9/pkg/errors"
	"golang.org/x/time/rate"
)

// Cognition is the pluggable callable a Neuron wraps. Implementations are
// the variants this runtime ships — MockCognition and LiveCognition — selected
// by configuration; the neuron depends only on this capability set.
type Cognition interface {
	// Invoke turns a formatted prompt into a response, or fails with
	// Communication, RateLimit, or Timeout.
	Invoke(ctx context.Context, prompt string) (string, error)
}

// MockCognitionConfig configures the deterministic stand-in used when no
// live model backend is wired up (tests, local development).
type MockCognitionConfig struct {
	Temperature float64
	MaxTokens   int
	RateLimit   int // requests per second; 0 disables limiting
	Responder   func(prompt string) string
}

// MockCognition deterministically echoes a directive-shaped response so the
// rest of the pipeline (parsing, routing) can be exercised without a real
// model. It honors RateLimit the same way a live backend's quota would.
type MockCognition struct {
	cfg     MockCognitionConfig
	limiter *rate.Limiter
}

// NewMockCognition builds a MockCognition from cfg.
func NewMockCognition(cfg MockCognitionConfig) *MockCognition {
	m := &MockCognition{cfg: cfg}
	if cfg.RateLimit > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit)
	}
	return m
}

func (m *MockCognition) Invoke(ctx context.Context, prompt string) (string, error) {
	if m.limiter != nil && !m.limiter.Allow() {
		return "", hal9errors.RateLimit(time.Second)
	}
	if m.cfg.Responder != nil {
		return m.cfg.Responder(prompt), nil
	}
	return fmt.Sprintf("CONTENT:\nacknowledged: %d bytes\n", len(prompt)), nil
}

// LiveCognitionConfig configures a real upstream model backend.
type LiveCognitionConfig struct {
	Endpoint    string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	Call        func(ctx context.Context, endpoint, prompt string) (string, error)
}

// LiveCognition delegates to an actual model backend via Call, enforcing
// Timeout itself since the backend client is opaque to the neuron.
type LiveCognition struct {
	cfg LiveCognitionConfig
}

// NewLiveCognition builds a LiveCognition from cfg.
func NewLiveCognition(cfg LiveCognitionConfig) *LiveCognition {
	return &LiveCognition{cfg: cfg}
}

func (l *LiveCognition) Invoke(ctx context.Context, prompt string) (string, error) {
	timeout := l.cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if l.cfg.Call == nil {
		return "", hal9errors.Communication("live cognition has no backend call configured")
	}

	resp, err := l.cfg.Call(callCtx, l.cfg.Endpoint, prompt)
	if err != nil {
		if callCtx.Err() != nil {
			return "", hal9errors.Timeout("live cognition invoke", timeout)
		}
		return "", hal9errors.Communication("live cognition invoke: %v", err)
	}
	return resp, nil
}
