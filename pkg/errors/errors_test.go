package errors

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverableKinds(t *testing.T) {
	cases := []struct {
		err         *HAL9Error
		recoverable bool
		fatal       bool
	}{
		{RateLimit(time.Second), true, false},
		{Timeout("process_signal", time.Second), true, false},
		{Communication("send failed"), true, false},
		{Network("peer unreachable"), true, false},
		{Routing("neuron X not found"), false, false},
		{Config("missing server_id"), false, true},
		{Runtime("shutdown timeout"), false, true},
		{Resource("exhausted"), false, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.recoverable, c.err.Recoverable(), c.err.Kind)
		assert.Equal(t, c.fatal, c.err.Fatal(), c.err.Kind)
	}
}

func TestIsMatchesOnKind(t *testing.T) {
	err := Routing("neuron %q not found", "ghost")
	require.True(t, err.Is(&HAL9Error{Kind: KindRouting}))
	require.False(t, err.Is(&HAL9Error{Kind: KindNetwork}))
	require.False(t, err.Is(fmt.Errorf("plain")))
}

func TestUnwrapAndAs(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")
	wrapped := New(KindNetwork, "connect failed").WithCause(cause).Build()

	require.Equal(t, cause, wrapped.Unwrap())

	extracted, ok := As(fmt.Errorf("wrap: %w", wrapped))
	require.True(t, ok)
	require.Equal(t, KindNetwork, extracted.Kind)
}
