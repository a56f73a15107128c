package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingMsg struct{ N int }

func TestSendReceiveRoundTrip(t *testing.T) {
	tr := New()
	stream := Receive[pingMsg](tr, "ep-a")

	require.NoError(t, Send(tr, "ep-a", pingMsg{N: 7}))

	select {
	case got := <-stream:
		assert.Equal(t, 7, got.N)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestSendToUnknownEndpointFails(t *testing.T) {
	tr := New()
	err := Send(tr, "missing", pingMsg{N: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such endpoint")
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	tr := New()
	a := Subscribe[pingMsg](tr, "topic")
	b := Subscribe[pingMsg](tr, "topic")

	Publish(tr, "topic", pingMsg{N: 3})

	for _, stream := range []<-chan pingMsg{a, b} {
		select {
		case got := <-stream:
			assert.Equal(t, 3, got.N)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive published message")
		}
	}
}
