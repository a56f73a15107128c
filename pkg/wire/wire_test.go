package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hal9-io/hal9/pkg/neuron"
)

func TestWriteReadHelloRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	hello := Hello{ServerID: "srv-1", Neurons: []NeuronInfo{{ID: "n1", Layer: 2, ServerID: "srv-1"}}}
	require.NoError(t, WriteFrame(&buf, TagHello, hello))

	f, err := ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, TagHello, f.Tag)

	decoded, err := DecodeHello(f)
	require.NoError(t, err)
	assert.Equal(t, hello, decoded)
}

func TestWriteReadSignalRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	sig := neuron.NewForward("a", "b", neuron.Operational, neuron.Tactical, "hello")
	require.NoError(t, WriteFrame(&buf, TagSignal, SignalBody{Signal: sig}))

	f, err := ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)

	decoded, err := DecodeSignal(f)
	require.NoError(t, err)
	assert.Equal(t, sig.From, decoded.From)
	assert.Equal(t, sig.To, decoded.To)
	assert.Equal(t, sig.Activation.Content, decoded.Activation.Content)
}

func TestUnknownTagIsIgnorableWithoutClosingTheStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Tag(99), map[string]string{"x": "y"}))
	require.NoError(t, WriteFrame(&buf, TagPing, Ping{Nonce: 7}))

	r := bufio.NewReader(&buf)
	f1, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, Tag(99), f1.Tag, "an unrecognized tag is still a valid frame to read")

	f2, err := ReadFrame(r)
	require.NoError(t, err)
	ping, err := DecodePing(f2)
	require.NoError(t, err)
	assert.EqualValues(t, 7, ping.Nonce)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	header := []byte{byte(TagPing), 0xFF, 0xFF, 0xFF, 0xFF}
	buf.Write(header)

	_, err := ReadFrame(bufio.NewReader(&buf))
	require.Error(t, err)
}

func TestDecodeWrongTagFails(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, TagPing, Ping{Nonce: 1}))
	f, err := ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)

	_, err = DecodeHello(f)
	require.Error(t, err)
}
