// Package wire implements the length-prefixed frame codec servers use to
// talk to each other: HELLO, SIGNAL, PING, PONG, and GOODBYE frames, each
// self-describing enough that a malformed frame can be rejected without
// tearing down the underlying connection.
package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"

	hal9errors "github.com/hal9-io/hal9/pkg/errors"
	"github.com/hal9-io/hal9/pkg/neuron"
)

// Tag identifies a frame's kind. Unknown tags are valid on the wire —
// readers skip their body and continue rather than closing the stream.
type Tag uint8

const (
	TagHello   Tag = 1
	TagSignal  Tag = 2
	TagPing    Tag = 3
	TagPong    Tag = 4
	TagGoodbye Tag = 5
)

// maxFrameBytes bounds a single frame's body so a corrupt length prefix
// can't make a reader allocate unbounded memory.
const maxFrameBytes = 16 << 20

// NeuronInfo is one neuron's routing-relevant metadata, carried in Hello.
type NeuronInfo struct {
	ID       string `json:"id"`
	Layer    int    `json:"layer"`
	ServerID string `json:"server_id"`
}

// Hello is the frame body of TagHello.
type Hello struct {
	ServerID string       `json:"server_id"`
	Neurons  []NeuronInfo `json:"neurons"`
}

// SignalBody is the frame body of TagSignal.
type SignalBody struct {
	Signal neuron.Signal `json:"signal"`
}

// Ping is the frame body of TagPing and TagPong.
type Ping struct {
	Nonce uint64 `json:"nonce"`
}

// Frame is one decoded wire frame: a tag plus its raw JSON body, not yet
// unmarshaled into a concrete type.
type Frame struct {
	Tag  Tag
	Body []byte
}

// WriteFrame encodes tag and payload (marshaled to JSON) as a
// length-prefixed frame: [1-byte tag][4-byte big-endian length][body].
func WriteFrame(w io.Writer, tag Tag, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return hal9errors.Protocol("marshaling frame body: %v", err)
	}
	if len(body) > maxFrameBytes {
		return hal9errors.Protocol("frame body too large: %d bytes", len(body))
	}

	header := make([]byte, 5)
	header[0] = byte(tag)
	binary.BigEndian.PutUint32(header[1:], uint32(len(body)))

	if _, err := w.Write(header); err != nil {
		return hal9errors.Network("writing frame header: %v", err)
	}
	if _, err := w.Write(body); err != nil {
		return hal9errors.Network("writing frame body: %v", err)
	}
	return nil
}

// ReadFrame decodes the next frame from r. An unknown tag is returned as
// a Frame with its raw body intact — callers that don't recognize Tag
// should ignore it and read the next frame rather than treat it as fatal.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, hal9errors.Network("reading frame header: %v", err)
	}

	tag := Tag(header[0])
	length := binary.BigEndian.Uint32(header[1:])
	if length > maxFrameBytes {
		return Frame{}, hal9errors.Protocol("frame body too large: %d bytes", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, hal9errors.Network("reading frame body: %v", err)
	}

	return Frame{Tag: tag, Body: body}, nil
}

// DecodeHello unmarshals f's body as Hello, failing Protocol if f isn't
// tagged Hello or its body doesn't parse.
func DecodeHello(f Frame) (Hello, error) {
	var h Hello
	if f.Tag != TagHello {
		return h, hal9errors.Protocol("expected HELLO frame, got tag %d", f.Tag)
	}
	if err := json.Unmarshal(f.Body, &h); err != nil {
		return h, hal9errors.Protocol("decoding HELLO body: %v", err)
	}
	return h, nil
}

// DecodeSignal unmarshals f's body as SignalBody.
func DecodeSignal(f Frame) (neuron.Signal, error) {
	var s SignalBody
	if f.Tag != TagSignal {
		return neuron.Signal{}, hal9errors.Protocol("expected SIGNAL frame, got tag %d", f.Tag)
	}
	if err := json.Unmarshal(f.Body, &s); err != nil {
		return neuron.Signal{}, hal9errors.Protocol("decoding SIGNAL body: %v", err)
	}
	return s.Signal, nil
}

// DecodePing unmarshals f's body as Ping, accepting either TagPing or
// TagPong since they share a body shape.
func DecodePing(f Frame) (Ping, error) {
	var p Ping
	if f.Tag != TagPing && f.Tag != TagPong {
		return p, hal9errors.Protocol("expected PING/PONG frame, got tag %d", f.Tag)
	}
	if err := json.Unmarshal(f.Body, &p); err != nil {
		return p, hal9errors.Protocol("decoding PING body: %v", err)
	}
	return p, nil
}
