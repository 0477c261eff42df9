// Package codec provides the two wire encodings allowed for the
// protocol envelope: JSON (used over the WebSocket transport) and a
// compact binary form (CBOR, used over the raw-socket transport).
// Both round-trip every envelope field losslessly.
package codec

import (
	"encoding/json"

	"github.com/cuemby/sessiond/pkg/protocol"
	"github.com/fxamacker/cbor/v2"
)

// Codec marshals and unmarshals envelope bodies.
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

// Frame is the wire-level container: a header plus the still-encoded
// body bytes. Keeping Body as raw bytes lets the receiver decode the
// header first and dispatch on protocol.MessageType before it knows
// the concrete body type.
type Frame struct {
	Header protocol.Header `json:"header" cbor:"1,keyasint"`
	Body   []byte          `json:"body" cbor:"2,keyasint"`
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

// JSON is the JSON-over-WebSocket codec.
var JSON Codec = jsonCodec{}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func (c cborCodec) Marshal(v interface{}) ([]byte, error) { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v interface{}) error {
	return c.dec.Unmarshal(data, v)
}

func newCBORCodec() Codec {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic("codec: build cbor encoder: " + err.Error())
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("codec: build cbor decoder: " + err.Error())
	}
	return cborCodec{enc: enc, dec: dec}
}

// CBOR is the compact-binary-form codec.
var CBOR = newCBORCodec()

// EncodeFrame encodes a body with c, wraps it with h in a Frame, and
// encodes the Frame with c.
func EncodeFrame(c Codec, h protocol.Header, body interface{}) ([]byte, error) {
	bodyBytes, err := c.Marshal(body)
	if err != nil {
		return nil, err
	}
	return c.Marshal(Frame{Header: h, Body: bodyBytes})
}

// DecodeFrame decodes a Frame with c, returning its header and the
// still-encoded body for a follow-up DecodeBody call once the caller
// has looked at Header.Type.
func DecodeFrame(c Codec, data []byte) (protocol.Header, []byte, error) {
	var f Frame
	if err := c.Unmarshal(data, &f); err != nil {
		return protocol.Header{}, nil, err
	}
	return f.Header, f.Body, nil
}

// DecodeBody decodes raw body bytes into out using c.
func DecodeBody(c Codec, raw []byte, out interface{}) error {
	return c.Unmarshal(raw, out)
}
