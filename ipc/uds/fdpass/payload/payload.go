// Package payload provides the encodings used for the body of length prefixed fdpass messages.
package payload

import (
	"encoding/json"

	"github.com/fxamacker/cbor/v2"
)

// Codec converts values to and from a message payload.
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(b []byte, v interface{}) error
	// Name is used in logs and configuration.
	Name() string
}

var (
	// JSON encodes with encoding/json. This is what most receivers expect.
	JSON Codec = jsonCodec{}
	// CBOR encodes with RFC 8949 CBOR in core deterministic form.
	CBOR Codec = newCBOR()
)

// ByName returns the Codec whose Name() is name.
func ByName(name string) (Codec, bool) {
	switch name {
	case JSON.Name():
		return JSON, true
	case CBOR.Name():
		return CBOR, true
	}
	return nil, false
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(b []byte, v interface{}) error {
	return json.Unmarshal(b, v)
}

func (jsonCodec) Name() string {
	return "json"
}

type cborCodec struct {
	enc cbor.EncMode
}

func newCBOR() cborCodec {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return cborCodec{enc: em}
}

func (c cborCodec) Marshal(v interface{}) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (cborCodec) Unmarshal(b []byte, v interface{}) error {
	return cbor.Unmarshal(b, v)
}

func (cborCodec) Name() string {
	return "cbor"
}
