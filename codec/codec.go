// Package codec turns envelopes into transport payloads and back.
//
// The wire format is JSON text; Codec exists so tests and alternative peers can
// swap the encoding without touching the connection state machine.
package codec

import (
	"errors"

	"duplex-rpc/message"
)

// ErrMalformed is returned when a payload is not a well-formed envelope.
var ErrMalformed = errors.New("codec: malformed envelope")

// ErrUnknownType is an alias of message.ErrUnknownType so callers only import codec.
var ErrUnknownType = message.ErrUnknownType

type Codec interface {
	Encode(env *message.Envelope) ([]byte, error)
	// Decode returns ErrUnknownType for an unrecognised "type" and ErrMalformed
	// for anything else that cannot be classified.
	Decode(data []byte) (*message.Envelope, error)
	Name() string
}

// Default is the codec used when none is configured.
var Default Codec = JSONCodec{}
