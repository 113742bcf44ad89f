package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"duplex-rpc/message"
)

// JSONCodec encodes envelopes as compact JSON text frames.
type JSONCodec struct{}

func (JSONCodec) Encode(env *message.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (JSONCodec) Decode(data []byte) (*message.Envelope, error) {
	env := &message.Envelope{}
	if err := json.Unmarshal(data, env); err != nil {
		if errors.Is(err, message.ErrUnknownType) {
			return env, err
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	// Both kinds are correlated by id; without one the frame is useless.
	switch env.Type {
	case message.KindRequest:
		if env.Request.CallID == "" || env.Request.Name == "" {
			return nil, fmt.Errorf("%w: request without callId or name", ErrMalformed)
		}
	case message.KindResponse:
		if env.Response.CallID == "" {
			return nil, fmt.Errorf("%w: response without callId", ErrMalformed)
		}
	}
	return env, nil
}

func (JSONCodec) Name() string {
	return "json"
}
