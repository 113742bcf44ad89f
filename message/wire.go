package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType is returned when an envelope's "type" is missing or unrecognised.
// Peers drop such frames instead of failing the connection.
var ErrUnknownType = errors.New("message: unknown envelope type")

// wireEnvelope is the flat JSON shape shared by both envelope kinds.
type wireEnvelope struct {
	Type   Kind              `json:"type"`
	CallID string            `json:"callId"`
	Name   string            `json:"name,omitempty"`
	Args   []json.RawMessage `json:"args,omitempty"`
	Retval json.RawMessage   `json:"retval,omitempty"`
	// RetvalAlt accepts the "retVal" spelling used by older browser peers. Never emitted.
	RetvalAlt json.RawMessage `json:"retVal,omitempty"`
	Error     *string         `json:"error,omitempty"`
}

// Responses always spell out both fields so the peer sees an explicit null.
type wireResponse struct {
	Type   Kind            `json:"type"`
	CallID string          `json:"callId"`
	Retval json.RawMessage `json:"retval"`
	Error  *string         `json:"error"`
}

type wireRequest struct {
	Type   Kind              `json:"type"`
	CallID string            `json:"callId"`
	Name   string            `json:"name"`
	Args   []json.RawMessage `json:"args"`
}

// MarshalJSON implements json.Marshaler.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case KindRequest:
		if e.Request == nil {
			return nil, fmt.Errorf("message: request envelope without request")
		}
		args := e.Request.Args
		if args == nil {
			args = []json.RawMessage{}
		}
		return json.Marshal(wireRequest{
			Type:   KindRequest,
			CallID: e.Request.CallID,
			Name:   e.Request.Name,
			Args:   args,
		})
	case KindResponse:
		if e.Response == nil {
			return nil, fmt.Errorf("message: response envelope without response")
		}
		w := wireResponse{Type: KindResponse, CallID: e.Response.CallID}
		if e.Response.Error != nil {
			w.Error = e.Response.Error
		} else {
			w.Retval = e.Response.Retval
			if len(w.Retval) == 0 {
				w.Retval = null
			}
		}
		return json.Marshal(w)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
}

// UnmarshalJSON implements json.Unmarshaler. An unrecognised type yields
// ErrUnknownType with Type still set, so callers can log what they dropped.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Envelope{Type: w.Type}
	switch w.Type {
	case KindRequest:
		args := w.Args
		if args == nil {
			args = []json.RawMessage{}
		}
		e.Request = &Request{CallID: w.CallID, Name: w.Name, Args: args}
	case KindResponse:
		resp := &Response{CallID: w.CallID}
		retval := w.Retval
		if len(retval) == 0 {
			retval = w.RetvalAlt
		}
		if w.Error != nil {
			resp.Error = w.Error
		} else {
			resp.Retval = retval
			if len(resp.Retval) == 0 {
				resp.Retval = null
			}
		}
		e.Response = resp
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
	}
	return nil
}
