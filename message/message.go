// Package message defines the envelopes exchanged between two peers.
//
// Every frame on the wire is one JSON object tagged by "type":
//
//	Request:  {"type":"request","callId":"<id>","name":"<method>","args":[...]}
//	Response: {"type":"response","callId":"<id>","retval":<any|null>,"error":<string|null>}
//
// Args and return values are kept as json.RawMessage so the envelope layer never
// needs to know the handler's Go types; decoding into typed values happens in the
// method registry (inbound) or in the caller (outbound).
package message

import "encoding/json"

// Kind is the value of the envelope's "type" field.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
)

// Request asks the remote peer to run a method.
type Request struct {
	CallID string            // Opaque id echoed back in the matching Response
	Name   string            // Method name looked up in the remote method registry
	Args   []json.RawMessage // Positional arguments, never nil after decoding
}

// Response carries the outcome of a Request.
//
// Exactly one of Retval / Error is meaningful. Build responses with NewResult or
// NewError so the invariant holds by construction.
type Response struct {
	CallID string
	Retval json.RawMessage // JSON value returned by the handler; "null" for no value
	Error  *string         // Non-nil if the handler failed
}

// Envelope is the tagged union framed on the transport.
// Exactly one of Request / Response is set, matching Type.
type Envelope struct {
	Type     Kind
	Request  *Request
	Response *Response
}

var null = json.RawMessage("null")

// NewRequest builds a request envelope.
func NewRequest(callID, name string, args []json.RawMessage) *Envelope {
	if args == nil {
		args = []json.RawMessage{}
	}
	return &Envelope{
		Type:    KindRequest,
		Request: &Request{CallID: callID, Name: name, Args: args},
	}
}

// NewResult builds a successful response. A nil retval is sent as JSON null.
func NewResult(callID string, retval json.RawMessage) *Response {
	if len(retval) == 0 {
		retval = null
	}
	return &Response{CallID: callID, Retval: retval}
}

// NewError builds a failed response.
func NewError(callID string, msg string) *Response {
	return &Response{CallID: callID, Error: &msg}
}

// IsError reports whether the response carries an error.
func (r *Response) IsError() bool {
	return r.Error != nil
}

// Envelope wraps the response for framing.
func (r *Response) Envelope() *Envelope {
	return &Envelope{Type: KindResponse, Response: r}
}
