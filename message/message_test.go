package message

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestRequestWireForm(t *testing.T) {
	env := NewRequest("c1", "Arith.Add", []json.RawMessage{json.RawMessage(`1`), json.RawMessage(`2`)})

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}
	want := `{"type":"request","callId":"c1","name":"Arith.Add","args":[1,2]}`
	if string(data) != want {
		t.Fatalf("got %s, want %s", data, want)
	}
}

func TestRequestWithoutArgsEncodesEmptyList(t *testing.T) {
	data, err := json.Marshal(NewRequest("c1", "ping", nil))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"args":[]`) {
		t.Fatalf("expect empty args list, got %s", data)
	}
}

func TestResponseFieldsAreExclusive(t *testing.T) {
	cases := []struct {
		name string
		resp *Response
		want string
	}{
		{"result", NewResult("c1", json.RawMessage(`{"sum":3}`)), `{"type":"response","callId":"c1","retval":{"sum":3},"error":null}`},
		{"nil result", NewResult("c2", nil), `{"type":"response","callId":"c2","retval":null,"error":null}`},
		{"error", NewError("c3", "boom"), `{"type":"response","callId":"c3","retval":null,"error":"boom"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := json.Marshal(tc.resp.Envelope())
			if err != nil {
				t.Fatal(err)
			}
			if string(data) != tc.want {
				t.Fatalf("got %s, want %s", data, tc.want)
			}
		})
	}
}

func TestErrorResponseNeverCarriesRetval(t *testing.T) {
	resp := NewError("c1", "boom")
	resp.Retval = json.RawMessage(`42`) // must not leak onto the wire

	data, err := json.Marshal(resp.Envelope())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"retval":null`) {
		t.Fatalf("error response leaked retval: %s", data)
	}
}

func TestDecodeResponse(t *testing.T) {
	var env Envelope
	if err := json.Unmarshal([]byte(`{"type":"response","callId":"x","retval":5,"error":null}`), &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != KindResponse || env.Response == nil {
		t.Fatalf("expect response envelope, got %+v", env)
	}
	if env.Response.IsError() {
		t.Fatal("expect success response")
	}
	if string(env.Response.Retval) != "5" {
		t.Fatalf("expect retval 5, got %s", env.Response.Retval)
	}
}

func TestDecodeAcceptsLegacyRetValSpelling(t *testing.T) {
	var env Envelope
	if err := json.Unmarshal([]byte(`{"type":"response","callId":"x","retVal":"hi"}`), &env); err != nil {
		t.Fatal(err)
	}
	if string(env.Response.Retval) != `"hi"` {
		t.Fatalf("expect retval \"hi\", got %s", env.Response.Retval)
	}
}

func TestDecodeErrorResponse(t *testing.T) {
	var env Envelope
	if err := json.Unmarshal([]byte(`{"type":"response","callId":"x","retval":null,"error":"nope"}`), &env); err != nil {
		t.Fatal(err)
	}
	if !env.Response.IsError() || *env.Response.Error != "nope" {
		t.Fatalf("expect error 'nope', got %+v", env.Response)
	}
}

func TestDecodeRequestDefaultsArgs(t *testing.T) {
	var env Envelope
	if err := json.Unmarshal([]byte(`{"type":"request","callId":"x","name":"ping"}`), &env); err != nil {
		t.Fatal(err)
	}
	if env.Request.Args == nil || len(env.Request.Args) != 0 {
		t.Fatalf("expect empty non-nil args, got %#v", env.Request.Args)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	var env Envelope
	err := json.Unmarshal([]byte(`{"type":"notify","callId":"x"}`), &env)
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expect ErrUnknownType, got %v", err)
	}
	if env.Type != "notify" {
		t.Fatalf("expect type to be kept for logging, got %q", env.Type)
	}
}
