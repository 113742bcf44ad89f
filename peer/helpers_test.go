package peer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"duplex-rpc/transport"
)

// scriptedTransport lets a test play the remote peer frame by frame.
type scriptedTransport struct {
	in   chan transport.Event
	out  chan transport.Event
	once sync.Once
	done chan struct{}
}

func newScripted() *scriptedTransport {
	return &scriptedTransport{
		in:   make(chan transport.Event, 16),
		out:  make(chan transport.Event, 64),
		done: make(chan struct{}),
	}
}

func (s *scriptedTransport) Receive(ctx context.Context) (transport.Event, error) {
	select {
	case ev := <-s.in:
		return ev, nil
	case <-s.done:
		return transport.Event{}, transport.ErrClosed
	case <-ctx.Done():
		return transport.Event{}, ctx.Err()
	}
}

func (s *scriptedTransport) Send(ctx context.Context, ev transport.Event) error {
	select {
	case <-s.done:
		return transport.ErrClosed
	default:
	}
	select {
	case s.out <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *scriptedTransport) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *scriptedTransport) push(ev transport.Event) { s.in <- ev }

func (s *scriptedTransport) pushJSON(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	s.push(transport.Event{Type: transport.EventData, Data: data})
}

// next returns the next outbound event, failing the test after a timeout.
func (s *scriptedTransport) next(t *testing.T) transport.Event {
	t.Helper()
	select {
	case ev := <-s.out:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an outbound event")
		return transport.Event{}
	}
}

// nextFrame returns the next outbound data frame decoded as a JSON object.
func (s *scriptedTransport) nextFrame(t *testing.T) map[string]json.RawMessage {
	t.Helper()
	ev := s.next(t)
	if ev.Type != transport.EventData {
		t.Fatalf("expect data event, got %s", ev.Type)
	}
	var frame map[string]json.RawMessage
	if err := json.Unmarshal(ev.Data, &frame); err != nil {
		t.Fatalf("outbound frame is not JSON: %v (%s)", err, ev.Data)
	}
	return frame
}

// startScripted runs a connection over a scripted transport and completes
// the handshake.
func startScripted(t *testing.T, methods *Registry, opts ...Option) (*Connection, *scriptedTransport) {
	t.Helper()
	st := newScripted()
	c := New(st, methods, opts...)
	go c.Run(context.Background())

	st.push(transport.Event{Type: transport.EventConnect})
	if ev := st.next(t); ev.Type != transport.EventAccept {
		t.Fatalf("expect accept, got %s", ev.Type)
	}
	waitOpen(t, c)
	t.Cleanup(func() { c.Close() })
	return c, st
}

// startPair runs two connections joined by an in-memory pipe.
func startPair(t *testing.T, left, right *Registry, opts ...Option) (*Connection, *Connection) {
	t.Helper()
	ta, tb := transport.Pipe()
	a := New(ta, left, opts...)
	b := New(tb, right, opts...)
	go a.Run(context.Background())
	go b.Run(context.Background())
	waitOpen(t, a)
	waitOpen(t, b)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func waitOpen(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case <-c.Opened():
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not open")
	}
}

func waitDone(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not close")
	}
}

func mustBuild(t *testing.T, b *Builder) *Registry {
	t.Helper()
	reg, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return reg
}

func request(callID, name string, args ...any) map[string]any {
	if args == nil {
		args = []any{}
	}
	return map[string]any{"type": "request", "callId": callID, "name": name, "args": args}
}

func response(callID string, retval any) map[string]any {
	return map[string]any{"type": "response", "callId": callID, "retval": retval, "error": nil}
}

func str(raw json.RawMessage) string {
	var s string
	json.Unmarshal(raw, &s)
	return s
}
