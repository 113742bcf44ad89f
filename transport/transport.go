// Package transport is the boundary between a peer connection and the wire.
//
// A Transport is one duplex, message-framed link expressed as a stream of
// events:
//
//	inbound  (Receive): Connect → Data* → Disconnect
//	outbound (Send):    Accept, Data*, Close
//
// The first Receive yields the connect intent; Send(Accept) completes it. For
// links this process dialed, the handshake has already happened when the
// Transport is returned, so the first Receive reports a synthetic Connect and
// Send(Accept) is a no-op. That keeps the peer state machine identical on both
// ends.
//
// Implementations:
//   - Pipe:      in-memory pair, for tests and in-process peers
//   - WebSocket: gorilla/websocket, text frames
//   - Stream:    any net.Conn, framed with package protocol
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Receive and Send return ErrClosed once the transport has been closed locally,
// or after the single Disconnect event has been delivered.
var ErrClosed = errors.New("transport: closed")

// EventType identifies a transport event.
type EventType int

const (
	EventConnect    EventType = iota + 1 // inbound: peer wants to open the link
	EventAccept                          // outbound: complete the handshake
	EventData                            // both: one message payload
	EventDisconnect                      // inbound: peer went away
	EventClose                           // outbound: close the link
)

func (t EventType) String() string {
	switch t {
	case EventConnect:
		return "connect"
	case EventAccept:
		return "accept"
	case EventData:
		return "data"
	case EventDisconnect:
		return "disconnect"
	case EventClose:
		return "close"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is one unit exchanged with a Transport. Data is only set for EventData.
type Event struct {
	Type EventType
	Data []byte
}

// Transport is a duplex, message-framed link.
//
// Receive is called from a single goroutine. Send may be called concurrently;
// implementations serialise writes themselves.
type Transport interface {
	Receive(ctx context.Context) (Event, error)
	Send(ctx context.Context, ev Event) error
	// Close releases the link without a close handshake. Safe to call more than once.
	Close() error
}

func errUnsupported(ev EventType) error {
	return fmt.Errorf("transport: cannot send %s event", ev)
}
