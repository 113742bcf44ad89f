package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"duplex-rpc/protocol"
)

// DefaultHeartbeat is the keep-alive interval used by DialStream.
const DefaultHeartbeat = 30 * time.Second

// Stream carries events over a net.Conn using protocol frames.
//
//	dialer ──Connect──▶ acceptor
//	dialer ◀──Accept─── acceptor
//	       ◀──Data────▶
//	       ───Close───▶  (peer sees Disconnect)
//
// Heartbeat frames are swallowed by Receive. An EOF on the connection is reported
// as Disconnect, like an orderly Close frame.
type Stream struct {
	conn   net.Conn
	dialed bool

	sending sync.Mutex // one frame at a time, otherwise frames interleave on the stream

	mu           sync.Mutex
	greeted      bool
	disconnected bool

	closeOnce sync.Once
	closed    chan struct{}
}

// NewStream wraps an accepted connection. The first Receive reads the
// dialer's Connect frame.
func NewStream(conn net.Conn) *Stream {
	return &Stream{conn: conn, closed: make(chan struct{})}
}

// DialStream connects to addr, performs the Connect/Accept exchange and starts
// a heartbeat loop. A zero heartbeat uses DefaultHeartbeat; a negative one
// disables it.
func DialStream(ctx context.Context, network, addr string, heartbeat time.Duration) (*Stream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("stream dial: %w", err)
	}
	s, err := ClientStream(ctx, conn, heartbeat)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// ClientStream performs the dialer side of the handshake over an established
// connection.
func ClientStream(ctx context.Context, conn net.Conn, heartbeat time.Duration) (*Stream, error) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	if err := protocol.Encode(conn, protocol.FrameConnect, nil); err != nil {
		return nil, fmt.Errorf("stream handshake: %w", err)
	}
	header, _, err := protocol.Decode(conn)
	if err != nil {
		return nil, fmt.Errorf("stream handshake: %w", err)
	}
	if header.Type != protocol.FrameAccept {
		return nil, fmt.Errorf("stream handshake: expected accept, got %s", header.Type)
	}

	s := &Stream{conn: conn, dialed: true, closed: make(chan struct{})}
	if heartbeat == 0 {
		heartbeat = DefaultHeartbeat
	}
	if heartbeat > 0 {
		go s.heartbeatLoop(heartbeat)
	}
	return s, nil
}

func (s *Stream) Receive(ctx context.Context) (Event, error) {
	s.mu.Lock()
	if s.dialed && !s.greeted {
		s.greeted = true
		s.mu.Unlock()
		return Event{Type: EventConnect}, nil
	}
	s.mu.Unlock()

	// net.Conn reads ignore contexts; a past deadline unblocks the read instead.
	s.conn.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { s.conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		header, body, err := protocol.Decode(s.conn)
		if err != nil {
			select {
			case <-s.closed:
				return Event{}, ErrClosed
			default:
			}
			if ctx.Err() != nil {
				return Event{}, ctx.Err()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
				return s.disconnect()
			}
			return Event{}, err
		}

		switch header.Type {
		case protocol.FrameHeartbeat:
			continue
		case protocol.FrameConnect:
			return Event{Type: EventConnect}, nil
		case protocol.FrameAccept:
			return Event{Type: EventAccept}, nil
		case protocol.FrameData:
			return Event{Type: EventData, Data: body}, nil
		case protocol.FrameClose:
			return s.disconnect()
		}
	}
}

func (s *Stream) disconnect() (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disconnected {
		return Event{}, ErrClosed
	}
	s.disconnected = true
	return Event{Type: EventDisconnect}, nil
}

func (s *Stream) Send(ctx context.Context, ev Event) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	var frame protocol.FrameType
	switch ev.Type {
	case EventAccept:
		if s.dialed {
			return nil
		}
		frame = protocol.FrameAccept
	case EventData:
		frame = protocol.FrameData
	case EventClose:
		frame = protocol.FrameClose
	default:
		return errUnsupported(ev.Type)
	}

	s.sending.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		s.conn.SetWriteDeadline(deadline)
	} else {
		s.conn.SetWriteDeadline(time.Time{})
	}
	err := protocol.Encode(s.conn, frame, ev.Data)
	s.sending.Unlock()

	if ev.Type == EventClose {
		s.Close()
	}
	return err
}

func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

// heartbeatLoop sends periodic heartbeat frames so that idle links are not
// reaped by intermediaries and a dead peer surfaces as a write error.
func (s *Stream) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
		}
		s.sending.Lock()
		// Send leaves its caller's deadline on the conn; it may have passed.
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := protocol.Encode(s.conn, protocol.FrameHeartbeat, nil)
		s.sending.Unlock()
		if err != nil {
			return
		}
	}
}
