package transport

import (
	"context"
	"sync"
)

const pipeBuffer = 64

// Pipe returns two connected in-memory transports. Both ends report a Connect
// as their first event; Data sent on one end is received on the other; Close
// on one end makes the other receive Disconnect.
func Pipe() (Transport, Transport) {
	a := newPipeEnd()
	b := newPipeEnd()
	a.peer, b.peer = b, a
	return a, b
}

type pipeEnd struct {
	in   chan Event
	peer *pipeEnd

	mu           sync.Mutex
	greeted      bool
	disconnected bool

	closeOnce sync.Once
	done      chan struct{}
}

func newPipeEnd() *pipeEnd {
	return &pipeEnd{
		in:   make(chan Event, pipeBuffer),
		done: make(chan struct{}),
	}
}

func (p *pipeEnd) Receive(ctx context.Context) (Event, error) {
	p.mu.Lock()
	if !p.greeted {
		p.greeted = true
		p.mu.Unlock()
		return Event{Type: EventConnect}, nil
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return Event{}, ErrClosed
	default:
	}

	select {
	case ev := <-p.in:
		return ev, nil
	case <-p.peer.done:
		// Deliver anything the peer sent before closing first.
		select {
		case ev := <-p.in:
			return ev, nil
		default:
		}
		return p.disconnect()
	case <-p.done:
		return Event{}, ErrClosed
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (p *pipeEnd) disconnect() (Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disconnected {
		return Event{}, ErrClosed
	}
	p.disconnected = true
	return Event{Type: EventDisconnect}, nil
}

func (p *pipeEnd) Send(ctx context.Context, ev Event) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	switch ev.Type {
	case EventAccept:
		return nil
	case EventClose:
		return p.Close()
	case EventData:
		data := make([]byte, len(ev.Data))
		copy(data, ev.Data)
		select {
		case p.peer.in <- Event{Type: EventData, Data: data}:
			return nil
		case <-p.peer.done:
			return ErrClosed
		case <-p.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	default:
		return errUnsupported(ev.Type)
	}
}

func (p *pipeEnd) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}
