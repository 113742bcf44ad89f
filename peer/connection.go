// Package peer implements one endpoint of the bidirectional RPC protocol.
//
// A Connection owns a transport and runs its receive loop:
//
//	Connecting ──Connect/Accept──▶ Open ──Disconnect | Close() | error──▶ Closed
//
// While open, either side may call methods on the other. Inbound requests are
// looked up in a Registry shared by all connections and handled on their own
// goroutine, so a slow handler never stalls the loop; outbound calls wait in a
// per-connection pending table until the matching response arrives or the
// connection closes.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"duplex-rpc/codec"
	"duplex-rpc/message"
	"duplex-rpc/middleware"
	"duplex-rpc/transport"
)

const defaultWriteTimeout = 10 * time.Second

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Stats is a point-in-time view of a connection's counters.
type Stats struct {
	Pending  int    // outbound calls waiting for a response
	InFlight int64  // inbound requests being handled
	Dropped  uint64 // inbound frames ignored (undecodable, unknown type, unmatched response)
}

type Option func(*Connection)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Connection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithCodec(cd codec.Codec) Option {
	return func(c *Connection) {
		if cd != nil {
			c.codec = cd
		}
	}
}

// WithConnSet makes the connection join set while it is open.
func WithConnSet(set *ConnSet) Option {
	return func(c *Connection) { c.conns = set }
}

// WithMiddleware wraps inbound request handling, first middleware outermost.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Connection) { c.middlewares = append(c.middlewares, mws...) }
}

// WithIDGenerator replaces the random UUID call ids.
func WithIDGenerator(gen func() string) Option {
	return func(c *Connection) {
		if gen != nil {
			c.newID = gen
		}
	}
}

// WithWriteTimeout bounds sends that are not tied to a caller's context:
// responses to inbound requests and the closing frame.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Connection) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// Connection is one endpoint of an RPC link. Create it with New and start it
// with Run; it cannot be reused after it closed.
type Connection struct {
	id           string
	t            transport.Transport
	methods      *Registry
	codec        codec.Codec
	conns        *ConnSet
	middlewares  []middleware.Middleware
	handler      middleware.HandlerFunc
	newID        func() string
	writeTimeout time.Duration
	logger       *zap.Logger

	pending *pendingTable
	sending sync.Mutex // transports take one Send at a time

	state    atomic.Int32
	started  atomic.Bool
	inFlight atomic.Int64
	dropped  atomic.Uint64

	values sync.Map

	opened    chan struct{}
	done      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
	err       error // set before done is closed
}

// New creates a connection over t that serves methods.
func New(t transport.Transport, methods *Registry, opts ...Option) *Connection {
	c := &Connection{
		id:           uuid.NewString(),
		t:            t,
		methods:      methods,
		codec:        codec.Default,
		newID:        uuid.NewString,
		writeTimeout: defaultWriteTimeout,
		logger:       zap.NewNop(),
		pending:      newPendingTable(),
		opened:       make(chan struct{}),
		done:         make(chan struct{}),
		closing:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("conn", c.id))
	c.handler = middleware.Chain(c.middlewares...)(c.invoke)
	return c
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) State() State { return State(c.state.Load()) }

// Opened is closed once the handshake completed.
func (c *Connection) Opened() <-chan struct{} { return c.opened }

// Done is closed once the receive loop exited and cleanup ran.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err reports why the connection closed. It is nil while the connection is
// running and after a remote disconnect or a local Close.
func (c *Connection) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Connection) Stats() Stats {
	return Stats{
		Pending:  c.pending.len(),
		InFlight: c.inFlight.Load(),
		Dropped:  c.dropped.Load(),
	}
}

// Value returns the per-connection value stored under key.
func (c *Connection) Value(key any) any {
	v, _ := c.values.Load(key)
	return v
}

// SetValue stores per-connection state, typically from a handler.
func (c *Connection) SetValue(key, value any) {
	c.values.Store(key, value)
}

// Close asks the receive loop to stop; the peer is sent a close frame. It does
// not wait: use Done for that.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	return nil
}

func (c *Connection) closeRequested() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

// Run performs the handshake and runs the receive loop until the connection
// closes. It returns nil when the peer disconnected or Close was called, the
// context's error when ctx ended, and the cause otherwise.
func (c *Connection) Run(ctx context.Context) (err error) {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-c.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	var (
		remote  bool
		release func()
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("peer: receive loop panic: %v", r)
		}
		cancel()
		c.cleanup(remote, release, err)
	}()

	ev, err := c.t.Receive(ctx)
	if err != nil {
		return c.receiveErr(ctx, err)
	}
	if ev.Type != transport.EventConnect {
		return fmt.Errorf("%w: first event is %s, want %s", ErrProtocolViolation, ev.Type, transport.EventConnect)
	}
	if err := c.send(ctx, transport.Event{Type: transport.EventAccept}); err != nil {
		return c.receiveErr(ctx, fmt.Errorf("accept: %w", err))
	}

	c.state.Store(int32(StateOpen))
	if c.conns != nil {
		release = c.conns.add(c)
	}
	close(c.opened)
	c.logger.Debug("connection open")

	for {
		ev, err := c.t.Receive(ctx)
		if err != nil {
			return c.receiveErr(ctx, err)
		}
		switch ev.Type {
		case transport.EventDisconnect:
			remote = true
			return nil
		case transport.EventData:
			if len(ev.Data) == 0 {
				return fmt.Errorf("%w: empty data frame", ErrProtocolViolation)
			}
			c.dispatch(ctx, ev.Data)
		default:
			return fmt.Errorf("%w: unexpected %s event", ErrProtocolViolation, ev.Type)
		}
	}
}

func (c *Connection) receiveErr(ctx context.Context, err error) error {
	if c.closeRequested() {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return ctxErr
	}
	return fmt.Errorf("receive: %w", err)
}

// cleanup runs once, when Run returns for whatever reason.
func (c *Connection) cleanup(remote bool, release func(), err error) {
	c.state.Store(int32(StateClosed))
	if release != nil {
		release()
	}
	if n := c.pending.failAll(ErrConnectionClosed); n > 0 {
		c.logger.Debug("failed pending calls", zap.Int("count", n))
	}

	if !remote {
		ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
		if sendErr := c.send(ctx, transport.Event{Type: transport.EventClose}); sendErr != nil {
			c.logger.Debug("send close", zap.Error(sendErr))
		}
		cancel()
	}
	c.t.Close()

	if err != nil {
		c.logger.Warn("connection closed", zap.Error(err))
	} else {
		c.logger.Debug("connection closed", zap.Bool("remote", remote))
	}
	c.err = err
	close(c.done)
}

func (c *Connection) send(ctx context.Context, ev transport.Event) error {
	c.sending.Lock()
	defer c.sending.Unlock()
	return c.t.Send(ctx, ev)
}

func (c *Connection) sendEnvelope(ctx context.Context, env *message.Envelope) error {
	data, err := c.codec.Encode(env)
	if err != nil {
		return err
	}
	return c.send(ctx, transport.Event{Type: transport.EventData, Data: data})
}

// Invoke calls name on the remote peer and returns the raw JSON result.
// It waits until the connection is open. No deadline is applied besides ctx:
// when ctx ends the call is forgotten and a late response is dropped.
func (c *Connection) Invoke(ctx context.Context, name string, args ...any) (json.RawMessage, error) {
	select {
	case <-c.opened:
	case <-c.done:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	raw := make([]json.RawMessage, len(args))
	for i, arg := range args {
		b, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("%s: encode argument %d: %w", name, i, err)
		}
		raw[i] = b
	}

	id := c.newID()
	call, err := c.pending.add(id, name)
	if err != nil {
		return nil, err
	}
	if err := c.sendEnvelope(ctx, message.NewRequest(id, name, raw)); err != nil {
		c.pending.remove(id)
		return nil, fmt.Errorf("%s: send: %w", name, err)
	}

	select {
	case <-call.done:
		return call.value, call.err
	case <-ctx.Done():
		c.pending.remove(id)
		return nil, ctx.Err()
	}
}

// Call is Invoke followed by decoding the result into reply. A nil reply
// discards the result.
func (c *Connection) Call(ctx context.Context, name string, reply any, args ...any) error {
	raw, err := c.Invoke(ctx, name, args...)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	if err := json.Unmarshal(raw, reply); err != nil {
		return fmt.Errorf("%s: decode result: %w", name, err)
	}
	return nil
}
