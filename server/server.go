// Package server hosts RPC connections for many peers.
//
// Inbound links arrive two ways:
//
//	HTTP request ─ServeHTTP─┬─ WebSocket upgrade → peer.Connection
//	                        └─ anything else     → fallback handler
//	TCP listener ─Serve─────── framed stream     → peer.Connection
//
// Every connection shares the server's method registry and middleware chain,
// and is tracked in the server's ConnSet while open.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"duplex-rpc/discovery"
	"duplex-rpc/middleware"
	"duplex-rpc/peer"
	"duplex-rpc/transport"
)

// ErrServerClosed is returned by Serve and ServeTransport after Shutdown.
var ErrServerClosed = errors.New("server: closed")

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithFallback sets the handler for HTTP requests that are not WebSocket
// upgrades. The default answers 404.
func WithFallback(h http.Handler) Option {
	return func(s *Server) {
		if h != nil {
			s.fallback = h
		}
	}
}

// WithCheckOrigin overrides the WebSocket origin check (same-origin by default).
func WithCheckOrigin(check func(r *http.Request) bool) Option {
	return func(s *Server) { s.upgrader.CheckOrigin = check }
}

// WithConnSet makes the server track its connections in set instead of a
// private one, so that methods can reach other connections.
func WithConnSet(set *peer.ConnSet) Option {
	return func(s *Server) {
		if set != nil {
			s.conns = set
		}
	}
}

// WithConnOptions adds options applied to every connection, after the
// server's own.
func WithConnOptions(opts ...peer.Option) Option {
	return func(s *Server) { s.connOpts = append(s.connOpts, opts...) }
}

// Server accepts connections and serves methods on them.
type Server struct {
	methods     *peer.Registry
	conns       *peer.ConnSet
	middlewares []middleware.Middleware
	connOpts    []peer.Option
	upgrader    websocket.Upgrader
	fallback    http.Handler
	logger      *zap.Logger

	ctx    context.Context // parent of every connection, cancelled by Shutdown
	cancel context.CancelFunc

	mu            sync.Mutex
	shutdown      atomic.Bool
	wg            sync.WaitGroup // running connections
	listeners     map[net.Listener]struct{}
	registry      discovery.Registry
	registrations []registration
}

type registration struct {
	service string
	addr    string
}

// New creates a server for methods.
func New(methods *peer.Registry, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		methods:   methods,
		conns:     peer.NewConnSet(),
		upgrader:  websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		fallback:  http.NotFoundHandler(),
		logger:    zap.NewNop(),
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[net.Listener]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Use appends a middleware. Connections accepted afterwards run requests
// through every middleware in the order they were added.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	s.middlewares = append(s.middlewares, mw)
	s.mu.Unlock()
}

// Conns returns the set of open connections, e.g. for Broadcast.
func (s *Server) Conns() *peer.ConnSet { return s.conns }

// ServeHTTP routes WebSocket upgrades to a new connection and everything else
// to the fallback handler. For upgrades it returns when the connection closed.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !transport.IsUpgrade(r) {
		s.fallback.ServeHTTP(w, r)
		return
	}
	if s.shutdown.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	ws := transport.AcceptWebSocket(w, r, &s.upgrader)
	err := s.ServeTransport(ws, peer.WithLogger(s.logger.With(
		zap.String("transport", "websocket"),
		zap.String("remote", r.RemoteAddr),
	)))
	if err != nil && !errors.Is(err, ErrServerClosed) {
		s.logger.Debug("websocket connection ended", zap.String("remote", r.RemoteAddr), zap.Error(err))
	}
}

// Serve accepts framed TCP connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listeners[l] = struct{}{}
	s.mu.Unlock()

	s.logger.Info("serving stream connections", zap.Stringer("addr", l.Addr()))
	for {
		conn, err := l.Accept()
		if err != nil {
			// Shutdown closes the listener, which surfaces here as an error.
			if s.shutdown.Load() {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go func() {
			err := s.ServeTransport(transport.NewStream(conn), peer.WithLogger(s.logger.With(
				zap.String("transport", "stream"),
				zap.Stringer("remote", conn.RemoteAddr()),
			)))
			if err != nil && !errors.Is(err, ErrServerClosed) {
				s.logger.Debug("stream connection ended", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
			}
		}()
	}
}

// ServeTransport runs one connection over t and blocks until it closed.
func (s *Server) ServeTransport(t transport.Transport, opts ...peer.Option) error {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		t.Close()
		return ErrServerClosed
	}
	s.wg.Add(1)
	mws := append([]middleware.Middleware(nil), s.middlewares...)
	s.mu.Unlock()
	defer s.wg.Done()

	connOpts := []peer.Option{
		peer.WithLogger(s.logger),
		peer.WithConnSet(s.conns),
		peer.WithMiddleware(mws...),
	}
	connOpts = append(connOpts, opts...)
	connOpts = append(connOpts, s.connOpts...)

	c := peer.New(t, s.methods, connOpts...)
	return c.Run(s.ctx)
}

// Register announces inst under service in reg. Shutdown deregisters it.
func (s *Server) Register(ctx context.Context, reg discovery.Registry, service string, inst discovery.Instance, ttl int64) error {
	if err := reg.Register(ctx, service, inst, ttl); err != nil {
		return fmt.Errorf("register %s: %w", service, err)
	}
	s.mu.Lock()
	s.registry = reg
	s.registrations = append(s.registrations, registration{service: service, addr: inst.Addr})
	s.mu.Unlock()
	return nil
}

// Shutdown stops the server:
//  1. deregister from discovery, so dialers stop picking this host
//  2. close the listeners
//  3. close every connection (peers receive a close frame)
//  4. wait until all connections finished their cleanup, or ctx ends
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown.Store(true)
	reg, regs := s.registry, s.registrations
	s.registrations = nil
	listeners := s.listeners
	s.listeners = make(map[net.Listener]struct{})
	s.mu.Unlock()

	var errs error
	for _, r := range regs {
		errs = multierr.Append(errs, reg.Deregister(ctx, r.service, r.addr))
	}
	for l := range listeners {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierr.Append(errs, err)
		}
	}

	s.conns.CloseAll()
	// Connections still in their handshake are not in the set yet.
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		errs = multierr.Append(errs, fmt.Errorf("waiting for %d connections to close: %w", s.conns.Len(), ctx.Err()))
	}
	return errs
}
