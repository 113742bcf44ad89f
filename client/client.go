// Package client opens RPC connections to hosts, directly or through service
// discovery.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"duplex-rpc/discovery"
	"duplex-rpc/loadbalance"
	"duplex-rpc/peer"
	"duplex-rpc/transport"
)

const closeWait = 5 * time.Second

// Dial connects to addr and returns the open connection. Supported schemes are
// ws, wss (WebSocket) and tcp (framed stream). methods are served to the host,
// which may call back at any time; nil serves nothing.
//
// The connection runs until it is closed by either side; ctx only bounds the
// dial and the handshake.
func Dial(ctx context.Context, addr string, methods *peer.Registry, opts ...peer.Option) (*peer.Connection, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	var t transport.Transport
	switch u.Scheme {
	case "ws", "wss":
		t, err = transport.DialWebSocket(ctx, addr, nil)
	case "tcp":
		t, err = transport.DialStream(ctx, "tcp", u.Host, 0)
	default:
		return nil, fmt.Errorf("dial %s: unsupported scheme %q", addr, u.Scheme)
	}
	if err != nil {
		return nil, err
	}

	c := peer.New(t, methods, opts...)
	go c.Run(context.Background())

	select {
	case <-c.Opened():
		return c, nil
	case <-c.Done():
		if err := c.Err(); err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return nil, fmt.Errorf("dial %s: %w", addr, peer.ErrConnectionClosed)
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
}

type Option func(*Client)

// WithBalancer replaces the default round-robin balancer.
func WithBalancer(b loadbalance.Balancer) Option {
	return func(c *Client) {
		if b != nil {
			c.balancer = b
		}
	}
}

// WithMethods serves methods to every host the client connects to.
func WithMethods(methods *peer.Registry) Option {
	return func(c *Client) { c.methods = methods }
}

// WithKey sets the balancing key, used by key-aware balancers such as
// consistent hashing.
func WithKey(key string) Option {
	return func(c *Client) { c.key = key }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithConnOptions adds options for every connection the client dials.
func WithConnOptions(opts ...peer.Option) Option {
	return func(c *Client) { c.connOpts = append(c.connOpts, opts...) }
}

// Client calls a service whose hosts are found through a discovery registry.
// The instance list is read once and then kept current by watching the
// registry. It keeps one multiplexed connection per host and replaces it once
// it closed.
type Client struct {
	service  string
	registry discovery.Registry
	balancer loadbalance.Balancer
	methods  *peer.Registry
	key      string
	connOpts []peer.Option
	logger   *zap.Logger

	mu        sync.Mutex
	conns     map[string]*peer.Connection // addr → connection
	instances []discovery.Instance
	known     bool // instances holds a discovered list
	stopWatch context.CancelFunc
}

func New(service string, reg discovery.Registry, opts ...Option) *Client {
	c := &Client{
		service:  service,
		registry: reg,
		balancer: &loadbalance.RoundRobinBalancer{},
		logger:   zap.NewNop(),
		conns:    make(map[string]*peer.Connection),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect picks a host for the service and returns an open connection to it.
func (c *Client) Connect(ctx context.Context) (*peer.Connection, error) {
	instances, err := c.discover(ctx)
	if err != nil {
		return nil, err
	}
	inst, err := c.balancer.Pick(c.key, instances)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.service, err)
	}
	return c.connection(ctx, inst.Addr)
}

// discover returns the cached instance list. The first call starts watching
// the registry and reads the current list directly.
func (c *Client) discover(ctx context.Context) ([]discovery.Instance, error) {
	c.mu.Lock()
	if c.known {
		instances := c.instances
		c.mu.Unlock()
		return instances, nil
	}
	if c.stopWatch == nil {
		watchCtx, cancel := context.WithCancel(context.Background())
		c.stopWatch = cancel
		go c.follow(c.registry.Watch(watchCtx, c.service))
	}
	c.mu.Unlock()

	instances, err := c.registry.Discover(ctx, c.service)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", c.service, err)
	}
	c.mu.Lock()
	// A watch update may have landed meanwhile; it is at least as fresh.
	if !c.known {
		c.instances, c.known = instances, true
	}
	c.mu.Unlock()
	return instances, nil
}

// follow applies watch updates until the watch ends. After that the next
// call discovers again and starts a new watch.
func (c *Client) follow(updates <-chan []discovery.Instance) {
	for instances := range updates {
		c.mu.Lock()
		c.instances, c.known = instances, true
		c.mu.Unlock()
		c.logger.Debug("instances updated", zap.String("service", c.service), zap.Int("count", len(instances)))
	}
	c.mu.Lock()
	if c.stopWatch != nil {
		c.stopWatch()
		c.stopWatch = nil
	}
	c.known = false
	c.mu.Unlock()
}

func (c *Client) connection(ctx context.Context, addr string) (*peer.Connection, error) {
	c.mu.Lock()
	conn, ok := c.conns[addr]
	c.mu.Unlock()
	if ok {
		select {
		case <-conn.Done():
		default:
			return conn, nil
		}
	}

	opts := append([]peer.Option{peer.WithLogger(c.logger.With(zap.String("addr", addr)))}, c.connOpts...)
	conn, err := Dial(ctx, addr, c.methods, opts...)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.conns[addr]; ok && existing != conn {
		select {
		case <-existing.Done():
		default:
			// Lost a dial race; keep the first connection.
			conn.Close()
			return existing, nil
		}
	}
	c.conns[addr] = conn
	c.logger.Debug("connected", zap.String("service", c.service), zap.String("addr", addr))
	return conn, nil
}

// Call calls name on a host of the service. Nothing is retried: a failure is
// returned as is, and the next call may pick another host.
func (c *Client) Call(ctx context.Context, name string, reply any, args ...any) error {
	conn, err := c.Connect(ctx)
	if err != nil {
		return err
	}
	return conn.Call(ctx, name, reply, args...)
}

// Close stops watching the registry, closes every connection and waits for
// them to finish.
func (c *Client) Close() error {
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]*peer.Connection)
	if c.stopWatch != nil {
		c.stopWatch()
	}
	c.mu.Unlock()

	var errs error
	for addr, conn := range conns {
		conn.Close()
		select {
		case <-conn.Done():
			errs = multierr.Append(errs, conn.Err())
		case <-time.After(closeWait):
			errs = multierr.Append(errs, fmt.Errorf("close %s: %w", addr, errCloseTimeout))
		}
	}
	return errs
}

var errCloseTimeout = errors.New("timed out")
