package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"duplex-rpc/discovery"
	"duplex-rpc/middleware"
	"duplex-rpc/peer"
	"duplex-rpc/transport"
)

type Arith struct{}

type Args struct {
	A, B int
}

func (a *Arith) Add(ctx context.Context, c *peer.Connection, args Args) (int, error) {
	return args.A + args.B, nil
}

func (a *Arith) Multiply(ctx context.Context, c *peer.Connection, args Args) (int, error) {
	return args.A * args.B, nil
}

// AskName calls back into the peer that called it.
func (a *Arith) AskName(ctx context.Context, c *peer.Connection) (string, error) {
	var name string
	err := c.Call(ctx, "name", &name)
	return "hello " + name, err
}

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	methods, err := peer.NewBuilder().RegisterService(&Arith{}).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return New(methods, opts...)
}

func clientMethods(t *testing.T) *peer.Registry {
	t.Helper()
	methods, err := peer.NewBuilder().
		Register("name", func(ctx context.Context, c *peer.Connection) (string, error) {
			return "client", nil
		}).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return methods
}

// connect runs a client connection over t and waits until it is open.
func connect(t *testing.T, tr transport.Transport) *peer.Connection {
	t.Helper()
	c := peer.New(tr, clientMethods(t))
	go c.Run(context.Background())
	select {
	case <-c.Opened():
	case <-c.Done():
		t.Fatalf("connection closed during handshake: %v", c.Err())
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not open")
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/rpc"
}

func TestWebSocketCall(t *testing.T) {
	svr := newTestServer(t)
	hs := httptest.NewServer(svr)
	defer hs.Close()

	tr, err := transport.DialWebSocket(context.Background(), wsURL(hs), nil)
	if err != nil {
		t.Fatalf("DialWebSocket: %v", err)
	}
	c := connect(t, tr)

	var sum int
	if err := c.Call(context.Background(), "Arith.Add", &sum, Args{A: 1, B: 2}); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if sum != 3 {
		t.Fatalf("expect 3, got %d", sum)
	}

	var greeting string
	if err := c.Call(context.Background(), "Arith.AskName", &greeting); err != nil {
		t.Fatalf("callback failed: %v", err)
	}
	if greeting != "hello client" {
		t.Fatalf("expect 'hello client', got %q", greeting)
	}
}

func TestFallback(t *testing.T) {
	svr := newTestServer(t, WithFallback(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "static")
	})))
	hs := httptest.NewServer(svr)
	defer hs.Close()

	resp, err := http.Get(hs.URL + "/index.html")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "static" {
		t.Fatalf("expect fallback body, got %q", body)
	}
}

func TestDefaultFallbackIsNotFound(t *testing.T) {
	hs := httptest.NewServer(newTestServer(t))
	defer hs.Close()

	resp, err := http.Get(hs.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expect 404, got %d", resp.StatusCode)
	}
}

func TestStreamCall(t *testing.T) {
	svr := newTestServer(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	served := make(chan error, 1)
	go func() { served <- svr.Serve(l) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tr, err := transport.DialStream(ctx, "tcp", l.Addr().String(), -1)
	if err != nil {
		t.Fatalf("DialStream: %v", err)
	}
	c := connect(t, tr)

	var product int
	if err := c.Call(ctx, "Arith.Multiply", &product, Args{A: 4, B: 6}); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if product != 24 {
		t.Fatalf("expect 24, got %d", product)
	}

	if err := svr.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-served; err != nil {
		t.Fatalf("expect Serve to return nil after shutdown, got %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client connection not closed by shutdown")
	}
}

func TestMiddleware(t *testing.T) {
	svr := newTestServer(t)
	svr.Use(middleware.RateLimit(1, 1))
	hs := httptest.NewServer(svr)
	defer hs.Close()

	tr, err := transport.DialWebSocket(context.Background(), wsURL(hs), nil)
	if err != nil {
		t.Fatal(err)
	}
	c := connect(t, tr)

	ctx := context.Background()
	if err := c.Call(ctx, "Arith.Add", nil, Args{}); err != nil {
		t.Fatalf("first call should pass: %v", err)
	}
	var remote *peer.RemoteError
	if err := c.Call(ctx, "Arith.Add", nil, Args{}); !errors.As(err, &remote) || remote.Message != middleware.ErrRateLimitMessage {
		t.Fatalf("expect rate limit error, got %v", err)
	}
}

func TestBroadcastAndShutdown(t *testing.T) {
	reg := discovery.NewMemoryRegistry()
	svr := newTestServer(t)
	hs := httptest.NewServer(svr)
	defer hs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	inst := discovery.Instance{Addr: wsURL(hs), Weight: 1}
	if err := svr.Register(ctx, reg, "Arith", inst, 10); err != nil {
		t.Fatalf("Register: %v", err)
	}

	var clients []*peer.Connection
	for i := 0; i < 3; i++ {
		tr, err := transport.DialWebSocket(ctx, wsURL(hs), nil)
		if err != nil {
			t.Fatal(err)
		}
		clients = append(clients, connect(t, tr))
	}

	// The server-side connection joins the set after the handshake, which may
	// trail the client's view by a moment.
	deadline := time.Now().Add(2 * time.Second)
	for svr.Conns().Len() != 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := svr.Conns().Len(); n != 3 {
		t.Fatalf("expect 3 server connections, got %d", n)
	}
	if err := svr.Conns().Broadcast(ctx, "name"); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	if err := svr.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for _, c := range clients {
		select {
		case <-c.Done():
		case <-ctx.Done():
			t.Fatal("client not disconnected by shutdown")
		}
	}
	if n := svr.Conns().Len(); n != 0 {
		t.Fatalf("expect no connections after shutdown, got %d", n)
	}
	if instances, _ := reg.Discover(ctx, "Arith"); len(instances) != 0 {
		t.Fatalf("expect instance deregistered, got %+v", instances)
	}

	if _, err := transport.DialWebSocket(ctx, wsURL(hs), nil); err == nil {
		t.Fatal("expect upgrade to be refused after shutdown")
	}
	if err := svr.ServeTransport(transport.NewStream(nopConn())); !errors.Is(err, ErrServerClosed) {
		t.Fatalf("expect ErrServerClosed, got %v", err)
	}
}

func nopConn() net.Conn {
	a, b := net.Pipe()
	b.Close()
	return a
}
