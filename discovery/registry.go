// Package discovery lets hosts announce where their RPC endpoint lives and lets
// dialers find them.
package discovery

import "context"

// Instance is one reachable endpoint of a service.
type Instance struct {
	Addr    string // Dial address, "ws://host:port/path" or "tcp://host:port"
	Weight  int    // Relative weight for load balancing; <= 0 counts as 1
	Version string
}

type Registry interface {
	// Register announces inst under service for as long as the lease of ttl
	// seconds is renewed.
	Register(ctx context.Context, service string, inst Instance, ttl int64) error
	Deregister(ctx context.Context, service string, addr string) error
	Discover(ctx context.Context, service string) ([]Instance, error)
	// Watch emits the full instance list on every change until ctx ends.
	Watch(ctx context.Context, service string) <-chan []Instance
}
