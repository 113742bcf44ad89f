package main

import (
	"context"
	"fmt"
	"time"

	"duplex-rpc/peer"
)

const maxSleep = time.Minute

type nameKey struct{}

// buildMethods returns the demo method set. conns is the set the server tracks
// its connections in.
func buildMethods(conns *peer.ConnSet) (*peer.Registry, error) {
	return peer.NewBuilder().
		Register("echo", func(ctx context.Context, c *peer.Connection, v any) (any, error) {
			return v, nil
		}).
		Register("add", func(ctx context.Context, c *peer.Connection, nums ...float64) (float64, error) {
			var sum float64
			for _, n := range nums {
				sum += n
			}
			return sum, nil
		}).
		Register("sleep", func(ctx context.Context, c *peer.Connection, ms int) (int, error) {
			if ms < 0 || ms > int(maxSleep/time.Millisecond) {
				return 0, fmt.Errorf("sleep: %dms out of range", ms)
			}
			d := time.Duration(ms) * time.Millisecond
			select {
			case <-time.After(d):
				return ms, nil
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}).
		Register("setName", func(ctx context.Context, c *peer.Connection, name string) error {
			c.SetValue(nameKey{}, name)
			return nil
		}).
		Register("hello", func(ctx context.Context, c *peer.Connection) (string, error) {
			// Ask the caller for its name when it did not set one.
			name, _ := c.Value(nameKey{}).(string)
			if name == "" {
				if err := c.Call(ctx, "name", &name); err != nil {
					return "", err
				}
			}
			return "hello " + name, nil
		}).
		Register("clients", func(ctx context.Context, c *peer.Connection) (int, error) {
			return conns.Len(), nil
		}).
		Register("broadcast", func(ctx context.Context, c *peer.Connection, method string, args ...any) (int, error) {
			targets := conns.Len()
			return targets, conns.Broadcast(ctx, method, args...)
		}).
		Build()
}
