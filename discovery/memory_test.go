package discovery

import (
	"context"
	"testing"
	"time"
)

func TestMemoryRegistry(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()

	reg.Register(ctx, "Arith", Instance{Addr: "a", Weight: 1}, 10)
	reg.Register(ctx, "Arith", Instance{Addr: "b", Weight: 1}, 10)
	reg.Register(ctx, "Arith", Instance{Addr: "a", Weight: 7}, 10) // update in place

	instances, _ := reg.Discover(ctx, "Arith")
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}
	if instances[0].Weight != 7 {
		t.Fatalf("expect updated weight 7, got %d", instances[0].Weight)
	}

	reg.Deregister(ctx, "Arith", "a")
	instances, _ = reg.Discover(ctx, "Arith")
	if len(instances) != 1 || instances[0].Addr != "b" {
		t.Fatalf("expect only b left, got %+v", instances)
	}

	if other, _ := reg.Discover(ctx, "Other"); len(other) != 0 {
		t.Fatalf("expect no instances for unknown service, got %+v", other)
	}
}

func TestMemoryRegistryWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reg := NewMemoryRegistry()

	updates := reg.Watch(ctx, "Arith")
	reg.Register(ctx, "Arith", Instance{Addr: "a"}, 10)
	reg.Register(ctx, "Arith", Instance{Addr: "b"}, 10)

	// Only the latest list is kept for a slow watcher.
	select {
	case list := <-updates:
		if len(list) != 2 {
			t.Fatalf("expect latest list of 2, got %+v", list)
		}
	case <-time.After(time.Second):
		t.Fatal("no watch update")
	}

	cancel()
	select {
	case _, ok := <-updates:
		if ok {
			t.Fatal("expect channel closed after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed")
	}
}
