package peer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"duplex-rpc/transport"
)

func TestConnSetAddRelease(t *testing.T) {
	set := NewConnSet()
	c := New(newScripted(), nil)

	release := set.add(c)
	if set.Len() != 1 {
		t.Fatalf("expect 1, got %d", set.Len())
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release()
		}()
	}
	wg.Wait()

	if set.Len() != 0 {
		t.Fatalf("expect 0, got %d", set.Len())
	}
	if len(set.Snapshot()) != 0 {
		t.Fatal("expect empty snapshot")
	}
}

func TestConnSetBroadcast(t *testing.T) {
	set := NewConnSet()

	var notified atomic.Int32
	listener := mustBuild(t, NewBuilder().
		Register("notify", func(ctx context.Context, c *Connection, msg string) error {
			if msg != "hello" {
				return errors.New("unexpected message " + msg)
			}
			notified.Add(1)
			return nil
		}))

	var conns []*Connection
	for i := 0; i < 3; i++ {
		remoteSide, localSide := transport.Pipe()
		methods := listener
		if i == 2 {
			// This one has no notify method and must fail alone.
			methods = nil
		}
		remote := New(remoteSide, methods)
		local := New(localSide, nil, WithConnSet(set))
		go remote.Run(context.Background())
		go local.Run(context.Background())
		waitOpen(t, local)
		conns = append(conns, local)
	}
	defer set.CloseAll()

	if set.Len() != 3 {
		t.Fatalf("expect 3 connections, got %d", set.Len())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := set.Broadcast(ctx, "notify", "hello")

	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expect the failing connection's RemoteError, got %v", err)
	}
	if n := notified.Load(); n != 2 {
		t.Fatalf("expect 2 notifications, got %d", n)
	}

	set.CloseAll()
	for _, c := range conns {
		waitDone(t, c)
	}
	if set.Len() != 0 {
		t.Fatalf("expect empty set after CloseAll, got %d", set.Len())
	}
}
