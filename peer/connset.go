package peer

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const broadcastLimit = 32

// ConnSet tracks the open connections that were created with WithConnSet.
// A connection joins when its handshake completes and leaves when its receive
// loop exits. The set never closes or owns its members.
type ConnSet struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

func NewConnSet() *ConnSet {
	return &ConnSet{conns: make(map[string]*Connection)}
}

// add inserts c and returns the func that removes it again. The release func
// may be called any number of times; only the first call removes.
func (s *ConnSet) add(c *Connection) (release func()) {
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.conns[c.id] == c {
				delete(s.conns, c.id)
			}
			s.mu.Unlock()
		})
	}
}

// Get returns the open connection with the given id.
func (s *ConnSet) Get(id string) (*Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[id]
	return c, ok
}

func (s *ConnSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Snapshot returns the connections open at the time of the call.
func (s *ConnSet) Snapshot() []*Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

// Broadcast calls name on every open connection and waits for all of them.
// Failures do not stop the other calls; they are returned combined.
func (s *ConnSet) Broadcast(ctx context.Context, name string, args ...any) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)
	g.SetLimit(broadcastLimit)
	for _, c := range s.Snapshot() {
		g.Go(func() error {
			if err := c.Call(ctx, name, nil, args...); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("connection %s: %w", c.ID(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errs
}

// CloseAll asks every open connection to close.
func (s *ConnSet) CloseAll() {
	for _, c := range s.Snapshot() {
		c.Close()
	}
}
