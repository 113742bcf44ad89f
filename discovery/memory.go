package discovery

import (
	"context"
	"sync"
)

// MemoryRegistry is an in-process Registry, for tests and single-host setups.
// TTLs are ignored.
type MemoryRegistry struct {
	mu        sync.Mutex
	instances map[string][]Instance
	watchers  map[string][]chan []Instance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		instances: make(map[string][]Instance),
		watchers:  make(map[string][]chan []Instance),
	}
}

func (m *MemoryRegistry) Register(ctx context.Context, service string, inst Instance, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	insts := m.instances[service]
	for i := range insts {
		if insts[i].Addr == inst.Addr {
			insts[i] = inst
			m.notify(service)
			return nil
		}
	}
	m.instances[service] = append(insts, inst)
	m.notify(service)
	return nil
}

func (m *MemoryRegistry) Deregister(ctx context.Context, service string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	insts := m.instances[service]
	for i, inst := range insts {
		if inst.Addr == addr {
			m.instances[service] = append(insts[:i:i], insts[i+1:]...)
			m.notify(service)
			break
		}
	}
	return nil
}

func (m *MemoryRegistry) Discover(ctx context.Context, service string) ([]Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Instance(nil), m.instances[service]...), nil
}

func (m *MemoryRegistry) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	m.mu.Lock()
	m.watchers[service] = append(m.watchers[service], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		ws := m.watchers[service]
		for i, w := range ws {
			if w == ch {
				m.watchers[service] = append(ws[:i:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// notify sends the current list to every watcher, replacing a stale undelivered
// one. Called with m.mu held.
func (m *MemoryRegistry) notify(service string) {
	snapshot := append([]Instance(nil), m.instances[service]...)
	for _, ch := range m.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}
