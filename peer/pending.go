package peer

import (
	"encoding/json"
	"sync"
)

// pendingCall is a single-assignment result slot for one outbound call.
type pendingCall struct {
	method string
	done   chan struct{}
	once   sync.Once

	value json.RawMessage
	err   error
}

// finish stores the result and wakes the caller. Only the first call has an
// effect.
func (p *pendingCall) finish(value json.RawMessage, err error) {
	p.once.Do(func() {
		p.value, p.err = value, err
		close(p.done)
	})
}

// pendingTable maps call ids to unresolved calls of one connection.
// Every entry leaves the table exactly once: through take, remove or failAll.
type pendingTable struct {
	mu     sync.Mutex
	calls  map[string]*pendingCall
	closed error
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[string]*pendingCall)}
}

func (t *pendingTable) add(id, method string) (*pendingCall, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed != nil {
		return nil, t.closed
	}
	if _, ok := t.calls[id]; ok {
		return nil, ErrDuplicateCallID
	}
	call := &pendingCall{method: method, done: make(chan struct{})}
	t.calls[id] = call
	return call, nil
}

// take removes and returns the call registered under id.
func (t *pendingTable) take(id string) (*pendingCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	call, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
	}
	return call, ok
}

func (t *pendingTable) remove(id string) {
	t.mu.Lock()
	delete(t.calls, id)
	t.mu.Unlock()
}

// failAll fails every remaining call with err and rejects later adds.
func (t *pendingTable) failAll(err error) int {
	t.mu.Lock()
	calls := t.calls
	t.calls = make(map[string]*pendingCall)
	t.closed = err
	t.mu.Unlock()

	for _, call := range calls {
		call.finish(nil, err)
	}
	return len(calls)
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
