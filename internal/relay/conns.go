package relay

import (
	"sync"

	"github.com/matst80/wsrelay/internal/session"
)

// connTable maps identity tokens to live endpoints. Sessions only store
// tokens; the send/close capability is looked up here at use time.
type connTable struct {
	mu    sync.RWMutex
	conns map[session.EndpointID]Endpoint
}

func newConnTable() *connTable {
	return &connTable{conns: make(map[session.EndpointID]Endpoint)}
}

func (t *connTable) add(ep Endpoint) {
	t.mu.Lock()
	t.conns[ep.ID()] = ep
	t.mu.Unlock()
}

func (t *connTable) remove(id session.EndpointID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.conns[id]; !ok {
		return false
	}
	delete(t.conns, id)
	return true
}

func (t *connTable) get(id session.EndpointID) (Endpoint, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ep, ok := t.conns[id]
	return ep, ok
}

func (t *connTable) all() []Endpoint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Endpoint, 0, len(t.conns))
	for _, ep := range t.conns {
		out = append(out, ep)
	}
	return out
}

func (t *connTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}
