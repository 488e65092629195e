package relay

import (
	"errors"
	"sync"
)

// ErrCodeExists is returned by Insert when the code is already registered.
// Codes are unique per process run, so hitting this indicates a bug.
var ErrCodeExists = errors.New("relay: peer code already registered")

// Registry is the process-local mapping of peer code to live connection.
// A connection appears here iff it is open and has been welcomed.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Insert registers a connection under its code.
func (r *Registry) Insert(code string, c *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[code]; ok {
		return ErrCodeExists
	}
	r.conns[code] = c
	return nil
}

// Lookup returns the connection for code, or nil.
func (r *Registry) Lookup(code string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[code]
}

// Remove unregisters code. Removing an absent code is a no-op.
func (r *Registry) Remove(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, code)
}

// Size returns the number of registered connections.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// All returns a snapshot of the registered connections. The heartbeat sweep
// and shutdown iterate the snapshot without holding the registry lock.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}
