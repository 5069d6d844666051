package relay

import (
	"net"
	"sync"

	"github.com/google/uuid"
)

// ConnectionRegistry assigns identities to new connections and tracks the
// active set for broadcast and shutdown fan-out. Identities are UUIDs:
// unique for the process lifetime and never reused.
type ConnectionRegistry struct {
	logger Logger

	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry(logger Logger) *ConnectionRegistry {
	if logger == nil {
		logger = defaultLogger()
	}
	return &ConnectionRegistry{
		logger: logger,
		conns:  make(map[string]*Conn),
	}
}

// Register wraps an accepted socket in a Conn with a fresh identity and
// adds it to the active set.
func (r *ConnectionRegistry) Register(raw *net.TCPConn, opt ...Option) (*Conn, error) {
	conn, err := NewConn(uuid.NewString(), raw, opt...)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.conns[conn.ID()] = conn
	total := len(r.conns)
	r.mu.Unlock()

	r.logger.Debug("connection registered", "id", conn.ID(), "addr", conn.Addr(), "active", total)
	return conn, nil
}

// Remove drops a connection from the active set. Removing an unknown id is
// a no-op.
func (r *ConnectionRegistry) Remove(id string) {
	r.mu.Lock()
	delete(r.conns, id)
	total := len(r.conns)
	r.mu.Unlock()

	r.logger.Debug("connection removed", "id", id, "active", total)
}

// Get returns the connection with the given identity.
func (r *ConnectionRegistry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[id]
	return conn, ok
}

// Len returns the number of active connections.
func (r *ConnectionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns the current active set. The slice is a copy; mutating it
// does not affect the registry.
func (r *ConnectionRegistry) Snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

// CloseAll requests a graceful shutdown of every active connection. Used
// during process shutdown.
func (r *ConnectionRegistry) CloseAll() {
	for _, c := range r.Snapshot() {
		if err := c.Close(); err != nil {
			r.logger.Debug("close failed during shutdown", "id", c.ID(), "error", err)
		}
	}
}
