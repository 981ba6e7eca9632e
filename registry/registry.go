// Package registry tracks which connections are currently established with a
// server instance. Registries observe the connection lifecycle from the
// dispatch path, after the application callback: an in-process registry for
// lookups and metrics, and a Redis-backed registry so a fleet of gateway
// instances can see each other's sessions.
//
// Registry failures never affect the connection they describe; the Redis
// registry logs its failed writes and carries on.
package registry

import (
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/raptor/connid"
)

// Session describes one established connection.
type Session struct {
	Cid         connid.ConnectionId
	RemoteAddr  string
	ConnectedAt time.Time
}

// Registry observes connection lifecycle transitions. Implementations are
// called from the server's dispatch goroutine and must not panic; blocking
// delays dispatch for every connection, so implementations should bound
// their work.
type Registry interface {
	// ConnectionUp records an established connection.
	//
	// Parameters:
	//   - cid: The connection's handle
	//   - addr: The peer address; may be nil
	ConnectionUp(cid connid.ConnectionId, addr *net.TCPAddr)

	// ConnectionDown removes a connection's record.
	//
	// Parameters:
	//   - cid: The connection's handle
	ConnectionDown(cid connid.ConnectionId)
}

// Local is an in-process Registry backed by a mutex-guarded map. Safe for
// concurrent use.
type Local struct {
	mu       sync.RWMutex
	sessions map[connid.ConnectionId]Session
}

// NewLocal creates an empty in-process registry.
//
// Returns:
//   - A new *Local
func NewLocal() *Local {
	return &Local{sessions: make(map[connid.ConnectionId]Session)}
}

// ConnectionUp implements Registry.
func (l *Local) ConnectionUp(cid connid.ConnectionId, addr *net.TCPAddr) {
	s := Session{Cid: cid, ConnectedAt: time.Now()}
	if addr != nil {
		s.RemoteAddr = addr.String()
	}

	l.mu.Lock()
	l.sessions[cid] = s
	l.mu.Unlock()
}

// ConnectionDown implements Registry.
func (l *Local) ConnectionDown(cid connid.ConnectionId) {
	l.mu.Lock()
	delete(l.sessions, cid)
	l.mu.Unlock()
}

// Get returns the session for cid.
//
// Parameters:
//   - cid: The handle to look up
//
// Returns:
//   - The session and true if present
func (l *Local) Get(cid connid.ConnectionId) (Session, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.sessions[cid]
	return s, ok
}

// Len returns the number of established connections.
func (l *Local) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.sessions)
}

// Range calls fn for every session until fn returns false.
//
// Parameters:
//   - fn: Visitor; return false to stop early
func (l *Local) Range(fn func(Session) bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, s := range l.sessions {
		if !fn(s) {
			return
		}
	}
}
