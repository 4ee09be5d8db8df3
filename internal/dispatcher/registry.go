// Package dispatcher orchestrates session turns: input validation,
// fast-path or planning routing, streaming emission, and post-turn
// side effects.
package dispatcher

import (
	"sync"

	"github.com/haasonsaas/relay/pkg/models"
)

// Conn is the directed-send surface the dispatcher needs from a
// transport connection. Framing is the transport's concern.
type Conn interface {
	ID() string
	Send(event *models.TurnEvent) error
}

// Registry maps sessions to their attached connections. A session may
// have many connections (devices, tabs); attach and detach are atomic
// set operations.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]map[string]Conn
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]map[string]Conn)}
}

// Attach adds a connection to the session's set.
func (r *Registry) Attach(sessionID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[sessionID]
	if !ok {
		set = make(map[string]Conn)
		r.conns[sessionID] = set
	}
	set[conn.ID()] = conn
}

// Detach removes a connection from the session's set. Detaching an
// unknown connection is a no-op.
func (r *Registry) Detach(sessionID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[sessionID]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.conns, sessionID)
	}
}

// Connections returns a snapshot of the session's attached connections.
func (r *Registry) Connections(sessionID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.conns[sessionID]
	out := make([]Conn, 0, len(set))
	for _, conn := range set {
		out = append(out, conn)
	}
	return out
}

// Count returns the number of connections attached to the session.
func (r *Registry) Count(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[sessionID])
}

// Broadcast sends the event to every connection attached to the
// session. With no connections attached this is a no-op; a mid-turn
// detach silences emission without affecting the turn's side effects.
func (r *Registry) Broadcast(sessionID string, event *models.TurnEvent) {
	for _, conn := range r.Connections(sessionID) {
		// Send errors are the transport's problem; a dead connection
		// is detached by its own read/write loop.
		_ = conn.Send(event)
	}
}
