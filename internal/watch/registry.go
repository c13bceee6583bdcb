package watch

import (
	"sync"

	ws "nhooyr.io/websocket"
)

// Registry keeps at most one watch connection per session and user. A new
// stream from the same user replaces the previous one.
type Registry struct {
	mu    sync.Mutex
	conns map[key]*ws.Conn
}

type key struct {
	sessionID string
	userID    string
}

func NewRegistry() *Registry { return &Registry{conns: make(map[key]*ws.Conn)} }

// Replace sets the connection for (session, user) and closes the previous one if present.
func (r *Registry) Replace(sessionID, userID string, c *ws.Conn) (prevClosed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{sessionID, userID}
	if old, ok := r.conns[k]; ok && old != nil {
		_ = old.Close(ws.StatusPolicyViolation, "replaced by a newer stream")
		prevClosed = true
	}
	r.conns[k] = c
	activeStreams.Set(float64(len(r.conns)))
	return
}

// Remove drops the entry only if it still points at c.
func (r *Registry) Remove(sessionID, userID string, c *ws.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{sessionID, userID}
	if r.conns[k] == c {
		delete(r.conns, k)
	}
	activeStreams.Set(float64(len(r.conns)))
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
