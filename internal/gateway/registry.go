package gateway

import (
	"log"
	"sync"
)

// ConnectionIndex is the Connection Gateway's bookkeeping of which
// connections belong to which session and role, distinct from the Session
// Registry's ownership of session lifecycle state (internal/session). It
// mirrors the reference registry's three-level mapping for O(1) lookup.
type ConnectionIndex struct {
	mu                 sync.RWMutex
	byConnectionID     map[string]*Connection
	sessionTeachers    map[string]map[string]*Connection
	sessionStudents    map[string]map[string]*Connection
}

func NewConnectionIndex() *ConnectionIndex {
	return &ConnectionIndex{
		byConnectionID:  make(map[string]*Connection),
		sessionTeachers: make(map[string]map[string]*Connection),
		sessionStudents: make(map[string]map[string]*Connection),
	}
}

func (r *ConnectionIndex) Register(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return ErrConnectionClosed
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.byConnectionID[conn.ID]; exists && existing != conn {
		go func() {
			if err := existing.Close(); err != nil {
				log.Printf("gateway: failed to close superseded connection: %v", err)
			}
		}()
	}

	r.byConnectionID[conn.ID] = conn

	sessionID := conn.SessionID()
	switch conn.Role() {
	case "teacher":
		if r.sessionTeachers[sessionID] == nil {
			r.sessionTeachers[sessionID] = make(map[string]*Connection)
		}
		r.sessionTeachers[sessionID][conn.ID] = conn
	case "student":
		if r.sessionStudents[sessionID] == nil {
			r.sessionStudents[sessionID] = make(map[string]*Connection)
		}
		r.sessionStudents[sessionID][conn.ID] = conn
	}

	return nil
}

func (r *ConnectionIndex) Unregister(conn *Connection) {
	if conn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	registered, exists := r.byConnectionID[conn.ID]
	if !exists || registered != conn {
		return
	}
	delete(r.byConnectionID, conn.ID)

	sessionID := conn.SessionID()
	switch conn.Role() {
	case "teacher":
		if m, ok := r.sessionTeachers[sessionID]; ok {
			delete(m, conn.ID)
			if len(m) == 0 {
				delete(r.sessionTeachers, sessionID)
			}
		}
	case "student":
		if m, ok := r.sessionStudents[sessionID]; ok {
			delete(m, conn.ID)
			if len(m) == 0 {
				delete(r.sessionStudents, sessionID)
			}
		}
	}
}

func (r *ConnectionIndex) Get(connectionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byConnectionID[connectionID]
	return c, ok
}

func (r *ConnectionIndex) Teacher(sessionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.sessionTeachers[sessionID] {
		return c, true
	}
	return nil, false
}

func (r *ConnectionIndex) Students(sessionID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.sessionStudents[sessionID]))
	for _, c := range r.sessionStudents[sessionID] {
		out = append(out, c)
	}
	return out
}

func (r *ConnectionIndex) SessionConnections(sessionID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Connection
	for _, c := range r.sessionTeachers[sessionID] {
		out = append(out, c)
	}
	for _, c := range r.sessionStudents[sessionID] {
		out = append(out, c)
	}
	return out
}

func (r *ConnectionIndex) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConnectionID)
}
