// Package session tracks live connections: identity, connect time, activity
// and event counts. The Registry is not safe for concurrent use; the hub owns
// it and serializes access.
package session

import (
	"time"
)

// Role is the caller role established before a session reaches the core.
type Role string

const (
	RoleUser        Role = "user"
	RoleStaff       Role = "staff"
	RoleDoctor      Role = "doctor"
	RoleCoordinator Role = "coordinator"
	RoleAdmin       Role = "admin"
)

// Privileged reports whether the role may act on resources it does not own.
func (r Role) Privileged() bool {
	return r == RoleAdmin || r == RoleCoordinator
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleStaff, RoleDoctor, RoleCoordinator, RoleAdmin:
		return true
	}
	return false
}

// Session is one live connection. Room memberships live in the room router;
// Rooms is only filled on snapshots.
type Session struct {
	ID             string    `json:"id"`
	Addr           string    `json:"addr,omitempty"`
	UserID         string    `json:"userId,omitempty"`
	StaffID        string    `json:"staffId,omitempty"`
	Role           Role      `json:"role,omitempty"`
	ConnectedAt    time.Time `json:"connectedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	EventCount     int64     `json:"eventCount"`
	Rooms          []string  `json:"rooms,omitempty"`
}

// Identified reports whether a user identity has been bound.
func (s *Session) Identified() bool {
	return s.UserID != "" || s.StaffID != ""
}

// Registry owns every Session record.
type Registry struct {
	sessions map[string]*Session
	now      func() time.Time
}

// NewRegistry creates an empty registry. A nil now uses time.Now.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		sessions: make(map[string]*Session),
		now:      now,
	}
}

// Connect creates the record for a new connection. Reusing an id replaces the
// previous record.
func (r *Registry) Connect(id, addr string) Session {
	now := r.now()
	s := &Session{
		ID:             id,
		Addr:           addr,
		ConnectedAt:    now,
		LastActivityAt: now,
	}
	r.sessions[id] = s
	return *s
}

// Disconnect removes the session and returns its final state.
func (r *Registry) Disconnect(id string) (Session, bool) {
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	delete(r.sessions, id)
	return *s, true
}

// Touch records an accepted inbound event.
func (r *Registry) Touch(id string) bool {
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	s.LastActivityAt = r.now()
	s.EventCount++
	return true
}

// Identify binds identity once known. Empty arguments leave existing values.
func (r *Registry) Identify(id, userID, staffID string, role Role) bool {
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	if userID != "" {
		s.UserID = userID
	}
	if staffID != "" {
		s.StaffID = staffID
	}
	if role != "" {
		s.Role = role
	}
	return true
}

// Get returns a copy of the session.
func (r *Registry) Get(id string) (Session, bool) {
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Has reports whether id is live.
func (r *Registry) Has(id string) bool {
	_, ok := r.sessions[id]
	return ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return len(r.sessions)
}

// IDs returns every live session id.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}
