// Package room maintains room membership and fans payloads out to member
// sessions. The Router is the only writer of both the room -> sessions and
// session -> rooms maps, so the two always agree. It is not safe for
// concurrent use; the hub serializes access.
package room

import (
	"log/slog"
	"sort"
)

// Deliverer hands an encoded frame to one session's transport. It must not
// block; false means the frame could not be queued.
type Deliverer interface {
	Deliver(sessionID string, msg []byte) bool
}

// DeliverFunc adapts a function to Deliverer.
type DeliverFunc func(sessionID string, msg []byte) bool

// Deliver calls f.
func (f DeliverFunc) Deliver(sessionID string, msg []byte) bool {
	return f(sessionID, msg)
}

type set map[string]struct{}

// Router owns room membership.
type Router struct {
	rooms       map[string]set
	memberships map[string]set
	out         Deliverer
	logger      *slog.Logger
}

// NewRouter creates an empty Router delivering through out.
func NewRouter(out Deliverer, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		rooms:       make(map[string]set),
		memberships: make(map[string]set),
		out:         out,
		logger:      logger,
	}
}

// Join adds sessionID to room. It returns false when already a member.
func (r *Router) Join(sessionID, room string) bool {
	if sessionID == "" || room == "" {
		return false
	}
	members, ok := r.rooms[room]
	if ok {
		if _, already := members[sessionID]; already {
			return false
		}
	} else {
		members = make(set)
		r.rooms[room] = members
	}
	joined, ok := r.memberships[sessionID]
	if !ok {
		joined = make(set)
		r.memberships[sessionID] = joined
	}
	members[sessionID] = struct{}{}
	joined[room] = struct{}{}
	return true
}

// Leave removes sessionID from room, dropping the room when it empties.
func (r *Router) Leave(sessionID, room string) bool {
	members, ok := r.rooms[room]
	if !ok {
		return false
	}
	if _, member := members[sessionID]; !member {
		return false
	}
	r.remove(sessionID, room)
	return true
}

// LeaveAll removes sessionID from every room in one pass and returns the rooms
// it left, sorted.
func (r *Router) LeaveAll(sessionID string) []string {
	joined, ok := r.memberships[sessionID]
	if !ok {
		return nil
	}
	left := make([]string, 0, len(joined))
	for room := range joined {
		left = append(left, room)
	}
	for _, room := range left {
		r.remove(sessionID, room)
	}
	sort.Strings(left)
	return left
}

func (r *Router) remove(sessionID, room string) {
	if members, ok := r.rooms[room]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	if joined, ok := r.memberships[sessionID]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(r.memberships, sessionID)
		}
	}
}

// Broadcast delivers msg to every member of room and returns the number of
// successful deliveries. A failed delivery does not stop the others.
func (r *Router) Broadcast(room string, msg []byte) int {
	return r.BroadcastExcept(room, msg, "")
}

// BroadcastExcept is Broadcast skipping one session.
func (r *Router) BroadcastExcept(room string, msg []byte, except string) int {
	members, ok := r.rooms[room]
	if !ok {
		return 0
	}
	delivered := 0
	for sessionID := range members {
		if sessionID == except {
			continue
		}
		if r.out.Deliver(sessionID, msg) {
			delivered++
		} else {
			r.logger.Debug("delivery failed", "room", room, "session_id", sessionID)
		}
	}
	return delivered
}

// BroadcastMany broadcasts once per room. A session that belongs to several
// of the rooms receives one copy per room.
func (r *Router) BroadcastMany(rooms []string, msg []byte) int {
	delivered := 0
	for _, room := range rooms {
		delivered += r.Broadcast(room, msg)
	}
	return delivered
}

// Send delivers msg to a single session regardless of membership.
func (r *Router) Send(sessionID string, msg []byte) bool {
	return r.out.Deliver(sessionID, msg)
}

// IsMember reports whether sessionID is in room.
func (r *Router) IsMember(sessionID, room string) bool {
	_, ok := r.rooms[room][sessionID]
	return ok
}

// Members returns the sorted member ids of room.
func (r *Router) Members(room string) []string {
	return sortedKeys(r.rooms[room])
}

// Rooms returns the sorted rooms sessionID belongs to.
func (r *Router) Rooms(sessionID string) []string {
	return sortedKeys(r.memberships[sessionID])
}

// Has reports whether room currently exists (has at least one member).
func (r *Router) Has(room string) bool {
	_, ok := r.rooms[room]
	return ok
}

// Len returns the number of non-empty rooms.
func (r *Router) Len() int {
	return len(r.rooms)
}

// Size returns the member count of room.
func (r *Router) Size(room string) int {
	return len(r.rooms[room])
}

// RoomNames returns every non-empty room, sorted.
func (r *Router) RoomNames() []string {
	names := make([]string, 0, len(r.rooms))
	for name := range r.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedKeys(s set) []string {
	if len(s) == 0 {
		return nil
	}
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
