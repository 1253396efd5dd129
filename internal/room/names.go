package room

import "github.com/Tyrowin/fanout/internal/session"

// Fixed room names.
const (
	Global        = "global"
	Queue         = "queue"
	Appointments  = "appointments"
	Consultations = "consultations"
	Remedies      = "remedies"
	Notifications = "notifications"
)

// Topics lists every domain topic room.
var Topics = []string{Queue, Appointments, Consultations, Remedies, Notifications}

var staffTopics = []string{Queue, Appointments, Consultations, Remedies}

// User returns the per-user room name.
func User(userID string) string { return "user:" + userID }

// Staff returns the per-staff-member room name.
func Staff(staffID string) string { return "staff:" + staffID }

// Role returns the role-aggregate room name.
func Role(role session.Role) string { return "role:" + string(role) }

// Monitoring returns the rooms that watch aggregate state.
func Monitoring() []string {
	return []string{Role(session.RoleAdmin), Role(session.RoleCoordinator)}
}

// ForMember computes the rooms a join(role, userID, staffID) request enters.
func ForMember(role session.Role, userID, staffID string) []string {
	rooms := []string{Global, Role(role)}
	if userID != "" {
		rooms = append(rooms, User(userID))
	}
	if staffID != "" {
		rooms = append(rooms, Staff(staffID))
	}
	switch role {
	case session.RoleAdmin, session.RoleCoordinator:
		rooms = append(rooms, Topics...)
	case session.RoleStaff, session.RoleDoctor:
		rooms = append(rooms, staffTopics...)
	}
	return rooms
}

// Unique removes repeated room names while keeping first-seen order. It
// dedupes the target list, not recipients.
func Unique(rooms []string) []string {
	seen := make(map[string]struct{}, len(rooms))
	out := make([]string, 0, len(rooms))
	for _, r := range rooms {
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
