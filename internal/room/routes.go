package room

import "github.com/Tyrowin/fanout/internal/session"

// EventType is the closed set of domain events with a static route.
type EventType int

const (
	AppointmentCreated EventType = iota
	AppointmentUpdated
	AppointmentStatusChanged
	AppointmentCancelled
	QueueUpdated
	QueuePatientCalled
	QueuePositionChanged
	ConsultationStarted
	ConsultationCompleted
	RemedyPrescribed
	RemedyUpdated
	NotificationCreated
	SystemAnnouncement
	SystemMaintenance

	numEventTypes
)

var eventNames = [numEventTypes]string{
	AppointmentCreated:       "appointment:created",
	AppointmentUpdated:       "appointment:updated",
	AppointmentStatusChanged: "appointment:status_changed",
	AppointmentCancelled:     "appointment:cancelled",
	QueueUpdated:             "queue:updated",
	QueuePatientCalled:       "queue:patient_called",
	QueuePositionChanged:     "queue:position_changed",
	ConsultationStarted:      "consultation:started",
	ConsultationCompleted:    "consultation:completed",
	RemedyPrescribed:         "remedy:prescribed",
	RemedyUpdated:            "remedy:updated",
	NotificationCreated:      "notification:created",
	SystemAnnouncement:       "system:announcement",
	SystemMaintenance:        "system:maintenance",
}

// Target carries the identities an event is about.
type Target struct {
	UserID  string
	StaffID string
}

// Resolver computes the rooms an event fans into.
type Resolver func(t Target) []string

// routes is sized by numEventTypes; a missing entry is caught by
// TestEveryEventTypeHasRoute and the name table above fails to compile if an
// index falls outside the enum.
var routes = [numEventTypes]Resolver{
	AppointmentCreated:       appointmentRooms,
	AppointmentUpdated:       appointmentRooms,
	AppointmentStatusChanged: appointmentRooms,
	AppointmentCancelled:     appointmentRooms,
	QueueUpdated:             queueRooms,
	QueuePatientCalled:       queueRooms,
	QueuePositionChanged:     queueRooms,
	ConsultationStarted:      consultationRooms,
	ConsultationCompleted:    consultationRooms,
	RemedyPrescribed:         remedyRooms,
	RemedyUpdated:            remedyRooms,
	NotificationCreated:      notificationRooms,
	SystemAnnouncement:       globalRooms,
	SystemMaintenance:        globalRooms,
}

var eventByName = func() map[string]EventType {
	m := make(map[string]EventType, numEventTypes)
	for i, name := range eventNames {
		m[name] = EventType(i)
	}
	return m
}()

// String returns the wire name of e.
func (e EventType) String() string {
	if e >= 0 && e < numEventTypes {
		return eventNames[e]
	}
	return "unknown"
}

// ParseEventType looks up a wire event name.
func ParseEventType(name string) (EventType, bool) {
	e, ok := eventByName[name]
	return e, ok
}

// EventTypes returns every routed event type.
func EventTypes() []EventType {
	out := make([]EventType, numEventTypes)
	for i := range out {
		out[i] = EventType(i)
	}
	return out
}

// Resolve returns the deduplicated room list for e.
func (e EventType) Resolve(t Target) []string {
	if e < 0 || e >= numEventTypes || routes[e] == nil {
		return nil
	}
	return Unique(routes[e](t))
}

// ResolveName resolves an event by wire name. Unknown names fall back to
// fallback, or to the global room when fallback is empty.
func ResolveName(name string, t Target, fallback []string) ([]string, bool) {
	if e, ok := ParseEventType(name); ok {
		return e.Resolve(t), true
	}
	rooms := Unique(fallback)
	if len(rooms) == 0 {
		rooms = []string{Global}
	}
	return rooms, false
}

func withIdentity(rooms []string, t Target) []string {
	if t.UserID != "" {
		rooms = append(rooms, User(t.UserID))
	}
	if t.StaffID != "" {
		rooms = append(rooms, Staff(t.StaffID))
	}
	return rooms
}

func appointmentRooms(t Target) []string {
	return withIdentity(append([]string{Appointments}, Monitoring()...), t)
}

func queueRooms(t Target) []string {
	return withIdentity([]string{Queue, Global}, t)
}

func consultationRooms(t Target) []string {
	return withIdentity(append([]string{Consultations}, Monitoring()...), t)
}

func remedyRooms(t Target) []string {
	return withIdentity([]string{Remedies}, t)
}

func notificationRooms(t Target) []string {
	if t.UserID == "" && t.StaffID == "" {
		return []string{Notifications}
	}
	return withIdentity(nil, t)
}

func globalRooms(Target) []string {
	return []string{Global}
}

// MonitoringFor returns the rooms that receive aggregate updates for one
// counter category: monitoring roles, plus global when systemWide.
func MonitoringFor(systemWide bool) []string {
	rooms := Monitoring()
	if systemWide {
		rooms = append(rooms, Global)
	}
	return rooms
}

// PresenceRooms returns the rooms a presence change for role is announced to.
func PresenceRooms(role session.Role) []string {
	return Unique(append([]string{Role(role)}, Monitoring()...))
}
