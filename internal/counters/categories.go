package counters

import "strings"

// Category names.
const (
	Appointments  = "appointments"
	Queue         = "queue"
	Users         = "users"
	Staff         = "staff"
	Consultations = "consultations"
	Remedies      = "remedies"
	Notifications = "notifications"
)

// Total is the field every category carries.
const Total = "total"

// category is the fixed transition table of one dashboard category.
type category struct {
	name string
	// fields in display order, total first.
	fields []string
	// status -> bucket field.
	statuses map[string]string
	// cancelStatus is the status a cancelled transition moves into. A bucket
	// reached through it no longer counts toward total. Empty when the
	// category cannot be cancelled.
	cancelStatus string
}

func (c *category) bucket(status string) (string, bool) {
	f, ok := c.statuses[normalizeStatus(status)]
	return f, ok
}

func (c *category) leavesTotal(status string) bool {
	return c.cancelStatus != "" && normalizeStatus(status) == c.cancelStatus
}

func normalizeStatus(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

var categories = []*category{
	{
		name:   Appointments,
		fields: []string{Total, "pending", "confirmed", "inProgress", "completed", "cancelled", "noShow"},
		statuses: map[string]string{
			"BOOKED":      "pending",
			"PENDING":     "pending",
			"CONFIRMED":   "confirmed",
			"IN_PROGRESS": "inProgress",
			"COMPLETED":   "completed",
			"CANCELLED":   "cancelled",
			"NO_SHOW":     "noShow",
		},
		cancelStatus: "CANCELLED",
	},
	{
		name:   Queue,
		fields: []string{Total, "waiting", "called", "inConsultation", "completed", "skipped", "cancelled"},
		statuses: map[string]string{
			"WAITING":         "waiting",
			"CALLED":          "called",
			"IN_CONSULTATION": "inConsultation",
			"COMPLETED":       "completed",
			"SKIPPED":         "skipped",
			"CANCELLED":       "cancelled",
		},
		cancelStatus: "CANCELLED",
	},
	{
		name:   Users,
		fields: []string{Total, "active", "inactive", "suspended"},
		statuses: map[string]string{
			"ACTIVE":    "active",
			"INACTIVE":  "inactive",
			"SUSPENDED": "suspended",
		},
	},
	{
		name:   Staff,
		fields: []string{Total, "available", "busy", "offline", "onLeave"},
		statuses: map[string]string{
			"AVAILABLE": "available",
			"BUSY":      "busy",
			"OFFLINE":   "offline",
			"ON_LEAVE":  "onLeave",
		},
	},
	{
		name:   Consultations,
		fields: []string{Total, "scheduled", "active", "completed", "cancelled"},
		statuses: map[string]string{
			"SCHEDULED":   "scheduled",
			"IN_PROGRESS": "active",
			"ACTIVE":      "active",
			"COMPLETED":   "completed",
			"CANCELLED":   "cancelled",
		},
		cancelStatus: "CANCELLED",
	},
	{
		name:   Remedies,
		fields: []string{Total, "prescribed", "dispensed", "discontinued"},
		statuses: map[string]string{
			"PRESCRIBED":   "prescribed",
			"DISPENSED":    "dispensed",
			"DISCONTINUED": "discontinued",
		},
		cancelStatus: "DISCONTINUED",
	},
	{
		name:   Notifications,
		fields: []string{Total, "unread", "read"},
		statuses: map[string]string{
			"UNREAD": "unread",
			"READ":   "read",
		},
	},
}

var categoryByName = func() map[string]*category {
	m := make(map[string]*category, len(categories))
	for _, c := range categories {
		m[c.name] = c
	}
	return m
}()

// Categories returns the dashboard category names in display order.
func Categories() []string {
	out := make([]string, len(categories))
	for i, c := range categories {
		out[i] = c.name
	}
	return out
}

// IsCategory reports whether name is a dashboard category.
func IsCategory(name string) bool {
	_, ok := categoryByName[name]
	return ok
}
