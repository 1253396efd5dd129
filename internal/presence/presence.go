// Package presence tracks per-user online state and typing indicators.
//
// At most one Record exists per user; the most recent session to set
// presence owns it. The Tracker is not safe for concurrent use; the hub
// serializes access and runs Sweep on its own timer.
package presence

import (
	"sort"
	"time"

	"github.com/Tyrowin/fanout/internal/session"
)

// Status is a user's declared availability.
type Status string

const (
	Online  Status = "online"
	Away    Status = "away"
	Busy    Status = "busy"
	Offline Status = "offline"
)

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case Online, Away, Busy, Offline:
		return Status(s), true
	}
	return "", false
}

// Record is the presence of one user.
type Record struct {
	UserID      string       `json:"userId"`
	SessionID   string       `json:"-"`
	Role        session.Role `json:"role"`
	Status      Status       `json:"status"`
	LastSeenAt  time.Time    `json:"lastSeenAt"`
	CurrentPage string       `json:"currentPage,omitempty"`
	IsTyping    bool         `json:"isTyping"`
}

// Typing is an active typing indicator.
type Typing struct {
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName,omitempty"`
	Room      string    `json:"room"`
	Timestamp time.Time `json:"timestamp"`
}

// SweepResult lists what a sweep removed.
type SweepResult struct {
	Expired []Record
	Typing  []Typing
}

// Tracker owns presence records, the online-by-role index and typing
// indicators.
type Tracker struct {
	records      map[string]*Record
	bySession    map[string]string
	onlineByRole map[session.Role]map[string]struct{}
	typing       map[string]Typing
	now          func() time.Time
}

// NewTracker creates an empty Tracker. A nil now uses time.Now.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		records:      make(map[string]*Record),
		bySession:    make(map[string]string),
		onlineByRole: make(map[session.Role]map[string]struct{}),
		typing:       make(map[string]Typing),
		now:          now,
	}
}

// Set upserts the record for userID. The previous record, if any, is
// returned. An Offline status removes the user from the online index but
// keeps the record.
func (t *Tracker) Set(userID, sessionID string, role session.Role, status Status, page string) (Record, *Record) {
	var prev *Record
	if existing, ok := t.records[userID]; ok {
		p := *existing
		prev = &p
		if existing.SessionID != sessionID {
			delete(t.bySession, existing.SessionID)
		}
		if existing.Role != role {
			t.removeOnline(existing.Role, userID)
		}
	}

	rec := &Record{
		UserID:      userID,
		SessionID:   sessionID,
		Role:        role,
		Status:      status,
		LastSeenAt:  t.now(),
		CurrentPage: page,
	}
	if _, typing := t.typing[userID]; typing {
		rec.IsTyping = true
	}
	t.records[userID] = rec
	t.bySession[sessionID] = userID

	if status == Offline {
		t.removeOnline(role, userID)
	} else {
		t.addOnline(role, userID)
	}
	return *rec, prev
}

// Heartbeat refreshes lastSeenAt only.
func (t *Tracker) Heartbeat(userID string) bool {
	rec, ok := t.records[userID]
	if !ok {
		return false
	}
	rec.LastSeenAt = t.now()
	return true
}

// StartTyping upserts the typing indicator for userID.
func (t *Tracker) StartTyping(userID, userName, room string) Typing {
	ind := Typing{UserID: userID, UserName: userName, Room: room, Timestamp: t.now()}
	t.typing[userID] = ind
	if rec, ok := t.records[userID]; ok {
		rec.IsTyping = true
	}
	return ind
}

// StopTyping removes the indicator for userID in room.
func (t *Tracker) StopTyping(userID, room string) (Typing, bool) {
	ind, ok := t.typing[userID]
	if !ok || (room != "" && ind.Room != room) {
		return Typing{}, false
	}
	t.dropTyping(userID)
	return ind, true
}

func (t *Tracker) dropTyping(userID string) {
	delete(t.typing, userID)
	if rec, ok := t.records[userID]; ok {
		rec.IsTyping = false
	}
}

// DisconnectSession removes the record owned by sessionID along with the
// user's typing indicator. A user whose presence moved to another session is
// left untouched.
func (t *Tracker) DisconnectSession(sessionID string) (Record, *Typing, bool) {
	userID, ok := t.bySession[sessionID]
	if !ok {
		return Record{}, nil, false
	}
	delete(t.bySession, sessionID)

	rec, ok := t.records[userID]
	if !ok || rec.SessionID != sessionID {
		return Record{}, nil, false
	}
	removed := *rec
	t.remove(userID)

	var typing *Typing
	if ind, ok := t.typing[userID]; ok {
		typing = &ind
		delete(t.typing, userID)
	}
	removed.Status = Offline
	return removed, typing, true
}

func (t *Tracker) remove(userID string) {
	rec, ok := t.records[userID]
	if !ok {
		return
	}
	delete(t.records, userID)
	if t.bySession[rec.SessionID] == userID {
		delete(t.bySession, rec.SessionID)
	}
	t.removeOnline(rec.Role, userID)
}

// Sweep drops records not seen for staleAfter and typing indicators older
// than typingTTL.
func (t *Tracker) Sweep(staleAfter, typingTTL time.Duration) SweepResult {
	now := t.now()
	var res SweepResult

	for userID, rec := range t.records {
		if now.Sub(rec.LastSeenAt) > staleAfter {
			expired := *rec
			expired.Status = Offline
			t.remove(userID)
			res.Expired = append(res.Expired, expired)
			if ind, ok := t.typing[userID]; ok {
				delete(t.typing, userID)
				res.Typing = append(res.Typing, ind)
			}
		}
	}
	for userID, ind := range t.typing {
		if now.Sub(ind.Timestamp) > typingTTL {
			t.dropTyping(userID)
			res.Typing = append(res.Typing, ind)
		}
	}

	sort.Slice(res.Expired, func(i, j int) bool { return res.Expired[i].UserID < res.Expired[j].UserID })
	sort.Slice(res.Typing, func(i, j int) bool { return res.Typing[i].UserID < res.Typing[j].UserID })
	return res
}

func (t *Tracker) addOnline(role session.Role, userID string) {
	users, ok := t.onlineByRole[role]
	if !ok {
		users = make(map[string]struct{})
		t.onlineByRole[role] = users
	}
	users[userID] = struct{}{}
}

func (t *Tracker) removeOnline(role session.Role, userID string) {
	users, ok := t.onlineByRole[role]
	if !ok {
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.onlineByRole, role)
	}
}

// Get returns the record for userID.
func (t *Tracker) Get(userID string) (Record, bool) {
	rec, ok := t.records[userID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// IsOnline reports whether userID is in the online index for role.
func (t *Tracker) IsOnline(role session.Role, userID string) bool {
	_, ok := t.onlineByRole[role][userID]
	return ok
}

// Counts is the aggregate online snapshot broadcast to monitors.
type Counts struct {
	Total  int                  `json:"total"`
	ByRole map[session.Role]int `json:"byRole"`
}

// OnlineCounts returns the current online totals.
func (t *Tracker) OnlineCounts() Counts {
	c := Counts{ByRole: make(map[session.Role]int, len(t.onlineByRole))}
	for role, users := range t.onlineByRole {
		c.ByRole[role] = len(users)
		c.Total += len(users)
	}
	return c
}

// Online returns the online records for role, sorted by user id.
func (t *Tracker) Online(role session.Role) []Record {
	users := t.onlineByRole[role]
	out := make([]Record, 0, len(users))
	for userID := range users {
		if rec, ok := t.records[userID]; ok {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Len returns the number of presence records.
func (t *Tracker) Len() int {
	return len(t.records)
}

// TypingIn returns active indicators for room, sorted by user id.
func (t *Tracker) TypingIn(room string) []Typing {
	var out []Typing
	for _, ind := range t.typing {
		if ind.Room == room {
			out = append(out, ind)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
