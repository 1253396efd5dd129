// Package tabsync keeps the per-user registry of open tabs and the bounded
// replay log used to resynchronize tabs that reconnect.
//
// The Registry is not safe for concurrent use; the hub owns it.
package tabsync

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// DefaultReplayCap bounds the replay log across all users.
const DefaultReplayCap = 1000

// Tab is one registered client tab of a user.
type Tab struct {
	UserID         string            `json:"userId"`
	TabID          string            `json:"tabId"`
	SessionID      string            `json:"-"`
	RegisteredAt   time.Time         `json:"registeredAt"`
	LastActivityAt time.Time         `json:"lastActivityAt"`
	Active         bool              `json:"isActive"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// SyncEvent is an immutable recorded fan-out event.
type SyncEvent struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Action       string          `json:"action"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	UserID       string          `json:"userId"`
	TargetTabID  string          `json:"targetTabId,omitempty"`
	ExcludeTabID string          `json:"excludeTabId,omitempty"`
}

// Delivery selects which of a user's tabs receive an event. TabID wins over
// ExcludeTabID; with neither set every tab receives it.
type Delivery struct {
	TabID        string
	ExcludeTabID string
}

// Registry holds tab registrations and the replay log.
type Registry struct {
	tabs map[string]map[string]*Tab
	log  []SyncEvent
	cap  int
	now  func() time.Time
}

// NewRegistry creates a Registry whose replay log holds at most replayCap
// events. A non-positive cap uses DefaultReplayCap.
func NewRegistry(replayCap int, now func() time.Time) *Registry {
	if replayCap <= 0 {
		replayCap = DefaultReplayCap
	}
	if now == nil {
		now = time.Now
	}
	return &Registry{
		tabs: make(map[string]map[string]*Tab),
		cap:  replayCap,
		now:  now,
	}
}

// Register binds tabID of userID to sessionID. Re-registering an existing
// tab rebinds it and refreshes its metadata. The returned siblings are the
// user's other tabs, sorted by tab id, and total counts every tab including
// this one.
func (r *Registry) Register(userID, tabID, sessionID string, metadata map[string]string) (tab Tab, siblings []Tab, total int, created bool) {
	now := r.now()
	userTabs, ok := r.tabs[userID]
	if !ok {
		userTabs = make(map[string]*Tab)
		r.tabs[userID] = userTabs
	}

	t, exists := userTabs[tabID]
	if !exists {
		t = &Tab{UserID: userID, TabID: tabID, RegisteredAt: now}
		userTabs[tabID] = t
	}
	t.SessionID = sessionID
	t.LastActivityAt = now
	t.Active = true
	if metadata != nil {
		t.Metadata = copyMetadata(metadata)
	}

	return *t, r.others(userID, tabID), len(userTabs), !exists
}

// Unregister removes a tab and returns it along with the remaining tabs.
// The user's map is dropped when it empties.
func (r *Registry) Unregister(userID, tabID string) (Tab, []Tab, bool) {
	userTabs, ok := r.tabs[userID]
	if !ok {
		return Tab{}, nil, false
	}
	t, ok := userTabs[tabID]
	if !ok {
		return Tab{}, nil, false
	}
	delete(userTabs, tabID)
	if len(userTabs) == 0 {
		delete(r.tabs, userID)
	}
	return *t, r.others(userID, ""), true
}

// Activity refreshes a tab's lastActivityAt.
func (r *Registry) Activity(userID, tabID string) bool {
	t := r.lookup(userID, tabID)
	if t == nil {
		return false
	}
	t.LastActivityAt = r.now()
	return true
}

// Focus marks tabID as the user's focused tab and clears the flag on its
// siblings, which are returned.
func (r *Registry) Focus(userID, tabID string) ([]Tab, bool) {
	t := r.lookup(userID, tabID)
	if t == nil {
		return nil, false
	}
	for _, other := range r.tabs[userID] {
		other.Active = false
	}
	t.Active = true
	t.LastActivityAt = r.now()
	return r.others(userID, tabID), true
}

// Blur clears the focused flag of tabID.
func (r *Registry) Blur(userID, tabID string) ([]Tab, bool) {
	t := r.lookup(userID, tabID)
	if t == nil {
		return nil, false
	}
	t.Active = false
	t.LastActivityAt = r.now()
	return r.others(userID, tabID), true
}

// Get returns a single tab.
func (r *Registry) Get(userID, tabID string) (Tab, bool) {
	t := r.lookup(userID, tabID)
	if t == nil {
		return Tab{}, false
	}
	return *t, true
}

// Tabs returns every tab of userID sorted by tab id.
func (r *Registry) Tabs(userID string) []Tab {
	return r.others(userID, "")
}

// Len returns the number of registered tabs across all users.
func (r *Registry) Len() int {
	n := 0
	for _, userTabs := range r.tabs {
		n += len(userTabs)
	}
	return n
}

// Users returns the number of users with at least one tab.
func (r *Registry) Users() int {
	return len(r.tabs)
}

// Sweep removes tabs idle for longer than inactiveAfter.
func (r *Registry) Sweep(inactiveAfter time.Duration) []Tab {
	cutoff := r.now().Add(-inactiveAfter)
	var removed []Tab
	for userID, userTabs := range r.tabs {
		for tabID, t := range userTabs {
			if t.LastActivityAt.Before(cutoff) {
				removed = append(removed, *t)
				delete(userTabs, tabID)
			}
		}
		if len(userTabs) == 0 {
			delete(r.tabs, userID)
		}
	}
	sortTabs(removed)
	return removed
}

// Record appends a new SyncEvent to the replay log and returns it together
// with the tabs it must be delivered to. The event id is
// "<type>-<action>-<unix millis>", so two events with the same type and action
// recorded in the same millisecond share an id; both are kept in the log and
// clients must not treat the id as unique.
func (r *Registry) Record(userID, eventType, action string, payload json.RawMessage, d Delivery) (SyncEvent, []Tab) {
	now := r.now()
	ev := SyncEvent{
		ID:           fmt.Sprintf("%s-%s-%d", eventType, action, now.UnixMilli()),
		Type:         eventType,
		Action:       action,
		Payload:      payload,
		Timestamp:    now,
		UserID:       userID,
		TargetTabID:  d.TabID,
		ExcludeTabID: d.ExcludeTabID,
	}
	r.append(ev)
	return ev, r.Recipients(userID, d)
}

// Recipients applies the delivery rule to the current tabs of userID.
func (r *Registry) Recipients(userID string, d Delivery) []Tab {
	if d.TabID != "" {
		if t := r.lookup(userID, d.TabID); t != nil {
			return []Tab{*t}
		}
		return nil
	}
	return r.others(userID, d.ExcludeTabID)
}

// append inserts ev keeping the log ordered by timestamp, then evicts the
// oldest entries while the log is over its cap.
func (r *Registry) append(ev SyncEvent) {
	i := sort.Search(len(r.log), func(i int) bool { return r.log[i].Timestamp.After(ev.Timestamp) })
	r.log = append(r.log, SyncEvent{})
	copy(r.log[i+1:], r.log[i:])
	r.log[i] = ev

	if over := len(r.log) - r.cap; over > 0 {
		r.log = append(r.log[:0:0], r.log[over:]...)
	}
}

// ReplaySince returns the user's events newer than since in ascending
// timestamp order, skipping events that originated from tabID.
func (r *Registry) ReplaySince(userID, tabID string, since time.Time) []SyncEvent {
	out := []SyncEvent{}
	start := sort.Search(len(r.log), func(i int) bool { return r.log[i].Timestamp.After(since) })
	for _, ev := range r.log[start:] {
		if ev.UserID != userID {
			continue
		}
		if tabID != "" && ev.ExcludeTabID == tabID {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Trim drops log entries older than maxAge and returns how many were removed.
func (r *Registry) Trim(maxAge time.Duration) int {
	if maxAge <= 0 || len(r.log) == 0 {
		return 0
	}
	cutoff := r.now().Add(-maxAge)
	n := sort.Search(len(r.log), func(i int) bool { return !r.log[i].Timestamp.Before(cutoff) })
	if n > 0 {
		r.log = append(r.log[:0:0], r.log[n:]...)
	}
	return n
}

// LogLen returns the replay log size.
func (r *Registry) LogLen() int {
	return len(r.log)
}

func (r *Registry) lookup(userID, tabID string) *Tab {
	return r.tabs[userID][tabID]
}

// others returns the user's tabs except skip, sorted by tab id.
func (r *Registry) others(userID, skip string) []Tab {
	userTabs := r.tabs[userID]
	out := make([]Tab, 0, len(userTabs))
	for tabID, t := range userTabs {
		if tabID == skip {
			continue
		}
		out = append(out, *t)
	}
	sortTabs(out)
	return out
}

func sortTabs(tabs []Tab) {
	sort.Slice(tabs, func(i, j int) bool {
		if tabs[i].UserID != tabs[j].UserID {
			return tabs[i].UserID < tabs[j].UserID
		}
		return tabs[i].TabID < tabs[j].TabID
	})
}

func copyMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
