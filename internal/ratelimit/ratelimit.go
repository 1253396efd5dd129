// Package ratelimit implements per-session fixed-window admission control for
// inbound control events. A window counts accepted events until its reset time
// passes, then starts over. The Limiter is not safe for concurrent use; the hub
// serializes access.
package ratelimit

import (
	"time"
)

// Rule bounds a class of operations to Ceiling accepted cost units per Window.
type Rule struct {
	Window  time.Duration
	Ceiling int
}

func (r Rule) sanitize() Rule {
	if r.Window <= 0 {
		r.Window = time.Second
	}
	if r.Ceiling <= 0 {
		r.Ceiling = 1
	}
	return r
}

// Window is the state kept for one (session, class) pair.
type Window struct {
	Count    int
	ResetAt  time.Time
	LastSeen time.Time
}

// Limiter tracks windows keyed by session id, then by operation class.
type Limiter struct {
	rules    map[string]Rule
	fallback Rule
	windows  map[string]map[string]*Window
	now      func() time.Time
}

// New creates a Limiter. Classes without a rule use fallback.
func New(rules map[string]Rule, fallback Rule, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	sanitized := make(map[string]Rule, len(rules))
	for name, rule := range rules {
		sanitized[name] = rule.sanitize()
	}
	return &Limiter{
		rules:    sanitized,
		fallback: fallback.sanitize(),
		windows:  make(map[string]map[string]*Window),
		now:      now,
	}
}

// Rule returns the rule applied to class.
func (l *Limiter) Rule(class string) Rule {
	if rule, ok := l.rules[class]; ok {
		return rule
	}
	return l.fallback
}

// Allow admits one event of class for sessionID.
func (l *Limiter) Allow(sessionID, class string) bool {
	return l.AllowN(sessionID, class, 1)
}

// AllowN admits an event of the given cost using the class rule.
func (l *Limiter) AllowN(sessionID, class string, cost int) bool {
	rule := l.Rule(class)
	return l.Admit(sessionID, class, cost, rule.Window, rule.Ceiling)
}

// Admit is the raw admission check. The window resets when now is past its
// reset time. If count+cost would exceed ceiling the event is rejected and the
// limiter is left exactly as it was, including LastSeen.
func (l *Limiter) Admit(sessionID, class string, cost int, window time.Duration, ceiling int) bool {
	if cost <= 0 {
		cost = 1
	}
	rule := Rule{Window: window, Ceiling: ceiling}.sanitize()
	now := l.now()

	w := l.windows[sessionID][class]
	expired := w == nil || now.After(w.ResetAt)
	count := 0
	if !expired {
		count = w.Count
	}
	if count+cost > rule.Ceiling {
		return false
	}

	if w == nil {
		perClass, ok := l.windows[sessionID]
		if !ok {
			perClass = make(map[string]*Window)
			l.windows[sessionID] = perClass
		}
		w = &Window{}
		perClass[class] = w
	}
	if expired {
		w.Count = 0
		w.ResetAt = now.Add(rule.Window)
	}
	w.Count += cost
	w.LastSeen = now
	return true
}

// Count returns the accepted count in the current window for (sessionID, class).
func (l *Limiter) Count(sessionID, class string) int {
	if w, ok := l.windows[sessionID][class]; ok {
		return w.Count
	}
	return 0
}

// Forget drops every window kept for sessionID.
func (l *Limiter) Forget(sessionID string) {
	delete(l.windows, sessionID)
}

// Sweep evicts sessions whose windows have all been idle longer than idle.
// It returns the number of sessions evicted.
func (l *Limiter) Sweep(idle time.Duration) int {
	cutoff := l.now().Add(-idle)
	evicted := 0
	for sessionID, perClass := range l.windows {
		active := false
		for _, w := range perClass {
			if w.LastSeen.After(cutoff) {
				active = true
				break
			}
		}
		if !active {
			delete(l.windows, sessionID)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of sessions with tracked windows.
func (l *Limiter) Len() int {
	return len(l.windows)
}
