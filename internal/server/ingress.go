package server

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/Tyrowin/fanout/internal/apperr"
	"github.com/Tyrowin/fanout/internal/counters"
	"github.com/Tyrowin/fanout/internal/progress"
	"github.com/Tyrowin/fanout/internal/room"
	"github.com/Tyrowin/fanout/internal/session"
	"github.com/Tyrowin/fanout/internal/tabsync"
)

// EmitRequest is a domain event injected by a producer.
type EmitRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	UserID  string          `json:"userId,omitempty"`
	StaffID string          `json:"staffId,omitempty"`
	Rooms   []string        `json:"rooms,omitempty"`
}

// EmitResult reports where an emitted event went. Routed is false when the
// type had no static route and the fallback rooms were used.
type EmitResult struct {
	Rooms     []string `json:"rooms"`
	Delivered int      `json:"delivered"`
	Routed    bool     `json:"routed"`
}

// TransitionRequest moves one entity between statuses on a counter category.
type TransitionRequest struct {
	Category string `json:"category"`
	Kind     string `json:"kind"`
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
}

// SyncRequest records a sync event on behalf of a producer.
type SyncRequest struct {
	UserID       string          `json:"userId"`
	Type         string          `json:"type"`
	Action       string          `json:"action"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	TabID        string          `json:"tabId,omitempty"`
	ExcludeTabID string          `json:"excludeTabId,omitempty"`
}

// SyncResult is the recorded event and how many tabs received it live.
type SyncResult struct {
	Event     tabsync.SyncEvent `json:"event"`
	Delivered int               `json:"delivered"`
}

// Stats is a point-in-time view of the hub for health checks.
type Stats struct {
	Sessions       int                  `json:"sessions"`
	Rooms          int                  `json:"rooms"`
	PresenceOnline int                  `json:"presenceOnline"`
	OnlineByRole   map[session.Role]int `json:"onlineByRole"`
	Tabs           int                  `json:"tabs"`
	TabUsers       int                  `json:"tabUsers"`
	ReplayLog      int                  `json:"replayLog"`
	ProgressTasks  int                  `json:"progressTasks"`
	RateWindows    int                  `json:"rateLimitWindows"`
	StartedAt      time.Time            `json:"startedAt"`
}

// Emit resolves req.Type against the static route table and broadcasts the
// payload to every resolved room.
func (h *Hub) Emit(req EmitRequest) (EmitResult, error) {
	const op = "emit"
	req.Type = strings.TrimSpace(req.Type)
	if req.Type == "" {
		return EmitResult{}, apperr.Validation(op, "type is required")
	}
	var res EmitResult
	err := h.do(op, func() error {
		rooms, routed := room.ResolveName(req.Type, room.Target{UserID: req.UserID, StaffID: req.StaffID}, req.Rooms)
		res = EmitResult{
			Rooms:     rooms,
			Delivered: h.broadcast("emit", rooms, req.Type, req.Payload),
			Routed:    routed,
		}
		return nil
	})
	if err == nil {
		h.logger.Debug("event emitted", "type", req.Type, "rooms", res.Rooms, "delivered", res.Delivered, "routed", res.Routed)
	}
	return res, err
}

// Transition applies a counter transition and broadcasts the category to its
// monitoring rooms.
func (h *Hub) Transition(req TransitionRequest) (counters.CategorySnapshot, error) {
	const op = "transition"
	kind, ok := counters.ParseKind(req.Kind)
	if !ok {
		return counters.CategorySnapshot{}, apperr.Validation(op, "unknown transition kind %q", req.Kind)
	}
	var snap counters.CategorySnapshot
	err := h.do(op, func() error {
		var err error
		snap, err = h.board.Transition(req.Category, kind, req.From, req.To)
		if err != nil {
			return err
		}
		h.broadcast("counters", room.MonitoringFor(h.systemWide[req.Category]), TypeCountersUpdate, snap)
		return nil
	})
	return snap, err
}

// SetIndividualCounter stores a named counter and broadcasts it globally.
func (h *Hub) SetIndividualCounter(id string, value float64, metadata json.RawMessage) (counters.Individual, error) {
	var c counters.Individual
	err := h.do("individual_counter", func() error {
		var err error
		if c, err = h.board.SetIndividual(id, value, metadata); err != nil {
			return err
		}
		h.broadcast("individual_counter", []string{room.Global}, TypeIndividualCounter, c)
		return nil
	})
	return c, err
}

// Snapshot copies the requested counter categories and the individual
// counters matching prefixes.
func (h *Hub) Snapshot(categories, prefixes []string) (counters.Snapshot, error) {
	var snap counters.Snapshot
	err := h.do("snapshot", func() error {
		var err error
		snap, err = h.board.Snapshot(categories, prefixes)
		return err
	})
	return snap, err
}

// SeedCounters loads start-up rescan rows into the board.
func (h *Hub) SeedCounters(rows map[string][]counters.StatusCount) (int, error) {
	var n int
	err := h.do("seed", func() error {
		var err error
		n, err = h.board.Seed(rows)
		return err
	})
	return n, err
}

// RecordSync records a sync event for req.UserID and delivers it to that
// user's tabs.
func (h *Hub) RecordSync(req SyncRequest) (SyncResult, error) {
	const op = "record_sync"
	if req.UserID == "" {
		return SyncResult{}, apperr.Validation(op, "userId is required")
	}
	if req.Type == "" || req.Action == "" {
		return SyncResult{}, apperr.Validation(op, "type and action are required")
	}
	var res SyncResult
	err := h.do(op, func() error {
		res.Event, res.Delivered = h.recordSync(req.UserID, req.Type, req.Action, req.Payload, tabsync.Delivery{
			TabID:        req.TabID,
			ExcludeTabID: req.ExcludeTabID,
		})
		return nil
	})
	return res, err
}

// StartProgress begins tracking a task owned by userID.
func (h *Hub) StartProgress(userID, label string) (progress.Task, error) {
	return h.progressOp("progress_start", func() (progress.Task, error) {
		return h.progress.Start(userID, label)
	})
}

// UpdateProgress reports progress on a running task.
func (h *Hub) UpdateProgress(id string, percent float64, message string) (progress.Task, error) {
	return h.progressOp("progress_update", func() (progress.Task, error) {
		return h.progress.Update(id, percent, message)
	})
}

// FinishProgress ends a running task as completed or failed.
func (h *Hub) FinishProgress(id string, status progress.Status, message string) (progress.Task, error) {
	return h.progressOp("progress_finish", func() (progress.Task, error) {
		return h.progress.Finish(id, status, message)
	})
}

// Progress returns a copy of one task.
func (h *Hub) Progress(id string) (progress.Task, error) {
	var task progress.Task
	err := h.do("progress_get", func() error {
		var ok bool
		if task, ok = h.progress.Get(id); !ok {
			return apperr.NotFound("progress_get", "task %s not found", id)
		}
		return nil
	})
	return task, err
}

func (h *Hub) progressOp(op string, fn func() (progress.Task, error)) (progress.Task, error) {
	var task progress.Task
	err := h.do(op, func() error {
		var err error
		if task, err = fn(); err != nil {
			return err
		}
		h.announceProgress(task)
		return nil
	})
	return task, err
}

// Stats returns current component sizes.
func (h *Hub) Stats() (Stats, error) {
	var st Stats
	err := h.do("stats", func() error {
		counts := h.presence.OnlineCounts()
		st = Stats{
			Sessions:       h.sessions.Len(),
			Rooms:          h.router.Len(),
			PresenceOnline: counts.Total,
			OnlineByRole:   counts.ByRole,
			Tabs:           h.tabs.Len(),
			TabUsers:       h.tabs.Users(),
			ReplayLog:      h.tabs.LogLen(),
			ProgressTasks:  h.progress.Len(),
			RateWindows:    h.limiter.Len(),
			StartedAt:      h.startedAt,
		}
		return nil
	})
	return st, err
}

// Session returns a copy of one session with its current rooms.
func (h *Hub) Session(id string) (session.Session, error) {
	var sess session.Session
	err := h.do("session", func() error {
		var ok bool
		if sess, ok = h.sessions.Get(id); !ok {
			return apperr.NotFound("session", "session %s not found", id)
		}
		sess.Rooms = h.router.Rooms(id)
		return nil
	})
	return sess, err
}
