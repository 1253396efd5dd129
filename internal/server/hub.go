package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/fanout/internal/apperr"
	"github.com/Tyrowin/fanout/internal/config"
	"github.com/Tyrowin/fanout/internal/counters"
	"github.com/Tyrowin/fanout/internal/metrics"
	"github.com/Tyrowin/fanout/internal/presence"
	"github.com/Tyrowin/fanout/internal/progress"
	"github.com/Tyrowin/fanout/internal/ratelimit"
	"github.com/Tyrowin/fanout/internal/room"
	"github.com/Tyrowin/fanout/internal/session"
	"github.com/Tyrowin/fanout/internal/tabsync"
)

// ErrHubStopped is returned by operations submitted after the hub exited.
var ErrHubStopped = errors.New("hub stopped")

// Outbox is the send side of one session's transport. Enqueue must not
// block; false means the frame could not be queued.
type Outbox interface {
	Enqueue(msg []byte) bool
	Close()
}

// Hub owns every piece of shared state. All of it is read and written only
// by the goroutine running Run; other goroutines submit operations through
// the ops mailbox and wait for them to finish.
type Hub struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string

	sessions *session.Registry
	limiter  *ratelimit.Limiter
	router   *room.Router
	presence *presence.Tracker
	tabs     *tabsync.Registry
	board    *counters.Board
	progress *progress.Tracker

	outboxes   map[string]Outbox
	failed     map[string]struct{}
	systemWide map[string]bool
	startedAt  time.Time

	ops    chan func()
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// HubOption customizes a Hub.
type HubOption func(*Hub)

// WithLogger sets the hub logger. A nil logger keeps slog.Default().
func WithLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetrics sets the collectors the hub records into. Nil disables metrics.
func WithMetrics(m *metrics.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// WithClock replaces time.Now for every component.
func WithClock(now func() time.Time) HubOption {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// WithIDGenerator replaces the session id generator.
func WithIDGenerator(newID func() string) HubOption {
	return func(h *Hub) {
		if newID != nil {
			h.newID = newID
		}
	}
}

// NewHub creates a Hub. It does nothing until Run is called.
func NewHub(opts Options, options ...HubOption) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		opts:       opts,
		logger:     slog.Default(),
		now:        time.Now,
		newID:      uuid.NewString,
		outboxes:   make(map[string]Outbox),
		failed:     make(map[string]struct{}),
		systemWide: make(map[string]bool, len(opts.SystemWide)),
		ops:        make(chan func()),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	for _, o := range options {
		o(h)
	}
	for _, name := range opts.SystemWide {
		h.systemWide[name] = true
	}

	fallback := ratelimit.Rule{Window: time.Second, Ceiling: 20}
	if rule, ok := opts.RateClasses[config.ClassDefault]; ok {
		fallback = rule
	}
	h.sessions = session.NewRegistry(h.now)
	h.limiter = ratelimit.New(opts.RateClasses, fallback, h.now)
	h.router = room.NewRouter(room.DeliverFunc(h.deliver), h.logger)
	h.presence = presence.NewTracker(h.now)
	h.tabs = tabsync.NewRegistry(opts.ReplayCap, h.now)
	h.board = counters.NewBoard(h.now)
	h.progress = progress.NewTracker(opts.ProgressCap, h.now)
	h.startedAt = h.now()
	return h
}

// Run processes operations and sweeps until ctx is cancelled or Shutdown is
// called. It must be called exactly once.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	if ctx == nil {
		ctx = context.Background()
	}

	rateTicker := time.NewTicker(orDefault(h.opts.RateSweep, config.DefaultRateLimitSweepInterval))
	presenceTicker := time.NewTicker(orDefault(h.opts.PresenceSweep, config.DefaultPresenceSweepInterval))
	tabTicker := time.NewTicker(orDefault(h.opts.TabSweep, config.DefaultTabSweepInterval))
	progressTicker := time.NewTicker(orDefault(h.opts.ProgressSweep, config.DefaultProgressSweepInterval))
	defer func() {
		rateTicker.Stop()
		presenceTicker.Stop()
		tabTicker.Stop()
		progressTicker.Stop()
	}()

	h.logger.Info("hub started")
	for {
		select {
		case <-ctx.Done():
			h.shutdownSessions()
			return
		case <-h.ctx.Done():
			h.shutdownSessions()
			return
		case op := <-h.ops:
			h.exec(op)
		case <-rateTicker.C:
			h.exec(h.sweepRateLimits)
		case <-presenceTicker.C:
			h.exec(h.sweepPresence)
		case <-tabTicker.C:
			h.exec(h.sweepTabs)
		case <-progressTicker.C:
			h.exec(h.sweepProgress)
		}
	}
}

// exec runs one operation on the hub goroutine, then disconnects every
// session whose outbox overflowed during it.
func (h *Hub) exec(fn func()) {
	func() {
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("hub operation panicked", "panic", r)
				h.metrics.ObserveOp("hub", string(apperr.CodeInternal))
			}
		}()
		fn()
	}()
	h.flushFailed()
	h.publishState()
}

// do submits fn to the hub goroutine and waits for it. A panic inside fn is
// reported as an internal fault for op.
func (h *Hub) do(op string, fn func() error) error {
	var err error
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("operation panicked", "op", op, "panic", r)
				err = apperr.Internal(op, fmt.Errorf("panic: %v", r))
			}
		}()
		err = fn()
	}

	select {
	case h.ops <- task:
	case <-h.done:
		return apperr.Internal(op, ErrHubStopped)
	}
	<-finished
	return err
}

// deliver queues msg on one session's outbox. It is the Router's Deliverer.
func (h *Hub) deliver(sessionID string, msg []byte) bool {
	out, ok := h.outboxes[sessionID]
	if !ok {
		return false
	}
	if _, failed := h.failed[sessionID]; failed {
		return false
	}
	if !out.Enqueue(msg) {
		h.failed[sessionID] = struct{}{}
		h.metrics.DeliveryFailed()
		return false
	}
	return true
}

func (h *Hub) flushFailed() {
	for len(h.failed) > 0 {
		for id := range h.failed {
			delete(h.failed, id)
			h.logger.Warn("disconnecting session with full send buffer", "session_id", id)
			h.disconnect(id, "send buffer full")
		}
	}
}

func (h *Hub) frame(typ string, payload any) []byte {
	msg, err := json.Marshal(Outbound{Type: typ, Payload: payload, Timestamp: h.now()})
	if err != nil {
		h.logger.Error("encode frame", "type", typ, "error", err)
		return nil
	}
	return msg
}

func (h *Hub) send(sessionID, typ string, payload any) bool {
	msg := h.frame(typ, payload)
	if msg == nil {
		return false
	}
	return h.deliver(sessionID, msg)
}

// broadcast fans one frame into rooms, one copy per room.
func (h *Hub) broadcast(kind string, rooms []string, typ string, payload any) int {
	msg := h.frame(typ, payload)
	if msg == nil {
		return 0
	}
	n := h.router.BroadcastMany(rooms, msg)
	h.metrics.Broadcast(kind, n)
	return n
}

func (h *Hub) publishState() {
	h.metrics.SetState(metrics.State{
		Sessions:       h.sessions.Len(),
		Rooms:          h.router.Len(),
		PresenceOnline: h.presence.OnlineCounts().Total,
		Tabs:           h.tabs.Len(),
		ReplayLog:      h.tabs.LogLen(),
		Progress:       h.progress.Len(),
	})
}

// Connect registers a new session delivering through out and returns its id.
func (h *Hub) Connect(out Outbox, addr string) (string, error) {
	if out == nil {
		return "", apperr.Validation("connect", "outbox is required")
	}
	var id string
	err := h.do("connect", func() error {
		id = h.newID()
		sess := h.sessions.Connect(id, addr)
		h.outboxes[id] = out
		h.logger.Info("session connected", "session_id", id, "addr", addr, "sessions", h.sessions.Len())
		h.send(id, TypeConnected, map[string]any{"sessionId": id, "serverTime": sess.ConnectedAt})
		return nil
	})
	return id, err
}

// Disconnect removes a session and everything hanging off it. Unknown ids
// are ignored.
func (h *Hub) Disconnect(sessionID, reason string) error {
	return h.do("disconnect", func() error {
		h.disconnect(sessionID, reason)
		return nil
	})
}

// disconnect runs the whole cascade inside one operation, so no observer sees
// the session gone from the registry but still in a room.
func (h *Hub) disconnect(id, reason string) bool {
	sess, ok := h.sessions.Disconnect(id)
	if !ok {
		return false
	}
	left := h.router.LeaveAll(id)
	h.limiter.Forget(id)

	out := h.outboxes[id]
	delete(h.outboxes, id)
	delete(h.failed, id)
	if out != nil {
		out.Close()
	}

	if rec, typing, ok := h.presence.DisconnectSession(id); ok {
		h.announcePresence(rec, reason)
		if typing != nil {
			h.router.Broadcast(typing.Room, h.frame(TypeTypingStopped, typing))
		}
		h.announceOnlineCounts()
	}

	h.logger.Info("session disconnected",
		"session_id", id,
		"user_id", sess.UserID,
		"reason", reason,
		"rooms_left", len(left),
		"events", sess.EventCount,
		"sessions", h.sessions.Len())
	return true
}

func (h *Hub) announcePresence(rec presence.Record, reason string) {
	h.broadcast("presence", room.PresenceRooms(rec.Role), TypePresenceChanged, presenceNotice{
		UserID:      rec.UserID,
		Role:        string(rec.Role),
		Status:      string(rec.Status),
		LastSeenAt:  rec.LastSeenAt,
		CurrentPage: rec.CurrentPage,
		Reason:      reason,
	})
}

func (h *Hub) announceOnlineCounts() {
	h.broadcast("online_counts", room.Monitoring(), TypeOnlineCounts, h.presence.OnlineCounts())
}

func (h *Hub) announceProgress(task progress.Task) {
	rooms := room.Unique([]string{room.User(task.UserID), room.Role(session.RoleAdmin)})
	h.broadcast("progress", rooms, TypeProgressUpdate, task)
}

// sendToTabs delivers one frame to each tab's bound session.
func (h *Hub) sendToTabs(tabs []tabsync.Tab, typ string, payload any) int {
	if len(tabs) == 0 {
		return 0
	}
	msg := h.frame(typ, payload)
	if msg == nil {
		return 0
	}
	n := 0
	for _, t := range tabs {
		if h.deliver(t.SessionID, msg) {
			n++
		}
	}
	return n
}

func (h *Hub) sweepRateLimits() {
	n := h.limiter.Sweep(orDefault(h.opts.RateIdleTTL, config.DefaultRateLimitIdleTTL))
	h.metrics.SweepEvicted("rate_limit", n)
	if n > 0 {
		h.logger.Debug("rate limit sweep", "evicted", n)
	}
}

func (h *Hub) sweepPresence() {
	res := h.presence.Sweep(
		orDefault(h.opts.StaleAfter, config.DefaultPresenceStaleAfter),
		orDefault(h.opts.TypingTTL, config.DefaultTypingTTL),
	)
	for _, rec := range res.Expired {
		h.announcePresence(rec, "timeout")
	}
	for _, ind := range res.Typing {
		h.router.Broadcast(ind.Room, h.frame(TypeTypingStopped, ind))
	}
	if len(res.Expired) > 0 {
		h.announceOnlineCounts()
	}
	h.metrics.SweepEvicted("presence", len(res.Expired))
	h.metrics.SweepEvicted("typing", len(res.Typing))
	if len(res.Expired)+len(res.Typing) > 0 {
		h.logger.Debug("presence sweep", "expired", len(res.Expired), "typing", len(res.Typing))
	}
}

func (h *Hub) sweepTabs() {
	removed := h.tabs.Sweep(orDefault(h.opts.TabInactive, config.DefaultTabInactiveAfter))
	for _, t := range removed {
		remaining := h.tabs.Tabs(t.UserID)
		h.sendToTabs(remaining, TypeTabLeft, tabNotice{UserID: t.UserID, TabID: t.TabID, TotalTabs: len(remaining)})
	}
	trimmed := h.tabs.Trim(h.opts.ReplayMaxAge)
	h.metrics.SweepEvicted("tabs", len(removed))
	h.metrics.SweepEvicted("replay_log", trimmed)
	if len(removed)+trimmed > 0 {
		h.logger.Debug("tab sweep", "removed", len(removed), "trimmed", trimmed)
	}
}

func (h *Hub) sweepProgress() {
	n := h.progress.Sweep(orDefault(h.opts.RetainDone, config.DefaultProgressRetainFinished))
	h.metrics.SweepEvicted("progress", n)
}

// Sweep runs every periodic sweep immediately.
func (h *Hub) Sweep() error {
	return h.do("sweep", func() error {
		h.sweepRateLimits()
		h.sweepPresence()
		h.sweepTabs()
		h.sweepProgress()
		return nil
	})
}

// track runs fn in a goroutine that Shutdown waits for.
func (h *Hub) track(fn func()) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
}

// shutdownSessions closes every outbox. Component state is abandoned, not
// drained.
func (h *Hub) shutdownSessions() {
	for id, out := range h.outboxes {
		out.Close()
		delete(h.outboxes, id)
	}
	h.logger.Info("hub stopped", "sessions", h.sessions.Len())
}

// Shutdown stops Run and waits for tracked goroutines, giving up after
// timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")
	h.cancel()

	deadline := time.After(timeout)
	select {
	case <-h.done:
	case <-deadline:
		return context.DeadlineExceeded
	}

	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-deadline:
		h.logger.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
