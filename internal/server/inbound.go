package server

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Tyrowin/fanout/internal/apperr"
	"github.com/Tyrowin/fanout/internal/config"
	"github.com/Tyrowin/fanout/internal/presence"
	"github.com/Tyrowin/fanout/internal/room"
	"github.com/Tyrowin/fanout/internal/session"
	"github.com/Tyrowin/fanout/internal/tabsync"
)

type inboundHandler func(h *Hub, sessionID string, in Inbound) error

type inboundOp struct {
	class  string
	handle inboundHandler
}

var inboundOps = map[string]inboundOp{
	TypeJoin:            {config.ClassJoin, (*Hub).handleJoin},
	TypeLeave:           {config.ClassJoin, (*Hub).handleLeave},
	TypePresenceUpdate:  {config.ClassPresence, (*Hub).handlePresence},
	TypeTypingStart:     {config.ClassTyping, (*Hub).handleTypingStart},
	TypeTypingStop:      {config.ClassTyping, (*Hub).handleTypingStop},
	TypeHeartbeat:       {config.ClassHeartbeat, (*Hub).handleHeartbeat},
	TypeTabRegister:     {config.ClassTab, (*Hub).handleTabRegister},
	TypeTabUnregister:   {config.ClassTab, (*Hub).handleTabUnregister},
	TypeTabActivity:     {config.ClassTab, (*Hub).handleTabActivity},
	TypeTabFocus:        {config.ClassTab, (*Hub).handleTabFocus},
	TypeTabBlur:         {config.ClassTab, (*Hub).handleTabBlur},
	TypeSyncBroadcast:   {config.ClassSync, (*Hub).handleSyncBroadcast},
	TypeSyncRequest:     {config.ClassSync, (*Hub).handleSyncRequest},
	TypeCountersRequest: {config.ClassCounters, (*Hub).handleCountersRequest},
	TypeProgressCancel:  {config.ClassProgress, (*Hub).handleProgressCancel},
}

// Handle processes one raw frame from sessionID. Any failure is reported to
// that session as an error frame and also returned.
func (h *Hub) Handle(sessionID string, raw []byte) error {
	var in Inbound
	decodeErr := json.Unmarshal(raw, &in)

	op := in.Type
	entry, known := inboundOps[in.Type]
	class := entry.class
	if decodeErr != nil || !known {
		class = config.ClassDefault
	}
	if decodeErr != nil {
		op = "decode"
	} else if !known {
		op = "unknown"
	}

	return h.do(op, func() error {
		if !h.sessions.Has(sessionID) {
			return apperr.NotFound(op, "session %s is not connected", sessionID)
		}

		var err error
		switch {
		case !h.limiter.Allow(sessionID, class):
			h.metrics.RateLimited(class)
			err = apperr.RateLimited(op)
		case decodeErr != nil:
			h.sessions.Touch(sessionID)
			err = apperr.Validation(op, "malformed frame")
		case !known:
			h.sessions.Touch(sessionID)
			err = apperr.Validation(op, "unknown message type %q", in.Type)
		default:
			h.sessions.Touch(sessionID)
			err = h.safely(op, func() error { return entry.handle(h, sessionID, in) })
		}

		if err != nil {
			h.reject(sessionID, op, in.RequestID, err)
			return err
		}
		h.metrics.ObserveOp(op, "")
		return nil
	})
}

// safely converts a panic in fn into an internal fault.
func (h *Hub) safely(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("handler panicked", "op", op, "panic", r)
			err = apperr.Internal(op, fmt.Errorf("panic: %v", r))
		}
	}()
	return fn()
}

func (h *Hub) reject(sessionID, op, requestID string, err error) {
	code := apperr.CodeOf(err)
	h.metrics.ObserveOp(op, string(code))
	if code == apperr.CodeInternal {
		h.logger.Error("operation failed", "session_id", sessionID, "op", op, "error", err)
	} else {
		h.logger.Debug("operation rejected", "session_id", sessionID, "op", op, "code", code, "error", err)
	}
	h.send(sessionID, TypeError, ErrorPayload{
		Code:      code,
		Message:   apperr.PublicMessage(err),
		Op:        op,
		RequestID: requestID,
	})
}

func decode[T any](op string, in Inbound) (T, error) {
	var v T
	if len(in.Payload) == 0 {
		return v, apperr.Validation(op, "payload is required")
	}
	if err := json.Unmarshal(in.Payload, &v); err != nil {
		return v, apperr.Validation(op, "invalid payload: %v", err)
	}
	return v, nil
}

// userFor resolves the user a request acts as. A session already bound to a
// user may only act as that user. For an unbound session it returns the
// claimed id with bind set; the handler binds it with bindUser once nothing
// else can fail.
func (h *Hub) userFor(sessionID, op, claimed string) (userID string, bind bool, err error) {
	sess, _ := h.sessions.Get(sessionID)
	claimed = strings.TrimSpace(claimed)
	switch {
	case claimed == "" && sess.UserID == "":
		return "", false, apperr.Validation(op, "userId is required")
	case claimed == "":
		return sess.UserID, false, nil
	case sess.UserID != "" && claimed != sess.UserID:
		return "", false, apperr.PermissionDenied(op, "session is bound to another user")
	}
	return claimed, sess.UserID == "", nil
}

func (h *Hub) bindUser(sessionID, userID string, bind bool) {
	if bind {
		h.sessions.Identify(sessionID, userID, "", "")
	}
}

func (h *Hub) roleFor(sessionID, op, requested string) (session.Role, error) {
	role := session.Role(strings.TrimSpace(requested))
	if role == "" {
		sess, _ := h.sessions.Get(sessionID)
		role = sess.Role
	}
	if role == "" {
		return "", apperr.Validation(op, "role is required")
	}
	if !role.Valid() {
		return "", apperr.Validation(op, "unknown role %q", role)
	}
	return role, nil
}

// memberRooms computes the rooms a join or leave request covers. Ids missing
// from the request fall back to the session's bound identity.
func (h *Hub) memberRooms(sessionID, op string, req joinRequest) (session.Role, string, string, []string, error) {
	role, err := h.roleFor(sessionID, op, req.Role)
	if err != nil {
		return "", "", "", nil, err
	}
	sess, _ := h.sessions.Get(sessionID)
	userID, staffID := req.UserID, req.StaffID
	switch {
	case userID == "":
		userID = sess.UserID
	case sess.UserID != "" && sess.UserID != userID:
		return "", "", "", nil, apperr.PermissionDenied(op, "session is bound to another user")
	}
	switch {
	case staffID == "":
		staffID = sess.StaffID
	case sess.StaffID != "" && sess.StaffID != staffID:
		return "", "", "", nil, apperr.PermissionDenied(op, "session is bound to another staff member")
	}
	return role, userID, staffID, room.Unique(room.ForMember(role, userID, staffID)), nil
}

func (h *Hub) handleJoin(sessionID string, in Inbound) error {
	req, err := decode[joinRequest]("join", in)
	if err != nil {
		return err
	}
	role, userID, staffID, rooms, err := h.memberRooms(sessionID, "join", req)
	if err != nil {
		return err
	}
	h.sessions.Identify(sessionID, userID, staffID, role)
	for _, name := range rooms {
		h.router.Join(sessionID, name)
	}
	h.logger.Debug("session joined rooms", "session_id", sessionID, "role", role, "rooms", rooms)
	h.send(sessionID, TypeJoined, roomsPayload{Rooms: rooms})
	return nil
}

func (h *Hub) handleLeave(sessionID string, in Inbound) error {
	req, err := decode[joinRequest]("leave", in)
	if err != nil {
		return err
	}
	_, _, _, rooms, err := h.memberRooms(sessionID, "leave", req)
	if err != nil {
		return err
	}
	left := make([]string, 0, len(rooms))
	for _, name := range rooms {
		if h.router.Leave(sessionID, name) {
			left = append(left, name)
		}
	}
	h.send(sessionID, TypeLeft, roomsPayload{Rooms: left})
	return nil
}

func (h *Hub) handlePresence(sessionID string, in Inbound) error {
	const op = "presence"
	req, err := decode[presenceRequest](op, in)
	if err != nil {
		return err
	}
	status := presence.Online
	if req.Status != "" {
		var ok bool
		if status, ok = presence.ParseStatus(req.Status); !ok {
			return apperr.Validation(op, "unknown status %q", req.Status)
		}
	}
	role, err := h.roleFor(sessionID, op, req.Role)
	if err != nil {
		return err
	}
	userID, bind, err := h.userFor(sessionID, op, req.UserID)
	if err != nil {
		return err
	}
	h.bindUser(sessionID, userID, bind)

	rec, _ := h.presence.Set(userID, sessionID, role, status, req.Page)
	h.announcePresence(rec, "")
	h.announceOnlineCounts()
	return nil
}

func (h *Hub) handleTypingStart(sessionID string, in Inbound) error {
	const op = "typing_start"
	req, err := decode[typingRequest](op, in)
	if err != nil {
		return err
	}
	if req.Room == "" {
		return apperr.Validation(op, "room is required")
	}
	userID, bind, err := h.userFor(sessionID, op, req.UserID)
	if err != nil {
		return err
	}
	h.bindUser(sessionID, userID, bind)
	ind := h.presence.StartTyping(userID, req.UserName, req.Room)
	n := h.router.BroadcastExcept(req.Room, h.frame(TypeTypingStarted, ind), sessionID)
	h.metrics.Broadcast("typing", n)
	return nil
}

func (h *Hub) handleTypingStop(sessionID string, in Inbound) error {
	const op = "typing_stop"
	req, err := decode[typingRequest](op, in)
	if err != nil {
		return err
	}
	userID, bind, err := h.userFor(sessionID, op, req.UserID)
	if err != nil {
		return err
	}
	h.bindUser(sessionID, userID, bind)
	ind, ok := h.presence.StopTyping(userID, req.Room)
	if !ok {
		return nil
	}
	n := h.router.BroadcastExcept(ind.Room, h.frame(TypeTypingStopped, ind), sessionID)
	h.metrics.Broadcast("typing", n)
	return nil
}

func (h *Hub) handleHeartbeat(sessionID string, in Inbound) error {
	const op = "heartbeat"
	var req heartbeatRequest
	if len(in.Payload) > 0 {
		var err error
		if req, err = decode[heartbeatRequest](op, in); err != nil {
			return err
		}
	}
	userID, bind, err := h.userFor(sessionID, op, req.UserID)
	if err != nil {
		return err
	}
	if !h.presence.Heartbeat(userID) {
		return apperr.NotFound(op, "no presence for user %s", userID)
	}
	h.bindUser(sessionID, userID, bind)
	h.send(sessionID, TypeHeartbeatAck, heartbeatAck{ClientTimestamp: req.Timestamp, ServerTime: h.now()})
	return nil
}

// tabRequest decodes a tab operation. req.UserID is replaced by the resolved
// user; bind reports whether the session still has to be bound to it.
func (h *Hub) tabRequest(sessionID, op string, in Inbound) (req tabRequest, bind bool, err error) {
	if req, err = decode[tabRequest](op, in); err != nil {
		return req, false, err
	}
	if req.TabID == "" {
		return req, false, apperr.Validation(op, "tabId is required")
	}
	req.UserID, bind, err = h.userFor(sessionID, op, req.UserID)
	return req, bind, err
}

func (h *Hub) handleTabRegister(sessionID string, in Inbound) error {
	req, bind, err := h.tabRequest(sessionID, "tab_register", in)
	if err != nil {
		return err
	}
	userID := req.UserID
	h.bindUser(sessionID, userID, bind)
	tab, siblings, total, created := h.tabs.Register(userID, req.TabID, sessionID, req.Metadata)

	ids := make([]string, 0, len(siblings))
	for _, s := range siblings {
		ids = append(ids, s.TabID)
	}
	h.send(sessionID, TypeTabRegistered, tabNotice{
		UserID:    userID,
		TabID:     tab.TabID,
		TotalTabs: total,
		Metadata:  tab.Metadata,
		Siblings:  ids,
	})
	if created {
		h.sendToTabs(siblings, TypeTabJoined, tabNotice{
			UserID:    userID,
			TabID:     tab.TabID,
			TotalTabs: total,
			Metadata:  tab.Metadata,
		})
	}
	return nil
}

func (h *Hub) handleTabUnregister(sessionID string, in Inbound) error {
	const op = "tab_unregister"
	req, bind, err := h.tabRequest(sessionID, op, in)
	if err != nil {
		return err
	}
	userID := req.UserID
	_, remaining, ok := h.tabs.Unregister(userID, req.TabID)
	if !ok {
		return apperr.NotFound(op, "tab %s is not registered", req.TabID)
	}
	h.bindUser(sessionID, userID, bind)
	h.sendToTabs(remaining, TypeTabLeft, tabNotice{UserID: userID, TabID: req.TabID, TotalTabs: len(remaining)})
	return nil
}

func (h *Hub) handleTabActivity(sessionID string, in Inbound) error {
	const op = "tab_activity"
	req, bind, err := h.tabRequest(sessionID, op, in)
	if err != nil {
		return err
	}
	if !h.tabs.Activity(req.UserID, req.TabID) {
		return apperr.NotFound(op, "tab %s is not registered", req.TabID)
	}
	h.bindUser(sessionID, req.UserID, bind)
	return nil
}

func (h *Hub) handleTabFocus(sessionID string, in Inbound) error {
	return h.tabFocus(sessionID, "tab_focus", in, true)
}

func (h *Hub) handleTabBlur(sessionID string, in Inbound) error {
	return h.tabFocus(sessionID, "tab_blur", in, false)
}

func (h *Hub) tabFocus(sessionID, op string, in Inbound, focused bool) error {
	req, bind, err := h.tabRequest(sessionID, op, in)
	if err != nil {
		return err
	}
	userID := req.UserID
	change := h.tabs.Blur
	if focused {
		change = h.tabs.Focus
	}
	siblings, ok := change(userID, req.TabID)
	if !ok {
		return apperr.NotFound(op, "tab %s is not registered", req.TabID)
	}
	h.bindUser(sessionID, userID, bind)
	h.sendToTabs(siblings, TypeTabFocusChanged, focusNotice{UserID: userID, TabID: req.TabID, Focused: focused})
	return nil
}

func (h *Hub) handleSyncBroadcast(sessionID string, in Inbound) error {
	const op = "sync_broadcast"
	req, err := decode[syncBroadcastRequest](op, in)
	if err != nil {
		return err
	}
	if req.Type == "" || req.Action == "" {
		return apperr.Validation(op, "type and action are required")
	}
	userID, bind, err := h.userFor(sessionID, op, req.UserID)
	if err != nil {
		return err
	}
	h.bindUser(sessionID, userID, bind)
	h.recordSync(userID, req.Type, req.Action, req.Payload, tabsync.Delivery{
		TabID:        req.TargetTabID,
		ExcludeTabID: req.TabID,
	})
	return nil
}

// recordSync appends a sync event to the replay log and fans it out to the
// user's tabs.
func (h *Hub) recordSync(userID, eventType, action string, payload json.RawMessage, d tabsync.Delivery) (tabsync.SyncEvent, int) {
	ev, recipients := h.tabs.Record(userID, eventType, action, payload, d)
	n := h.sendToTabs(recipients, TypeSyncEvent, ev)
	h.metrics.Broadcast("sync", n)
	return ev, n
}

func (h *Hub) handleSyncRequest(sessionID string, in Inbound) error {
	const op = "sync_request"
	var req syncRequest
	if len(in.Payload) > 0 {
		var err error
		if req, err = decode[syncRequest](op, in); err != nil {
			return err
		}
	}
	userID, bind, err := h.userFor(sessionID, op, req.UserID)
	if err != nil {
		return err
	}
	h.bindUser(sessionID, userID, bind)
	var since time.Time
	if req.LastSyncTime != nil {
		since = *req.LastSyncTime
	}
	events := h.tabs.ReplaySince(userID, req.TabID, since)
	if req.TabID != "" {
		h.tabs.Activity(userID, req.TabID)
	}
	h.send(sessionID, TypeSyncEvents, syncEventsPayload{Events: events, ServerTime: h.now()})
	return nil
}

func (h *Hub) handleCountersRequest(sessionID string, in Inbound) error {
	const op = "counters_request"
	var req countersRequest
	if len(in.Payload) > 0 {
		var err error
		if req, err = decode[countersRequest](op, in); err != nil {
			return err
		}
	}
	sess, _ := h.sessions.Get(sessionID)
	privileged := sess.Role.Privileged()
	// An unbound session owns no counters, so any id it names is someone else's.
	if !privileged {
		if req.UserID != "" && req.UserID != sess.UserID {
			return apperr.PermissionDenied(op, "cannot read another user's counters")
		}
		if req.StaffID != "" && req.StaffID != sess.StaffID {
			return apperr.PermissionDenied(op, "cannot read another staff member's counters")
		}
		if req.UserID == "" && req.StaffID == "" {
			req.UserID, req.StaffID = sess.UserID, sess.StaffID
		}
	}

	var prefixes []string
	if req.UserID != "" {
		prefixes = append(prefixes, room.User(req.UserID)+":")
	}
	if req.StaffID != "" {
		prefixes = append(prefixes, room.Staff(req.StaffID)+":")
	}
	snap, err := h.board.Snapshot(req.Types, prefixes)
	if err != nil {
		return err
	}
	if !privileged && len(prefixes) == 0 {
		clear(snap.Individual)
	}
	h.send(sessionID, TypeCountersSnapshot, snap)
	return nil
}

func (h *Hub) handleProgressCancel(sessionID string, in Inbound) error {
	const op = "progress_cancel"
	req, err := decode[progressCancelRequest](op, in)
	if err != nil {
		return err
	}
	if req.ID == "" {
		return apperr.Validation(op, "id is required")
	}
	userID, bind, err := h.userFor(sessionID, op, req.UserID)
	if err != nil {
		return err
	}
	sess, _ := h.sessions.Get(sessionID)
	task, err := h.progress.Cancel(req.ID, userID, sess.Role)
	if err != nil {
		return err
	}
	h.bindUser(sessionID, userID, bind)
	h.logger.Info("progress cancelled", "task_id", task.ID, "owner", task.UserID, "by", userID)
	h.announceProgress(task)
	return nil
}
