package server

import (
	"encoding/json"
	"time"

	"github.com/Tyrowin/fanout/internal/apperr"
)

// Inbound message types.
const (
	TypeJoin            = "room:join"
	TypeLeave           = "room:leave"
	TypePresenceUpdate  = "presence:update"
	TypeTypingStart     = "typing:start"
	TypeTypingStop      = "typing:stop"
	TypeHeartbeat       = "heartbeat"
	TypeTabRegister     = "tab:register"
	TypeTabUnregister   = "tab:unregister"
	TypeTabActivity     = "tab:activity"
	TypeTabFocus        = "tab:focus"
	TypeTabBlur         = "tab:blur"
	TypeSyncBroadcast   = "sync:broadcast"
	TypeSyncRequest     = "sync:request"
	TypeCountersRequest = "counters:request"
	TypeProgressCancel  = "progress:cancel"
)

// Outbound message types.
const (
	TypeConnected         = "session:connected"
	TypeError             = "error"
	TypeJoined            = "room:joined"
	TypeLeft              = "room:left"
	TypePresenceChanged   = "presence:changed"
	TypeOnlineCounts      = "presence:online_counts"
	TypeTypingStarted     = "typing:started"
	TypeTypingStopped     = "typing:stopped"
	TypeHeartbeatAck      = "heartbeat:ack"
	TypeTabRegistered     = "tab:registered"
	TypeTabJoined         = "tab:joined"
	TypeTabLeft           = "tab:left"
	TypeTabFocusChanged   = "tab:focus_changed"
	TypeSyncEvent         = "sync:event"
	TypeSyncEvents        = "sync:events"
	TypeCountersUpdate    = "counters:update"
	TypeIndividualCounter = "counters:individual"
	TypeCountersSnapshot  = "counters:snapshot"
	TypeProgressUpdate    = "progress:update"
)

// Inbound is a frame received from a session.
type Inbound struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Outbound is a frame sent to sessions.
type Outbound struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorPayload is the body of an error frame.
type ErrorPayload struct {
	Code      apperr.Code `json:"code"`
	Message   string      `json:"message"`
	Op        string      `json:"op"`
	RequestID string      `json:"requestId,omitempty"`
}

type joinRequest struct {
	Role    string `json:"role"`
	UserID  string `json:"userId"`
	StaffID string `json:"staffId"`
}

type presenceRequest struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	Status string `json:"status"`
	Page   string `json:"page"`
}

type typingRequest struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Room     string `json:"room"`
}

type heartbeatRequest struct {
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

type tabRequest struct {
	UserID   string            `json:"userId"`
	TabID    string            `json:"tabId"`
	Metadata map[string]string `json:"metadata"`
}

type syncBroadcastRequest struct {
	UserID      string          `json:"userId"`
	TabID       string          `json:"tabId"`
	TargetTabID string          `json:"targetTabId"`
	Type        string          `json:"type"`
	Action      string          `json:"action"`
	Payload     json.RawMessage `json:"payload"`
}

type syncRequest struct {
	UserID       string     `json:"userId"`
	TabID        string     `json:"tabId"`
	LastSyncTime *time.Time `json:"lastSyncTime"`
}

type countersRequest struct {
	Types   []string `json:"types"`
	UserID  string   `json:"userId"`
	StaffID string   `json:"staffId"`
}

type progressCancelRequest struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
}

type roomsPayload struct {
	Rooms []string `json:"rooms"`
}

type heartbeatAck struct {
	ClientTimestamp int64     `json:"clientTimestamp,omitempty"`
	ServerTime      time.Time `json:"serverTime"`
}

type tabNotice struct {
	UserID    string            `json:"userId"`
	TabID     string            `json:"tabId"`
	TotalTabs int               `json:"totalTabs"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Siblings  []string          `json:"siblings,omitempty"`
}

type focusNotice struct {
	UserID  string `json:"userId"`
	TabID   string `json:"tabId"`
	Focused bool   `json:"focused"`
}

type presenceNotice struct {
	UserID      string    `json:"userId"`
	Role        string    `json:"role"`
	Status      string    `json:"status"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
	CurrentPage string    `json:"currentPage,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

type syncEventsPayload struct {
	Events     any       `json:"events"`
	ServerTime time.Time `json:"serverTime"`
}
