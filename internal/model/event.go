package model

import (
	"time"
)

// EventType represents the type of conversation event.
type EventType string

const (
	EventTypeStart          EventType = "start"
	EventTypeToken          EventType = "token"
	EventTypeActionRequests EventType = "action_requests"
	EventTypeActionResult   EventType = "action_result"
	EventTypePendingAction  EventType = "pending_action"
	EventTypeDone           EventType = "done"
	EventTypeError          EventType = "error"
)

// Terminal reports whether no event may follow one of this type.
func (t EventType) Terminal() bool {
	return t == EventTypeDone || t == EventTypeError
}

// ConversationEvent is one record on the delivery channel. Exactly one of the
// payload fields is set, matching Type.
type ConversationEvent struct {
	Type      EventType `json:"type"`
	TurnID    string    `json:"turn_id"`
	Sequence  uint64    `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`

	Start          *StartEvent        `json:"start,omitempty"`
	Token          *TokenEvent        `json:"token,omitempty"`
	ActionRequests []ActionRequest    `json:"action_requests,omitempty"`
	ActionResult   *ActionResultEvent `json:"action_result,omitempty"`
	PendingAction  *PendingAction     `json:"pending_action,omitempty"`
	Done           *DoneEvent         `json:"done,omitempty"`
	Error          *ErrorEvent        `json:"error,omitempty"`
}

// StartEvent opens a turn.
type StartEvent struct {
	TenantID string `json:"tenant_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// TokenEvent represents a streaming token event.
type TokenEvent struct {
	Token string `json:"token"`
	Index int    `json:"index"`
	Round int    `json:"round"`
}

// ActionResultEvent reports the outcome of one executed action.
type ActionResultEvent struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ResultText string `json:"result_text"`
	Round      int    `json:"round"`
}

// DoneEvent terminates a turn successfully.
type DoneEvent struct {
	DurationMs       int64    `json:"duration_ms"`
	TouchedRecordIDs []string `json:"touched_record_ids"`
	Rounds           int      `json:"rounds"`
}

// ErrorEvent terminates a turn that could not complete.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
