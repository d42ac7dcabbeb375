package model

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// PriorTurn is one earlier exchange replayed verbatim into the model context.
type PriorTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// TurnRequest is the inbound request for one assistant turn.
type TurnRequest struct {
	Message    string      `json:"message"`
	PriorTurns []PriorTurn `json:"prior_turns,omitempty"`
	Snapshot   Snapshot    `json:"business_record_snapshot"`
	Model      string      `json:"model,omitempty"`

	// ActiveProjectID names the project the user has open, if any.
	ActiveProjectID string `json:"active_project_id,omitempty"`
}

// DispatchRequest is the body of the confirmation follow-up call that
// actually performs a pending action.
type DispatchRequest struct {
	Kind    PendingKind    `json:"kind"`
	Payload map[string]any `json:"payload"`
}

// DispatchStatus is the outcome of a dispatch call.
type DispatchStatus string

const (
	DispatchSent      DispatchStatus = "sent"
	DispatchDuplicate DispatchStatus = "duplicate"
)

// DispatchResponse is returned by the dispatch endpoint.
type DispatchResponse struct {
	Status         DispatchStatus `json:"status"`
	IdempotencyKey string         `json:"idempotency_key"`
	Sequence       uint64         `json:"sequence,omitempty"`
}

// ErrorResponse is the JSON error body for non-streaming endpoints.
type ErrorResponse struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}
