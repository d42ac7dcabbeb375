package model

// ActionRequest is a structured call requested by the model during one round.
type ActionRequest struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// HandlerResult is what a handler hands back to the session controller.
type HandlerResult struct {
	ResultText       string         `json:"result_text"`
	TouchedRecordIDs []string       `json:"touched_record_ids,omitempty"`
	PendingAction    *PendingAction `json:"pending_action,omitempty"`
}

// PendingKind identifies the deferred external effect of a pending action.
type PendingKind string

const (
	PendingSendEmail         PendingKind = "send_email"
	PendingSendSupplierOrder PendingKind = "send_supplier_order"
	PendingSendReminder      PendingKind = "send_reminder"
)

// Valid reports whether k is one of the known pending kinds.
func (k PendingKind) Valid() bool {
	switch k {
	case PendingSendEmail, PendingSendSupplierOrder, PendingSendReminder:
		return true
	}
	return false
}

// PendingAction describes an irreversible effect that needs an explicit user
// confirmation followed by a separate dispatch call before it happens.
type PendingAction struct {
	Kind             PendingKind    `json:"kind"`
	Recipient        string         `json:"recipient"`
	Subject          string         `json:"subject"`
	BodyPreview      string         `json:"body_preview"`
	DispatchEndpoint string         `json:"dispatch_endpoint"`
	DispatchPayload  map[string]any `json:"dispatch_payload"`
	RelatedRecordID  string         `json:"related_record_id,omitempty"`
}

// IdempotencyKey returns the key embedded in the dispatch payload, if any.
func (p *PendingAction) IdempotencyKey() string {
	if p == nil || p.DispatchPayload == nil {
		return ""
	}
	key, _ := p.DispatchPayload[PayloadIdempotencyKey].(string)
	return key
}

// Dispatch payload keys shared by the gate and the dispatcher.
const (
	PayloadIdempotencyKey = "idempotencyKey"
	PayloadKind           = "kind"
	PayloadTo             = "to"
	PayloadSubject        = "subject"
	PayloadBody           = "body"
	PayloadRelatedRecord  = "relatedRecordId"
	PayloadSeal           = "seal"
)
