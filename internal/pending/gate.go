// Package pending turns outbound effects into confirmation requests and
// performs them once the user has confirmed.
package pending

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/capitalize-ai/business-assistant/internal/model"
)

// DefaultDispatchEndpoint is the path the client calls after confirmation.
const DefaultDispatchEndpoint = "/api/v1/assistant/dispatch"

const previewLength = 280

// Draft is what a handler knows about the message it wants sent.
type Draft struct {
	TenantID        string
	Kind            model.PendingKind
	Recipients      []string
	Subject         string
	Body            string
	RelatedRecordID string
	// Extra is merged into the dispatch payload. It cannot override the
	// standard keys.
	Extra map[string]any
}

// Gate builds pending actions. The zero value is not usable; call NewGate.
type Gate struct {
	endpoint string
	sealer   *Sealer
	newKey   func() string
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithKeyFunc replaces the idempotency key generator.
func WithKeyFunc(fn func() string) GateOption {
	return func(g *Gate) { g.newKey = fn }
}

// NewGate creates a gate pointing clients at endpoint. Payloads are sealed
// with sealer; without one they are built unsealed and no dispatcher will
// accept them.
func NewGate(endpoint string, sealer *Sealer, opts ...GateOption) *Gate {
	if endpoint == "" {
		endpoint = DefaultDispatchEndpoint
	}
	g := &Gate{
		endpoint: endpoint,
		sealer:   sealer,
		newKey:   func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Build creates the pending action with a fresh idempotency key.
func (g *Gate) Build(d Draft) (*model.PendingAction, error) {
	to := strings.Join(d.Recipients, ", ")

	payload := make(map[string]any, len(d.Extra)+7)
	for k, v := range d.Extra {
		payload[k] = v
	}
	payload[model.PayloadIdempotencyKey] = g.newKey()
	payload[model.PayloadKind] = string(d.Kind)
	payload[model.PayloadTo] = to
	payload[model.PayloadSubject] = d.Subject
	payload[model.PayloadBody] = d.Body
	if d.RelatedRecordID != "" {
		payload[model.PayloadRelatedRecord] = d.RelatedRecordID
	}
	delete(payload, model.PayloadSeal)
	if g.sealer != nil {
		seal, err := g.sealer.Seal(d.TenantID, payload)
		if err != nil {
			return nil, fmt.Errorf("seal dispatch payload: %w", err)
		}
		payload[model.PayloadSeal] = seal
	}

	return &model.PendingAction{
		Kind:             d.Kind,
		Recipient:        to,
		Subject:          d.Subject,
		BodyPreview:      preview(d.Body),
		DispatchEndpoint: g.endpoint,
		DispatchPayload:  payload,
		RelatedRecordID:  d.RelatedRecordID,
	}, nil
}

func preview(body string) string {
	body = strings.TrimSpace(body)
	if utf8.RuneCountInString(body) <= previewLength {
		return body
	}
	runes := []rune(body)
	return string(runes[:previewLength]) + "…"
}

// ModelNotice is the result text the model receives for a pending action.
// It must never read as if the effect already happened.
func ModelNotice(pa *model.PendingAction) string {
	what := "message"
	switch pa.Kind {
	case model.PendingSendSupplierOrder:
		what = "supplier order"
	case model.PendingSendReminder:
		what = "payment reminder"
	case model.PendingSendEmail:
		what = "email"
	}
	return fmt.Sprintf(
		"The %s to %s (subject %q) has NOT been sent. It requires user confirmation: "+
			"the user now sees a confirm button and it is only sent if they press it. "+
			"Tell the user it is ready for their confirmation, not that it was sent.",
		what, pa.Recipient, pa.Subject,
	)
}
