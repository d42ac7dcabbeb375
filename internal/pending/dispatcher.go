package pending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/business-assistant/internal/guard"
	"github.com/capitalize-ai/business-assistant/internal/model"
	"github.com/capitalize-ai/business-assistant/pkg/logger"
	"github.com/capitalize-ai/business-assistant/pkg/metrics"
)

// ErrInvalidPayload is returned for dispatch payloads that could not have
// been produced by Gate.Build.
var ErrInvalidPayload = errors.New("invalid dispatch payload")

// ErrAlreadySent is returned by an Outbox that recognised the idempotency key
// of an earlier publish.
var ErrAlreadySent = errors.New("already sent")

// OutboundMessage is handed to the outbox once a dispatch is confirmed.
type OutboundMessage struct {
	IdempotencyKey  string            `json:"idempotency_key"`
	Kind            model.PendingKind `json:"kind"`
	TenantID        string            `json:"tenant_id"`
	UserID          string            `json:"user_id"`
	To              []string          `json:"to"`
	Subject         string            `json:"subject"`
	Body            string            `json:"body"`
	RelatedRecordID string            `json:"related_record_id,omitempty"`
	Extra           map[string]any    `json:"extra,omitempty"`
	ConfirmedAt     time.Time         `json:"confirmed_at"`
}

// Outbox delivers confirmed messages to the outbound transport.
type Outbox interface {
	Publish(ctx context.Context, msg *OutboundMessage) (uint64, error)
}

// DispatchRequest is one confirmed pending action.
type DispatchRequest struct {
	TenantID string
	UserID   string
	Kind     model.PendingKind
	Payload  map[string]any
}

// DispatchResult reports what the dispatcher did.
type DispatchResult struct {
	Status         model.DispatchStatus
	IdempotencyKey string
	Sequence       uint64
}

// Dispatcher performs confirmed pending actions at most once per key.
type Dispatcher struct {
	deduper Deduper
	outbox  Outbox
	sealer  *Sealer
	log     *logger.Logger
	now     func() time.Time
}

// NewDispatcher creates a dispatcher that accepts payloads sealed by sealer.
func NewDispatcher(deduper Deduper, outbox Outbox, sealer *Sealer, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NewNop()
	}
	return &Dispatcher{
		deduper: deduper,
		outbox:  outbox,
		sealer:  sealer,
		log:     log.Named("dispatch"),
		now:     time.Now,
	}
}

// Dispatch validates req, claims its idempotency key and publishes it.
// A key that was already claimed yields DispatchDuplicate and no publish.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	msg, err := d.decode(req)
	if err != nil {
		return nil, err
	}

	// Keys are per tenant so one company cannot block another's dispatch.
	claimKey := req.TenantID + ":" + msg.IdempotencyKey
	claimed, err := d.deduper.Claim(ctx, claimKey)
	if err != nil {
		return nil, fmt.Errorf("claim idempotency key: %w", err)
	}
	if !claimed {
		d.log.Info("duplicate dispatch ignored",
			zap.String("kind", string(msg.Kind)),
			zap.String("idempotency_key", msg.IdempotencyKey),
			zap.String("tenant_id", req.TenantID),
		)
		metrics.DispatchTotal.WithLabelValues(string(msg.Kind), string(model.DispatchDuplicate)).Inc()
		return &DispatchResult{Status: model.DispatchDuplicate, IdempotencyKey: msg.IdempotencyKey}, nil
	}

	seq, err := d.outbox.Publish(ctx, msg)
	if errors.Is(err, ErrAlreadySent) {
		d.log.Info("duplicate dispatch caught by outbox",
			zap.String("kind", string(msg.Kind)),
			zap.String("idempotency_key", msg.IdempotencyKey),
			zap.String("tenant_id", req.TenantID),
		)
		metrics.DispatchTotal.WithLabelValues(string(msg.Kind), string(model.DispatchDuplicate)).Inc()
		return &DispatchResult{Status: model.DispatchDuplicate, IdempotencyKey: msg.IdempotencyKey, Sequence: seq}, nil
	}
	if err != nil {
		if rerr := d.deduper.Release(context.WithoutCancel(ctx), claimKey); rerr != nil {
			d.log.Error("failed to release idempotency key",
				zap.String("idempotency_key", msg.IdempotencyKey),
				zap.Error(rerr),
			)
		}
		metrics.DispatchTotal.WithLabelValues(string(msg.Kind), "failed").Inc()
		return nil, fmt.Errorf("publish outbound message: %w", err)
	}

	d.log.Info("dispatched pending action",
		zap.String("kind", string(msg.Kind)),
		zap.String("idempotency_key", msg.IdempotencyKey),
		zap.Int("recipients", len(msg.To)),
		zap.Uint64("sequence", seq),
	)
	metrics.DispatchTotal.WithLabelValues(string(msg.Kind), string(model.DispatchSent)).Inc()
	return &DispatchResult{Status: model.DispatchSent, IdempotencyKey: msg.IdempotencyKey, Sequence: seq}, nil
}

func (d *Dispatcher) decode(req DispatchRequest) (*OutboundMessage, error) {
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, req.Kind)
	}
	p := req.Payload
	if p == nil {
		return nil, fmt.Errorf("%w: missing payload", ErrInvalidPayload)
	}
	if err := d.sealer.Verify(req.TenantID, p); err != nil {
		return nil, err
	}

	str := func(key string) string {
		s, _ := p[key].(string)
		return s
	}

	if k := str(model.PayloadKind); k != "" && k != string(req.Kind) {
		return nil, fmt.Errorf("%w: kind %q does not match payload kind %q", ErrInvalidPayload, req.Kind, k)
	}
	key := str(model.PayloadIdempotencyKey)
	if key == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidPayload, model.PayloadIdempotencyKey)
	}
	to := guard.ParseRecipients(str(model.PayloadTo))
	if len(to) == 0 {
		return nil, fmt.Errorf("%w: missing recipients", ErrInvalidPayload)
	}

	extra := map[string]any{}
	for k, v := range p {
		switch k {
		case model.PayloadIdempotencyKey, model.PayloadKind, model.PayloadTo,
			model.PayloadSubject, model.PayloadBody, model.PayloadRelatedRecord, model.PayloadSeal:
		default:
			extra[k] = v
		}
	}
	if len(extra) == 0 {
		extra = nil
	}

	return &OutboundMessage{
		IdempotencyKey:  key,
		Kind:            req.Kind,
		TenantID:        req.TenantID,
		UserID:          req.UserID,
		To:              to,
		Subject:         str(model.PayloadSubject),
		Body:            str(model.PayloadBody),
		RelatedRecordID: str(model.PayloadRelatedRecord),
		Extra:           extra,
		ConfirmedAt:     d.now().UTC(),
	}, nil
}
