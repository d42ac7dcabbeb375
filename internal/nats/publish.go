package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/business-assistant/internal/delivery"
	"github.com/capitalize-ai/business-assistant/internal/model"
	"github.com/capitalize-ai/business-assistant/internal/pending"
	"github.com/capitalize-ai/business-assistant/pkg/logger"
)

const publishTimeout = 2 * time.Second

// TurnAuditSink records the events of one turn on the turns stream. Token
// events are skipped; the final text is recoverable from the model output.
type TurnAuditSink struct {
	js       publisher
	ctx      context.Context
	tenantID string
	log      *logger.Logger
}

// AuditSink creates a sink for one turn. ctx should outlive client
// cancellation so the final events of an aborted turn are still recorded.
func (m *StreamManager) AuditSink(ctx context.Context, tenantID string) delivery.Sink {
	return newTurnAuditSink(ctx, m.client.JetStream(), tenantID, m.client.logger)
}

func newTurnAuditSink(ctx context.Context, js publisher, tenantID string, log *logger.Logger) *TurnAuditSink {
	if log == nil {
		log = logger.NewNop()
	}
	return &TurnAuditSink{js: js, ctx: ctx, tenantID: tenantID, log: log}
}

// Send implements delivery.Sink.
func (s *TurnAuditSink) Send(ev *model.ConversationEvent) error {
	if ev.Type == model.EventTypeToken {
		return nil
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := nats.NewMsg(TurnEventSubject(s.tenantID, ev.TurnID, ev.Type))
	msg.Data = data
	// One message per (turn, sequence); a retried publish is dropped by the server.
	msg.Header.Set(nats.MsgIdHdr, fmt.Sprintf("%s-%d", ev.TurnID, ev.Sequence))

	ctx, cancel := context.WithTimeout(s.ctx, publishTimeout)
	defer cancel()
	if _, err := s.js.PublishMsg(ctx, msg, jetstream.WithExpectStream(TurnsStream)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	s.log.Debug("turn event recorded",
		zap.String("turn_id", ev.TurnID),
		zap.String("event", string(ev.Type)),
		zap.Uint64("sequence", ev.Sequence),
	)
	return nil
}

// OutboxPublisher hands confirmed messages to the mail worker through the
// outbox stream. The idempotency key doubles as the JetStream message id.
type OutboxPublisher struct {
	js publisher
}

// NewOutboxPublisher creates an outbox publisher.
func (m *StreamManager) NewOutboxPublisher() *OutboxPublisher {
	return &OutboxPublisher{js: m.client.JetStream()}
}

// Publish implements pending.Outbox.
func (p *OutboxPublisher) Publish(ctx context.Context, out *pending.OutboundMessage) (uint64, error) {
	data, err := json.Marshal(out)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal outbound message: %w", err)
	}

	msg := nats.NewMsg(OutboxSubject(out.TenantID, out.Kind))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, out.IdempotencyKey)

	ack, err := p.js.PublishMsg(ctx, msg, jetstream.WithExpectStream(OutboxStream))
	if err != nil {
		return 0, fmt.Errorf("failed to publish outbound message: %w", err)
	}
	if ack.Duplicate {
		return ack.Sequence, fmt.Errorf("outbound message %s: %w", out.IdempotencyKey, pending.ErrAlreadySent)
	}
	return ack.Sequence, nil
}
