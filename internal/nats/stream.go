package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/business-assistant/internal/model"
)

const (
	// TurnsStream holds the delivered events of every assistant turn.
	TurnsStream = "ASSISTANT_TURNS"
	// OutboxStream holds confirmed outbound messages for the mail worker.
	OutboxStream = "ASSISTANT_OUTBOX"

	// SubjectPrefix is the prefix for all assistant subjects.
	SubjectPrefix = "assistant"
)

// publisher is the part of jetstream.JetStream used for writes.
type publisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// StreamConfig tunes the streams created by EnsureStreams.
type StreamConfig struct {
	TurnsMaxAge     time.Duration
	OutboxMaxAge    time.Duration
	DuplicateWindow time.Duration
	Replicas        int
}

// DefaultStreamConfig returns the production defaults.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		TurnsMaxAge:     90 * 24 * time.Hour,
		OutboxMaxAge:    30 * 24 * time.Hour,
		DuplicateWindow: 24 * time.Hour,
		Replicas:        1,
	}
}

// StreamManager handles JetStream stream operations.
type StreamManager struct {
	client *Client
	cfg    StreamConfig
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client, cfg StreamConfig) *StreamManager {
	return &StreamManager{client: client, cfg: cfg}
}

// EnsureStreams creates the turns and outbox streams or updates their
// configuration.
func (m *StreamManager) EnsureStreams(ctx context.Context) error {
	for _, sc := range m.streamConfigs() {
		if _, err := m.client.JetStream().CreateOrUpdateStream(ctx, sc); err != nil {
			return fmt.Errorf("failed to ensure stream %s: %w", sc.Name, err)
		}
	}
	return nil
}

func (m *StreamManager) streamConfigs() []jetstream.StreamConfig {
	replicas := m.cfg.Replicas
	if replicas < 1 {
		replicas = 1
	}
	return []jetstream.StreamConfig{
		{
			Name:        TurnsStream,
			Subjects:    []string{fmt.Sprintf("%s.*.turn.>", SubjectPrefix)},
			Retention:   jetstream.LimitsPolicy,
			MaxAge:      m.cfg.TurnsMaxAge,
			Storage:     jetstream.FileStorage,
			Replicas:    replicas,
			Compression: jetstream.S2Compression,
			DenyDelete:  true,
			DenyPurge:   true,
			Description: "Assistant turn events for audit and replay",
		},
		{
			Name:        OutboxStream,
			Subjects:    []string{fmt.Sprintf("%s.*.outbox.>", SubjectPrefix)},
			Retention:   jetstream.WorkQueuePolicy,
			MaxAge:      m.cfg.OutboxMaxAge,
			Storage:     jetstream.FileStorage,
			Replicas:    replicas,
			Duplicates:  m.cfg.DuplicateWindow,
			Description: "Confirmed outbound messages waiting for the mail worker",
		},
	}
}

// TurnEventSubject returns the subject for one event of a turn.
func TurnEventSubject(tenantID, turnID string, eventType model.EventType) string {
	return fmt.Sprintf("%s.%s.turn.%s.%s", SubjectPrefix, token(tenantID), turnID, eventType)
}

// TurnFilter matches every event of a turn.
func TurnFilter(tenantID, turnID string) string {
	return fmt.Sprintf("%s.%s.turn.%s.>", SubjectPrefix, token(tenantID), turnID)
}

// OutboxSubject returns the subject for a confirmed outbound message.
func OutboxSubject(tenantID string, kind model.PendingKind) string {
	return fmt.Sprintf("%s.%s.outbox.%s", SubjectPrefix, token(tenantID), kind)
}

// token keeps empty tenants from producing an empty subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return s
}

// ErrTurnNotFound is returned when a turn has no recorded events.
var ErrTurnNotFound = errors.New("turn not found")

// TurnEvents replays the recorded events of one turn in delivery order.
func (m *StreamManager) TurnEvents(ctx context.Context, tenantID, turnID string, limit int) ([]model.ConversationEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	consumer, err := m.client.JetStream().OrderedConsumer(ctx, TurnsStream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{TurnFilter(tenantID, turnID)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}

	var events []model.ConversationEvent
	for msg := range batch.Messages() {
		var ev model.ConversationEvent
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			continue
		}
		events = append(events, ev)
		if ev.Type.Terminal() {
			break
		}
	}

	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, nats.ErrTimeout) {
		return nil, fmt.Errorf("batch error: %w", err)
	}
	if len(events) == 0 {
		return nil, ErrTurnNotFound
	}
	return events, nil
}
