// Package delivery emits the events of one assistant turn, in order, to the
// client and to any audit sinks.
package delivery

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/business-assistant/internal/model"
	"github.com/capitalize-ai/business-assistant/pkg/logger"
)

var (
	// ErrClosed is returned for events emitted after done or error, or after
	// the client sink failed.
	ErrClosed = errors.New("delivery channel closed")
	// ErrNotStarted is returned for events emitted before start.
	ErrNotStarted = errors.New("delivery channel not started")
)

// Sink receives events.
type Sink interface {
	Send(ev *model.ConversationEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev *model.ConversationEvent) error

// Send implements Sink.
func (f SinkFunc) Send(ev *model.ConversationEvent) error { return f(ev) }

// Channel serializes the events of one turn. The primary sink is the client;
// a failure there closes the channel. Secondary sinks are best effort.
type Channel struct {
	mu        sync.Mutex
	turnID    string
	primary   Sink
	secondary []Sink
	log       *logger.Logger
	now       func() time.Time

	seq     uint64
	started bool
	closed  bool
}

// NewChannel creates a channel for turnID.
func NewChannel(turnID string, primary Sink, log *logger.Logger, secondary ...Sink) *Channel {
	if log == nil {
		log = logger.NewNop()
	}
	return &Channel{
		turnID:    turnID,
		primary:   primary,
		secondary: secondary,
		log:       log,
		now:       time.Now,
	}
}

// TurnID returns the id stamped on every event.
func (c *Channel) TurnID() string {
	return c.turnID
}

// Closed reports whether no more events will be delivered.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Emit stamps and delivers ev.
func (c *Channel) Emit(ev *model.ConversationEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if !c.started && ev.Type != model.EventTypeStart {
		return fmt.Errorf("%w: got %s", ErrNotStarted, ev.Type)
	}
	if c.started && ev.Type == model.EventTypeStart {
		return fmt.Errorf("turn %s already started", c.turnID)
	}

	c.seq++
	ev.TurnID = c.turnID
	ev.Sequence = c.seq
	ev.CreatedAt = c.now().UTC()
	c.started = true

	if err := c.primary.Send(ev); err != nil {
		c.closed = true
		return fmt.Errorf("deliver %s: %w", ev.Type, err)
	}
	for _, s := range c.secondary {
		if err := s.Send(ev); err != nil {
			c.log.Warn("secondary sink failed",
				zap.String("turn_id", c.turnID),
				zap.String("event", string(ev.Type)),
				zap.Error(err),
			)
		}
	}

	if ev.Type.Terminal() {
		c.closed = true
	}
	return nil
}

// Start opens the turn.
func (c *Channel) Start(tenantID, userID string) error {
	return c.Emit(&model.ConversationEvent{
		Type:  model.EventTypeStart,
		Start: &model.StartEvent{TenantID: tenantID, UserID: userID},
	})
}

// Token forwards one text fragment.
func (c *Channel) Token(token string, index, round int) error {
	return c.Emit(&model.ConversationEvent{
		Type:  model.EventTypeToken,
		Token: &model.TokenEvent{Token: token, Index: index, Round: round},
	})
}

// ActionRequests announces the calls about to be executed.
func (c *Channel) ActionRequests(reqs []model.ActionRequest) error {
	return c.Emit(&model.ConversationEvent{
		Type:           model.EventTypeActionRequests,
		ActionRequests: reqs,
	})
}

// ActionResult reports one executed call.
func (c *Channel) ActionResult(req model.ActionRequest, resultText string, round int) error {
	return c.Emit(&model.ConversationEvent{
		Type: model.EventTypeActionResult,
		ActionResult: &model.ActionResultEvent{
			ID:         req.ID,
			Name:       req.Name,
			ResultText: resultText,
			Round:      round,
		},
	})
}

// Pending asks the client to confirm an outbound action.
func (c *Channel) Pending(pa *model.PendingAction) error {
	return c.Emit(&model.ConversationEvent{
		Type:          model.EventTypePendingAction,
		PendingAction: pa,
	})
}

// Done ends the turn successfully.
func (c *Channel) Done(duration time.Duration, touched []string, rounds int) error {
	if touched == nil {
		touched = []string{}
	}
	return c.Emit(&model.ConversationEvent{
		Type: model.EventTypeDone,
		Done: &model.DoneEvent{
			DurationMs:       duration.Milliseconds(),
			TouchedRecordIDs: touched,
			Rounds:           rounds,
		},
	})
}

// Fail ends the turn with an error.
func (c *Channel) Fail(code, message string) error {
	return c.Emit(&model.ConversationEvent{
		Type:  model.EventTypeError,
		Error: &model.ErrorEvent{Code: code, Message: message},
	})
}
