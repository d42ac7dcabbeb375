// Package session drives one assistant turn: it streams the model, executes
// the actions it requests and feeds the results back until the model stops
// asking or the round budget runs out.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/business-assistant/internal/delivery"
	"github.com/capitalize-ai/business-assistant/internal/llm"
	"github.com/capitalize-ai/business-assistant/internal/model"
	"github.com/capitalize-ai/business-assistant/internal/pending"
	"github.com/capitalize-ai/business-assistant/internal/store"
	"github.com/capitalize-ai/business-assistant/internal/tools"
	"github.com/capitalize-ai/business-assistant/pkg/logger"
	"github.com/capitalize-ai/business-assistant/pkg/metrics"
	"github.com/capitalize-ai/business-assistant/pkg/tracing"
)

const (
	// DefaultMaxRounds bounds the model calls of one turn.
	DefaultMaxRounds = 10
	defaultMaxTokens = 4096

	defaultSystemPrompt = "You are the business assistant of a small trade company. " +
		"Use the available actions to read and change customers, projects, invoices and appointments. " +
		"Messages to customers, suppliers or staff are only prepared by you; the user confirms before anything is sent. " +
		"You cannot delete records."
)

// Error codes carried by the error event.
const (
	CodeProviderError = "provider_error"
	CodeCancelled     = "cancelled"
)

// ErrCancelled is returned when the request context ended mid-turn.
var ErrCancelled = errors.New("turn cancelled")

// State is the position of a turn in the round loop.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateDispatching
	StateDone
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateDispatching:
		return "dispatching"
	case StateDone:
		return "done"
	case StateErrored:
		return "errored"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Turn is the input of one Run.
type Turn struct {
	Request  model.TurnRequest
	UserID   string
	TenantID string
	Records  store.Records
}

// Option configures a Controller.
type Option func(*Controller)

// WithMaxRounds sets the round budget. Values below one are ignored.
func WithMaxRounds(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxRounds = n
		}
	}
}

// WithModel sets the model used when the request does not name one.
func WithModel(name string) Option {
	return func(c *Controller) { c.model = name }
}

// WithSystemPrompt replaces the default system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(c *Controller) {
		if prompt != "" {
			c.systemPrompt = prompt
		}
	}
}

// WithMaxTokens sets the per-round output token limit.
func WithMaxTokens(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) { c.tracer = t }
}

// Controller runs turns. It is safe for concurrent use; all per-turn state
// lives in run.
type Controller struct {
	client       llm.Client
	registry     *tools.Registry
	log          *logger.Logger
	tracer       trace.Tracer
	maxRounds    int
	model        string
	systemPrompt string
	maxTokens    int
}

// NewController creates a controller.
func NewController(client llm.Client, registry *tools.Registry, log *logger.Logger, opts ...Option) *Controller {
	if log == nil {
		log = logger.NewNop()
	}
	c := &Controller{
		client:       client,
		registry:     registry,
		log:          log.Named("session"),
		tracer:       tracing.Tracer("assistant/session"),
		maxRounds:    DefaultMaxRounds,
		systemPrompt: defaultSystemPrompt,
		maxTokens:    defaultMaxTokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxRounds returns the round budget.
func (c *Controller) MaxRounds() int {
	return c.maxRounds
}

// run holds the mutable state of one turn.
type run struct {
	c        *Controller
	turn     Turn
	ch       *delivery.Channel
	log      *logger.Logger
	state    State
	round    int
	messages []llm.ChatMessage
	touched  *touchedSet
	start    time.Time

	records       *store.Tracked
	baseline      store.Records
	activeProject string
}

// Run drives one turn to a terminal event on ch. The returned error is nil
// when the turn ended with done.
func (c *Controller) Run(ctx context.Context, turn Turn, ch *delivery.Channel) error {
	ctx, span := c.tracer.Start(ctx, "assistant.turn", trace.WithAttributes(
		attribute.String("turn.id", ch.TurnID()),
		attribute.String("tenant.id", turn.TenantID),
	))
	defer span.End()

	r := &run{
		c:        c,
		turn:     turn,
		ch:       ch,
		log:      c.log.ForTurn(ch.TurnID()).With(zap.String("tenant_id", turn.TenantID)),
		messages: initialMessages(turn.Request),
		touched:  newTouchedSet(),
		start:    time.Now(),

		records:       store.Track(turn.Records),
		activeProject: activeProject(turn.Request),
	}
	r.baseline = r.records.Baseline()

	err := r.loop(ctx)
	span.SetAttributes(
		attribute.Int("turn.rounds", r.round),
		attribute.String("turn.state", r.state.String()),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *run) loop(ctx context.Context) error {
	if err := r.ch.Start(r.turn.TenantID, r.turn.UserID); err != nil {
		return err
	}

	for r.round = 1; r.round <= r.c.maxRounds; r.round++ {
		if ctx.Err() != nil {
			return r.cancel(ctx)
		}

		r.state = StateStreaming
		resp, err := r.stream(ctx)
		if err != nil {
			if r.ch.Closed() {
				return r.abandon(err)
			}
			if ctx.Err() != nil {
				return r.cancel(ctx)
			}
			return r.fail(err)
		}

		r.messages = append(r.messages, llm.ChatMessage{
			Role:      model.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		if len(resp.ToolCalls) == 0 {
			return r.finish()
		}

		r.state = StateDispatching
		results, err := r.dispatch(ctx, resp.ToolCalls)
		if err != nil {
			if errors.Is(err, ErrCancelled) {
				return r.cancel(ctx)
			}
			return r.abandon(err)
		}
		r.messages = append(r.messages, llm.ChatMessage{
			Role:        model.RoleTool,
			ToolResults: results,
		})
	}

	r.round = r.c.maxRounds
	r.log.Warn("round budget exhausted", zap.Int("rounds", r.round))
	return r.finish()
}

func (r *run) stream(ctx context.Context) (*llm.CompletionResponse, error) {
	ctx, span := r.c.tracer.Start(ctx, "assistant.round", trace.WithAttributes(
		attribute.Int("round", r.round),
	))
	defer span.End()

	modelName := r.turn.Request.Model
	if modelName == "" {
		modelName = r.c.model
	}

	started := time.Now()
	round := r.round
	resp, err := r.c.client.CompleteStream(ctx, &llm.CompletionRequest{
		Model:     modelName,
		System:    r.c.systemPrompt,
		Messages:  r.messages,
		Tools:     r.c.registry.Definitions(),
		MaxTokens: r.c.maxTokens,
	}, func(token string, index int) error {
		return r.ch.Token(token, index, round)
	})
	elapsed := time.Since(started).Seconds()
	if err != nil {
		metrics.RecordLLMStream(modelName, "error", elapsed, 0, 0)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	metrics.RecordLLMStream(resp.Model, "success", elapsed, resp.TokensIn, resp.TokensOut)
	span.SetAttributes(
		attribute.Int("llm.tokens_in", resp.TokensIn),
		attribute.Int("llm.tokens_out", resp.TokensOut),
		attribute.Int("llm.tool_calls", len(resp.ToolCalls)),
	)
	r.log.Debug("round streamed",
		zap.Int("round", round),
		zap.String("model", resp.Model),
		zap.String("stop_reason", resp.StopReason),
		zap.Int("tool_calls", len(resp.ToolCalls)),
	)
	return resp, nil
}

// dispatch executes calls one after another in the order received. A handler
// that has started always runs to completion, even if ctx is cancelled
// meanwhile; no further handler starts after that.
func (r *run) dispatch(ctx context.Context, calls []model.ActionRequest) ([]llm.ToolResult, error) {
	if err := r.ch.ActionRequests(calls); err != nil {
		return nil, err
	}

	results := make([]llm.ToolResult, 0, len(calls))
	for _, call := range calls {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}

		res := r.execute(ctx, call)
		r.touched.add(res.TouchedRecordIDs...)

		if err := r.ch.ActionResult(call, res.ResultText, r.round); err != nil {
			return nil, err
		}
		content := res.ResultText
		if res.PendingAction != nil {
			if err := r.ch.Pending(res.PendingAction); err != nil {
				return nil, err
			}
			content = pending.ModelNotice(res.PendingAction)
		}

		results = append(results, llm.ToolResult{
			CallID:  call.ID,
			Content: content,
			IsError: strings.HasPrefix(res.ResultText, tools.FailureMarker),
		})
	}
	return results, nil
}

func (r *run) execute(ctx context.Context, call model.ActionRequest) *model.HandlerResult {
	ctx, span := r.c.tracer.Start(context.WithoutCancel(ctx), "assistant.action", trace.WithAttributes(
		attribute.String("action.name", call.Name),
		attribute.String("action.id", call.ID),
		attribute.Int("round", r.round),
	))
	defer span.End()

	res := r.c.registry.Dispatch(ctx, call.Name, &tools.HandlerContext{
		Arguments: call.Arguments,
		Records:   r.records,
		UserID:    r.turn.UserID,
		TenantID:  r.turn.TenantID,
		Log:       r.log.With(zap.String("action", call.Name), zap.String("call_id", call.ID)),

		ActiveProjectID: r.activeProject,
		Baseline:        r.baseline,
	})
	if strings.HasPrefix(res.ResultText, tools.FailureMarker) {
		span.SetStatus(codes.Error, "action refused or failed")
	}
	span.SetAttributes(
		attribute.Int("action.touched", len(res.TouchedRecordIDs)),
		attribute.Bool("action.pending", res.PendingAction != nil),
	)
	return res
}

func (r *run) finish() error {
	r.state = StateDone
	metrics.RecordTurn("done", r.round)
	r.log.Info("turn completed",
		zap.Int("rounds", r.round),
		zap.Int("touched", r.touched.len()),
		zap.Duration("duration", time.Since(r.start)),
	)
	return r.ch.Done(time.Since(r.start), r.touched.ids(), r.round)
}

func (r *run) fail(err error) error {
	r.state = StateErrored
	metrics.RecordTurn("error", r.round)
	r.log.Error("model provider failed", zap.Int("round", r.round), zap.Error(err))
	if emitErr := r.ch.Fail(CodeProviderError, err.Error()); emitErr != nil {
		r.log.Warn("error event not delivered", zap.Error(emitErr))
	}
	return fmt.Errorf("round %d: %w", r.round, err)
}

func (r *run) cancel(ctx context.Context) error {
	r.state = StateErrored
	metrics.RecordTurn("cancelled", r.round)
	r.log.Info("turn cancelled", zap.Int("round", r.round), zap.Error(ctx.Err()))
	_ = r.ch.Fail(CodeCancelled, ErrCancelled.Error())
	return ErrCancelled
}

// abandon ends a turn whose client sink failed.
func (r *run) abandon(err error) error {
	r.state = StateErrored
	metrics.RecordTurn("abandoned", r.round)
	r.log.Warn("client went away", zap.Int("round", r.round), zap.Error(err))
	return err
}

// activeProject is the project the client has open, or the only project in
// the snapshot. Anything else is ambiguous and yields "".
func activeProject(req model.TurnRequest) string {
	if req.ActiveProjectID != "" {
		return req.ActiveProjectID
	}
	if len(req.Snapshot.Projects) == 1 {
		return req.Snapshot.Projects[0].ID
	}
	return ""
}

func initialMessages(req model.TurnRequest) []llm.ChatMessage {
	msgs := make([]llm.ChatMessage, 0, len(req.PriorTurns)+1)
	for _, t := range req.PriorTurns {
		msgs = append(msgs, llm.ChatMessage{Role: t.Role, Content: t.Content})
	}
	return append(msgs, llm.ChatMessage{Role: model.RoleUser, Content: req.Message})
}
