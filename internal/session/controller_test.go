package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/business-assistant/internal/delivery"
	"github.com/capitalize-ai/business-assistant/internal/llm"
	"github.com/capitalize-ai/business-assistant/internal/model"
	"github.com/capitalize-ai/business-assistant/internal/pending"
	"github.com/capitalize-ai/business-assistant/internal/store"
	"github.com/capitalize-ai/business-assistant/internal/tools"
)

// scriptedClient answers round n with script(n, req, cb) and records every
// request it saw.
type scriptedClient struct {
	mu       sync.Mutex
	script   func(n int, req *llm.CompletionRequest, cb llm.StreamCallback) (*llm.CompletionResponse, error)
	requests []llm.CompletionRequest
}

func (c *scriptedClient) CompleteStream(_ context.Context, req *llm.CompletionRequest, cb llm.StreamCallback) (*llm.CompletionResponse, error) {
	c.mu.Lock()
	cp := *req
	cp.Messages = append([]llm.ChatMessage(nil), req.Messages...)
	c.requests = append(c.requests, cp)
	n := len(c.requests)
	c.mu.Unlock()
	return c.script(n, req, cb)
}

func (c *scriptedClient) Name() string     { return "scripted" }
func (c *scriptedClient) Models() []string { return []string{"scripted-1"} }

func (c *scriptedClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func text(s string) *llm.CompletionResponse {
	return &llm.CompletionResponse{Content: s, Model: "scripted-1", StopReason: "end_turn"}
}

func calls(reqs ...model.ActionRequest) *llm.CompletionResponse {
	return &llm.CompletionResponse{ToolCalls: reqs, Model: "scripted-1", StopReason: "tool_use"}
}

type noArgs struct{}

// seqHandler records the order in which it was invoked.
type seqHandler struct {
	name string
	log  *[]string
	mu   *sync.Mutex
	hook func(ctx context.Context)
}

func (h seqHandler) Name() string        { return h.name }
func (h seqHandler) Description() string { return "records its invocation" }
func (h seqHandler) Args() any           { return &noArgs{} }

func (h seqHandler) Handle(ctx context.Context, _ *tools.HandlerContext) (*model.HandlerResult, error) {
	if h.hook != nil {
		h.hook(ctx)
	}
	h.mu.Lock()
	*h.log = append(*h.log, h.name)
	n := len(*h.log)
	h.mu.Unlock()
	return &model.HandlerResult{ResultText: fmt.Sprintf("%s ran as #%d", h.name, n)}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []model.ConversationEvent
}

func (r *recorder) Send(ev *model.ConversationEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *ev)
	return nil
}

func (r *recorder) types() []model.EventType {
	out := make([]model.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *recorder) last() model.ConversationEvent {
	return r.events[len(r.events)-1]
}

func (r *recorder) ofType(t model.EventType) []model.ConversationEvent {
	var out []model.ConversationEvent
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func testSnapshot() *store.Snapshot {
	return store.NewSnapshot(model.Snapshot{
		Customers: []model.Customer{{ID: "c1", Name: "Anna Berg", Email: "anna@example.com"}},
		Projects:  []model.Project{{ID: "p1", CustomerID: "c1", Title: "Kitchen renovation"}},
	})
}

func newRegistry(t *testing.T, extra ...tools.ActionHandler) *tools.Registry {
	t.Helper()
	handlers := append(tools.DefaultHandlers(pending.NewGate("", pending.NewSealer([]byte("test"), 0))), extra...)
	reg, err := tools.NewRegistry(nil, handlers)
	require.NoError(t, err)
	return reg
}

func runTurn(t *testing.T, ctx context.Context, client llm.Client, reg *tools.Registry, records store.Records, opts ...Option) (*recorder, error) {
	t.Helper()
	return runRequest(t, ctx, client, reg, model.TurnRequest{Message: "hello"}, records, opts...)
}

func runRequest(t *testing.T, ctx context.Context, client llm.Client, reg *tools.Registry, req model.TurnRequest, records store.Records, opts ...Option) (*recorder, error) {
	t.Helper()
	rec := &recorder{}
	ch := delivery.NewChannel("turn-1", rec, nil)
	ctrl := NewController(client, reg, nil, opts...)
	err := ctrl.Run(ctx, Turn{
		Request:  req,
		UserID:   "u1",
		TenantID: "t1",
		Records:  records,
	}, ch)
	return rec, err
}

func TestRun_TextOnlyTurn(t *testing.T) {
	client := &scriptedClient{script: func(_ int, _ *llm.CompletionRequest, cb llm.StreamCallback) (*llm.CompletionResponse, error) {
		for i, tok := range []string{"Hi", " there"} {
			if err := cb(tok, i); err != nil {
				return nil, err
			}
		}
		return text("Hi there"), nil
	}}

	rec, err := runTurn(t, context.Background(), client, newRegistry(t), testSnapshot())
	require.NoError(t, err)

	assert.Equal(t, []model.EventType{
		model.EventTypeStart, model.EventTypeToken, model.EventTypeToken, model.EventTypeDone,
	}, rec.types())
	assert.Equal(t, 1, rec.last().Done.Rounds)
	assert.Empty(t, rec.last().Done.TouchedRecordIDs)

	require.Len(t, client.requests, 1)
	req := client.requests[0]
	assert.Len(t, req.Tools, 13)
	assert.Equal(t, defaultSystemPrompt, req.System)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, model.RoleUser, req.Messages[0].Role)
}

func TestRun_PriorTurnsReplayed(t *testing.T) {
	client := &scriptedClient{script: func(int, *llm.CompletionRequest, llm.StreamCallback) (*llm.CompletionResponse, error) {
		return text("ok"), nil
	}}
	ctrl := NewController(client, newRegistry(t), nil, WithModel("m-1"), WithSystemPrompt("be brief"))

	err := ctrl.Run(context.Background(), Turn{
		Request: model.TurnRequest{
			Message: "and now?",
			PriorTurns: []model.PriorTurn{
				{Role: model.RoleUser, Content: "hi"},
				{Role: model.RoleAssistant, Content: "hello"},
			},
		},
		Records: testSnapshot(),
	}, delivery.NewChannel("t", &recorder{}, nil))
	require.NoError(t, err)

	req := client.requests[0]
	assert.Equal(t, "m-1", req.Model)
	assert.Equal(t, "be brief", req.System)
	require.Len(t, req.Messages, 3)
	assert.Equal(t, model.RoleUser, req.Messages[0].Role)
	assert.Equal(t, "hi", req.Messages[0].Content)
	assert.Equal(t, model.RoleAssistant, req.Messages[1].Role)
	assert.Equal(t, "hello", req.Messages[1].Content)
	assert.Equal(t, "and now?", req.Messages[2].Content)
}

func TestRun_HandlersRunInReceiptOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	mk := func(name string) tools.ActionHandler { return seqHandler{name: name, log: &order, mu: &mu} }
	reg := newRegistry(t, mk("stepA"), mk("stepB"), mk("stepC"))

	client := &scriptedClient{script: func(n int, _ *llm.CompletionRequest, _ llm.StreamCallback) (*llm.CompletionResponse, error) {
		if n == 1 {
			return calls(
				model.ActionRequest{ID: "call-3", Name: "stepC", Arguments: map[string]any{}},
				model.ActionRequest{ID: "call-1", Name: "stepA", Arguments: map[string]any{}},
				model.ActionRequest{ID: "call-2", Name: "stepB", Arguments: map[string]any{}},
			), nil
		}
		return text("done"), nil
	}}

	rec, err := runTurn(t, context.Background(), client, reg, testSnapshot())
	require.NoError(t, err)

	assert.Equal(t, []string{"stepC", "stepA", "stepB"}, order)

	results := rec.ofType(model.EventTypeActionResult)
	require.Len(t, results, 3)
	assert.Equal(t, "stepC ran as #1", results[0].ActionResult.ResultText)
	assert.Equal(t, "stepB ran as #3", results[2].ActionResult.ResultText)

	// Each result is delivered before the next action starts.
	assert.Equal(t, []model.EventType{
		model.EventTypeStart,
		model.EventTypeActionRequests,
		model.EventTypeActionResult,
		model.EventTypeActionResult,
		model.EventTypeActionResult,
		model.EventTypeDone,
	}, rec.types())

	// Tool results go back with exactly the received ids.
	require.Len(t, client.requests, 2)
	msgs := client.requests[1].Messages
	toolMsg := msgs[len(msgs)-1]
	assert.Equal(t, model.RoleTool, toolMsg.Role)
	var ids []string
	for _, r := range toolMsg.ToolResults {
		ids = append(ids, r.CallID)
	}
	assert.Equal(t, []string{"call-3", "call-1", "call-2"}, ids)
	assert.Len(t, msgs[len(msgs)-2].ToolCalls, 3)
}

func TestRun_RoundBudget(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	reg := newRegistry(t, seqHandler{name: "again", log: &order, mu: &mu})
	client := &scriptedClient{script: func(n int, _ *llm.CompletionRequest, _ llm.StreamCallback) (*llm.CompletionResponse, error) {
		return calls(model.ActionRequest{ID: fmt.Sprintf("c%d", n), Name: "again", Arguments: map[string]any{}}), nil
	}}

	rec, err := runTurn(t, context.Background(), client, reg, testSnapshot())
	require.NoError(t, err)

	assert.Equal(t, DefaultMaxRounds, client.calls())
	assert.Len(t, order, DefaultMaxRounds)
	assert.Equal(t, model.EventTypeDone, rec.last().Type)
	assert.Equal(t, DefaultMaxRounds, rec.last().Done.Rounds)
	assert.Empty(t, rec.ofType(model.EventTypeError))
}

func TestRun_CustomRoundBudget(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	reg := newRegistry(t, seqHandler{name: "again", log: &order, mu: &mu})
	client := &scriptedClient{script: func(n int, _ *llm.CompletionRequest, _ llm.StreamCallback) (*llm.CompletionResponse, error) {
		return calls(model.ActionRequest{ID: fmt.Sprintf("c%d", n), Name: "again", Arguments: map[string]any{}}), nil
	}}

	_, err := runTurn(t, context.Background(), client, reg, testSnapshot(), WithMaxRounds(3))
	require.NoError(t, err)
	assert.Equal(t, 3, client.calls())
}

func TestRun_PendingActionIsNotReportedAsSent(t *testing.T) {
	client := &scriptedClient{script: func(n int, _ *llm.CompletionRequest, _ llm.StreamCallback) (*llm.CompletionResponse, error) {
		if n == 1 {
			return calls(model.ActionRequest{ID: "mail-1", Name: "sendProjectEmail", Arguments: map[string]any{
				"projectId": "p1",
				"to":        "anna@example.com",
				"subject":   "Offer",
				"body":      "Here is your offer.",
			}}), nil
		}
		return text("Ready for your confirmation."), nil
	}}

	rec, err := runTurn(t, context.Background(), client, newRegistry(t), testSnapshot())
	require.NoError(t, err)

	pendings := rec.ofType(model.EventTypePendingAction)
	require.Len(t, pendings, 1)
	pa := pendings[0].PendingAction
	assert.Equal(t, "anna@example.com", pa.Recipient)
	assert.NotEmpty(t, pa.IdempotencyKey())

	// The pending event directly follows its action result.
	types := rec.types()
	assert.Equal(t, model.EventTypeActionResult, types[2])
	assert.Equal(t, model.EventTypePendingAction, types[3])

	toolMsg := client.requests[1].Messages[len(client.requests[1].Messages)-1]
	require.Len(t, toolMsg.ToolResults, 1)
	assert.Equal(t, "mail-1", toolMsg.ToolResults[0].CallID)
	assert.Equal(t, pending.ModelNotice(pa), toolMsg.ToolResults[0].Content)
	assert.Contains(t, toolMsg.ToolResults[0].Content, "NOT been sent")
	assert.False(t, toolMsg.ToolResults[0].IsError)
}

func TestRun_DishwasherTouchesProjectOnce(t *testing.T) {
	snap := model.Snapshot{
		Customers: []model.Customer{{ID: "c1", Name: "Anna Berg", Email: "anna@example.com"}},
		Projects:  []model.Project{{ID: "p1", CustomerID: "c1", Title: "Kitchen renovation"}},
	}
	records := store.NewSnapshot(snap)
	client := &scriptedClient{script: func(n int, _ *llm.CompletionRequest, _ llm.StreamCallback) (*llm.CompletionResponse, error) {
		switch n {
		case 1:
			return calls(model.ActionRequest{ID: "a", Name: "addItemToProject", Arguments: map[string]any{
				"description": "Dishwasher", "quantity": 2, "pricePerUnit": 500, "taxRate": 20,
			}}), nil
		case 2:
			return calls(model.ActionRequest{ID: "b", Name: "addProjectNote", Arguments: map[string]any{
				"text": "Dishwasher added",
			}}), nil
		}
		return text("Added the dishwasher."), nil
	}}

	req := model.TurnRequest{Message: "Add a dishwasher for 500 each, two of them, 20% tax", Snapshot: snap}
	rec, err := runRequest(t, context.Background(), client, newRegistry(t), req, records)
	require.NoError(t, err)

	results := rec.ofType(model.EventTypeActionResult)
	require.Len(t, results, 2)
	assert.Contains(t, results[0].ActionResult.ResultText, "net 1000.00, tax 200.00, gross 1200.00")
	assert.False(t, strings.HasPrefix(results[1].ActionResult.ResultText, tools.FailureMarker), results[1].ActionResult.ResultText)

	done := rec.last()
	require.Equal(t, model.EventTypeDone, done.Type)
	assert.Equal(t, []string{"p1"}, done.Done.TouchedRecordIDs)
	assert.Equal(t, 3, done.Done.Rounds)

	p, err := records.GetProject(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "1000.00", p.NetTotal.StringFixed(2))
	assert.Equal(t, "200.00", p.TaxTotal.StringFixed(2))
	assert.Equal(t, "1200.00", p.GrossTotal.StringFixed(2))
}

func TestRun_ProjectWithoutIDNeedsSingleActiveProject(t *testing.T) {
	snap := model.Snapshot{
		Customers: []model.Customer{{ID: "c1", Name: "Anna Berg", Email: "anna@example.com"}},
		Projects: []model.Project{
			{ID: "p1", CustomerID: "c1", Title: "Kitchen renovation"},
			{ID: "p2", CustomerID: "c1", Title: "Bathroom"},
		},
	}
	script := func(n int, _ *llm.CompletionRequest, _ llm.StreamCallback) (*llm.CompletionResponse, error) {
		if n == 1 {
			return calls(model.ActionRequest{ID: "a", Name: "addItemToProject", Arguments: map[string]any{
				"description": "Dishwasher", "quantity": 2, "pricePerUnit": 500, "taxRate": 20,
			}}), nil
		}
		return text("ok"), nil
	}

	rec, err := runRequest(t, context.Background(), &scriptedClient{script: script}, newRegistry(t),
		model.TurnRequest{Message: "add it", Snapshot: snap}, store.NewSnapshot(snap))
	require.NoError(t, err)
	res := rec.ofType(model.EventTypeActionResult)[0].ActionResult.ResultText
	assert.True(t, strings.HasPrefix(res, tools.FailureMarker))
	assert.Contains(t, res, "which project")
	assert.Empty(t, rec.last().Done.TouchedRecordIDs)

	rec, err = runRequest(t, context.Background(), &scriptedClient{script: script}, newRegistry(t),
		model.TurnRequest{Message: "add it", Snapshot: snap, ActiveProjectID: "p2"}, store.NewSnapshot(snap))
	require.NoError(t, err)
	assert.Equal(t, []string{"p2"}, rec.last().Done.TouchedRecordIDs)
}

func TestRun_ContactChangedThisTurnIsNotAnAllowedRecipient(t *testing.T) {
	records := testSnapshot()
	client := &scriptedClient{script: func(n int, _ *llm.CompletionRequest, _ llm.StreamCallback) (*llm.CompletionResponse, error) {
		switch n {
		case 1:
			return calls(model.ActionRequest{ID: "u", Name: "updateCustomerContact", Arguments: map[string]any{
				"customerId": "c1", "email": "x@evil.example",
			}}), nil
		case 2:
			return calls(model.ActionRequest{ID: "s", Name: "sendProjectEmail", Arguments: map[string]any{
				"projectId": "p1", "to": "x@evil.example", "subject": "Invoice", "body": "Pay here",
			}}), nil
		}
		return text("ok"), nil
	}}

	rec, err := runTurn(t, context.Background(), client, newRegistry(t), records)
	require.NoError(t, err)

	results := rec.ofType(model.EventTypeActionResult)
	require.Len(t, results, 2)
	assert.False(t, strings.HasPrefix(results[0].ActionResult.ResultText, tools.FailureMarker), results[0].ActionResult.ResultText)
	assert.True(t, strings.HasPrefix(results[1].ActionResult.ResultText, tools.FailureMarker))
	assert.Contains(t, results[1].ActionResult.ResultText, "x@evil.example")
	assert.Empty(t, rec.ofType(model.EventTypePendingAction))

	c, err := records.GetCustomer(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "x@evil.example", c.Email)
}

func TestRun_HandlerFaultsDoNotEndTheTurn(t *testing.T) {
	client := &scriptedClient{script: func(n int, _ *llm.CompletionRequest, _ llm.StreamCallback) (*llm.CompletionResponse, error) {
		if n == 1 {
			return calls(
				model.ActionRequest{ID: "x", Name: "deleteProject", Arguments: map[string]any{"projectId": "p1"}},
				model.ActionRequest{ID: "y", Name: "launchRocket", Arguments: map[string]any{}},
				model.ActionRequest{ID: "z", Name: "addProjectNote", Arguments: map[string]any{"projectId": "nope", "text": "x"}},
			), nil
		}
		return text("Sorry."), nil
	}}

	rec, err := runTurn(t, context.Background(), client, newRegistry(t), testSnapshot())
	require.NoError(t, err)

	results := rec.ofType(model.EventTypeActionResult)
	require.Len(t, results, 3)
	assert.Equal(t, tools.DeletionRefusal, results[0].ActionResult.ResultText)
	for _, r := range results {
		assert.True(t, strings.HasPrefix(r.ActionResult.ResultText, tools.FailureMarker))
	}
	for _, tr := range client.requests[1].Messages[len(client.requests[1].Messages)-1].ToolResults {
		assert.True(t, tr.IsError)
	}
	assert.Equal(t, model.EventTypeDone, rec.last().Type)
}

func TestRun_ProviderErrorEndsTurn(t *testing.T) {
	client := &scriptedClient{script: func(n int, _ *llm.CompletionRequest, cb llm.StreamCallback) (*llm.CompletionResponse, error) {
		if n == 1 {
			return calls(model.ActionRequest{ID: "a", Name: "findCustomers", Arguments: map[string]any{"query": "anna"}}), nil
		}
		_ = cb("partial", 0)
		return nil, errors.New("upstream 529 overloaded")
	}}

	rec, err := runTurn(t, context.Background(), client, newRegistry(t), testSnapshot())
	require.Error(t, err)

	last := rec.last()
	assert.Equal(t, model.EventTypeError, last.Type)
	assert.Equal(t, CodeProviderError, last.Error.Code)
	assert.Contains(t, last.Error.Message, "overloaded")
	assert.Empty(t, rec.ofType(model.EventTypeDone))
	assert.Equal(t, 2, client.calls(), "no retry")
}

func TestRun_CancellationLetsStartedHandlerFinish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu        sync.Mutex
		order     []string
		handlerOK bool
	)
	first := seqHandler{name: "first", log: &order, mu: &mu, hook: func(hctx context.Context) {
		cancel()
		handlerOK = hctx.Err() == nil
	}}
	second := seqHandler{name: "second", log: &order, mu: &mu}
	reg := newRegistry(t, first, second)

	client := &scriptedClient{script: func(int, *llm.CompletionRequest, llm.StreamCallback) (*llm.CompletionResponse, error) {
		return calls(
			model.ActionRequest{ID: "1", Name: "first", Arguments: map[string]any{}},
			model.ActionRequest{ID: "2", Name: "second", Arguments: map[string]any{}},
		), nil
	}}

	rec, err := runTurn(t, ctx, client, reg, testSnapshot())
	assert.ErrorIs(t, err, ErrCancelled)

	assert.True(t, handlerOK, "started handler keeps a live context")
	assert.Equal(t, []string{"first"}, order)
	assert.Equal(t, 1, client.calls())

	last := rec.last()
	assert.Equal(t, model.EventTypeError, last.Type)
	assert.Equal(t, CodeCancelled, last.Error.Code)
	assert.Equal(t, "turn cancelled", last.Error.Message)
}

func TestRun_ClientGoneStopsTurn(t *testing.T) {
	client := &scriptedClient{script: func(_ int, _ *llm.CompletionRequest, cb llm.StreamCallback) (*llm.CompletionResponse, error) {
		if err := cb("hello", 0); err != nil {
			return nil, err
		}
		return text("hello"), nil
	}}

	sent := 0
	sink := delivery.SinkFunc(func(ev *model.ConversationEvent) error {
		sent++
		if ev.Type == model.EventTypeToken {
			return errors.New("broken pipe")
		}
		return nil
	})
	ch := delivery.NewChannel("turn", sink, nil)

	err := NewController(client, newRegistry(t), nil).Run(context.Background(), Turn{
		Request: model.TurnRequest{Message: "hi"},
		Records: testSnapshot(),
	}, ch)
	require.Error(t, err)
	assert.True(t, ch.Closed())
	assert.Equal(t, 2, sent)
}

func TestTouchedSet(t *testing.T) {
	s := newTouchedSet()
	s.add("p1", "inv1")
	s.add("p1", "", "c1", "inv1")
	assert.Equal(t, []string{"p1", "inv1", "c1"}, s.ids())
	assert.Equal(t, 3, s.len())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "errored", StateErrored.String())
}
