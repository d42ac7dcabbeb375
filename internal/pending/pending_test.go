package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/business-assistant/internal/model"
)

type countingOutbox struct {
	mu   sync.Mutex
	keys map[string]int
	fail error
}

func newCountingOutbox() *countingOutbox {
	return &countingOutbox{keys: map[string]int{}}
}

func (o *countingOutbox) Publish(_ context.Context, msg *OutboundMessage) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail != nil {
		return 0, o.fail
	}
	o.keys[msg.IdempotencyKey]++
	return uint64(len(o.keys)), nil
}

func (o *countingOutbox) sends() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	total := 0
	for _, n := range o.keys {
		total += n
	}
	return total
}

var testSealer = NewSealer([]byte("test-secret"), time.Hour)

func build(t *testing.T, g *Gate, d Draft) *model.PendingAction {
	t.Helper()
	if d.TenantID == "" {
		d.TenantID = "t1"
	}
	pa, err := g.Build(d)
	require.NoError(t, err)
	return pa
}

func TestGateBuild(t *testing.T) {
	n := 0
	g := NewGate("", testSealer, WithKeyFunc(func() string {
		n++
		return "key-" + string(rune('0'+n))
	}))

	pa := build(t, g, Draft{
		Kind:            model.PendingSendSupplierOrder,
		Recipients:      []string{"orders@parts.example"},
		Subject:         "Order",
		Body:            "2x sink",
		RelatedRecordID: "s1",
		Extra:           map[string]any{"lines": []string{"2x sink"}, model.PayloadTo: "evil@x.io", model.PayloadSeal: "forged"},
	})

	assert.Equal(t, DefaultDispatchEndpoint, pa.DispatchEndpoint)
	assert.Equal(t, "orders@parts.example", pa.Recipient)
	assert.Equal(t, "orders@parts.example", pa.DispatchPayload[model.PayloadTo])
	assert.Equal(t, "key-1", pa.IdempotencyKey())
	assert.Equal(t, "send_supplier_order", pa.DispatchPayload[model.PayloadKind])
	assert.Contains(t, pa.DispatchPayload, "lines")
	assert.NotEqual(t, "forged", pa.DispatchPayload[model.PayloadSeal])
	assert.NoError(t, testSealer.Verify("t1", pa.DispatchPayload))

	second := build(t, g, Draft{Kind: model.PendingSendEmail, Recipients: []string{"a@b.c"}})
	assert.NotEqual(t, pa.IdempotencyKey(), second.IdempotencyKey())
}

func TestGateDefaultKeysAreUnique(t *testing.T) {
	g := NewGate("/dispatch", testSealer)
	a := build(t, g, Draft{Kind: model.PendingSendEmail, Recipients: []string{"a@b.c"}})
	b := build(t, g, Draft{Kind: model.PendingSendEmail, Recipients: []string{"a@b.c"}})
	assert.NotEmpty(t, a.IdempotencyKey())
	assert.NotEqual(t, a.IdempotencyKey(), b.IdempotencyKey())
}

func TestGatePreviewTruncates(t *testing.T) {
	pa := build(t, NewGate("", testSealer), Draft{Kind: model.PendingSendEmail, Recipients: []string{"a@b.c"}, Body: strings.Repeat("ä", 400)})
	assert.Equal(t, previewLength+1, len([]rune(pa.BodyPreview)))
	assert.Len(t, pa.DispatchPayload[model.PayloadBody], 800)
}

func TestGateWithoutSealerLeavesPayloadUnsealed(t *testing.T) {
	pa := build(t, NewGate("", nil), Draft{Kind: model.PendingSendEmail, Recipients: []string{"a@b.c"}})
	assert.NotContains(t, pa.DispatchPayload, model.PayloadSeal)

	d := NewDispatcher(NewMemoryDeduper(0), newCountingOutbox(), testSealer, nil)
	_, err := d.Dispatch(context.Background(), DispatchRequest{TenantID: "t1", Kind: pa.Kind, Payload: pa.DispatchPayload})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestModelNoticeNeverClaimsSuccess(t *testing.T) {
	pa := build(t, NewGate("", testSealer), Draft{Kind: model.PendingSendEmail, Recipients: []string{"anna@example.com"}, Subject: "Offer"})
	notice := ModelNotice(pa)

	assert.Contains(t, notice, "NOT been sent")
	assert.Contains(t, notice, "confirmation")
	assert.Contains(t, notice, "anna@example.com")
}

func TestDispatcher_DuplicateKeySendsOnce(t *testing.T) {
	outbox := newCountingOutbox()
	d := NewDispatcher(NewMemoryDeduper(0), outbox, testSealer, nil)
	pa := build(t, NewGate("", testSealer), Draft{Kind: model.PendingSendEmail, Recipients: []string{"anna@example.com"}, Subject: "Offer"})
	req := DispatchRequest{TenantID: "t1", UserID: "u1", Kind: pa.Kind, Payload: pa.DispatchPayload}

	first, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.DispatchSent, first.Status)

	second, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.DispatchDuplicate, second.Status)
	assert.Equal(t, first.IdempotencyKey, second.IdempotencyKey)

	assert.Equal(t, 1, outbox.sends())
	assert.Len(t, outbox.keys, 1)
}

func TestDispatcher_ConcurrentConfirmationsSendOnce(t *testing.T) {
	outbox := newCountingOutbox()
	d := NewDispatcher(NewMemoryDeduper(0), outbox, testSealer, nil)
	pa := build(t, NewGate("", testSealer), Draft{Kind: model.PendingSendReminder, Recipients: []string{"anna@example.com"}})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Dispatch(context.Background(), DispatchRequest{TenantID: "t1", Kind: pa.Kind, Payload: pa.DispatchPayload})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, outbox.sends())
}

func TestDispatcher_ReleasesClaimOnPublishFailure(t *testing.T) {
	outbox := newCountingOutbox()
	outbox.fail = errors.New("nats down")
	d := NewDispatcher(NewMemoryDeduper(0), outbox, testSealer, nil)
	pa := build(t, NewGate("", testSealer), Draft{Kind: model.PendingSendEmail, Recipients: []string{"a@b.c"}})
	req := DispatchRequest{TenantID: "t1", Kind: pa.Kind, Payload: pa.DispatchPayload}

	_, err := d.Dispatch(context.Background(), req)
	require.Error(t, err)

	outbox.fail = nil
	res, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.DispatchSent, res.Status)
	assert.Equal(t, 1, outbox.sends())
}

func TestDispatcher_OutboxDuplicateIsNotAFailure(t *testing.T) {
	outbox := newCountingOutbox()
	outbox.fail = fmt.Errorf("msg k: %w", ErrAlreadySent)
	d := NewDispatcher(NewMemoryDeduper(0), outbox, testSealer, nil)
	pa := build(t, NewGate("", testSealer), Draft{Kind: model.PendingSendEmail, Recipients: []string{"a@b.c"}})

	res, err := d.Dispatch(context.Background(), DispatchRequest{TenantID: "t1", Kind: pa.Kind, Payload: pa.DispatchPayload})
	require.NoError(t, err)
	assert.Equal(t, model.DispatchDuplicate, res.Status)
	assert.Equal(t, pa.IdempotencyKey(), res.IdempotencyKey)
}

func TestDispatcher_RejectsMalformedPayloads(t *testing.T) {
	d := NewDispatcher(NewMemoryDeduper(0), newCountingOutbox(), testSealer, nil)
	sealed := func(p map[string]any) map[string]any {
		seal, err := testSealer.Seal("t1", p)
		require.NoError(t, err)
		p[model.PayloadSeal] = seal
		return p
	}
	base := func() map[string]any {
		return map[string]any{
			model.PayloadIdempotencyKey: "k1",
			model.PayloadKind:           "send_email",
			model.PayloadTo:             "a@b.c",
		}
	}
	valid := func() map[string]any { return sealed(base()) }

	tests := []struct {
		name    string
		kind    model.PendingKind
		payload func() map[string]any
	}{
		{"unknown kind", "send_fax", valid},
		{"nil payload", model.PendingSendEmail, func() map[string]any { return nil }},
		{"kind mismatch", model.PendingSendReminder, valid},
		{"missing key", model.PendingSendEmail, func() map[string]any {
			p := base()
			delete(p, model.PayloadIdempotencyKey)
			return sealed(p)
		}},
		{"missing recipients", model.PendingSendEmail, func() map[string]any {
			p := base()
			p[model.PayloadTo] = " ; "
			return sealed(p)
		}},
		{"unsealed", model.PendingSendEmail, base},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Dispatch(context.Background(), DispatchRequest{TenantID: "t1", Kind: tt.kind, Payload: tt.payload()})
			assert.ErrorIs(t, err, ErrInvalidPayload)
		})
	}
}

func TestDispatcher_RejectsPayloadsNotBuiltByTheGate(t *testing.T) {
	outbox := newCountingOutbox()
	d := NewDispatcher(NewMemoryDeduper(0), outbox, testSealer, nil)
	gate := NewGate("", testSealer)

	forged := map[string]any{
		model.PayloadIdempotencyKey: "forged-1",
		model.PayloadKind:           "send_email",
		model.PayloadTo:             "attacker@evil.example",
		model.PayloadSeal:           "eyJhbGciOiJub25lIn0.e30.",
	}
	_, err := d.Dispatch(context.Background(), DispatchRequest{TenantID: "t1", Kind: model.PendingSendEmail, Payload: forged})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	retarget := build(t, gate, Draft{Kind: model.PendingSendEmail, Recipients: []string{"anna@example.com"}, Subject: "Offer", Body: "Hi"})
	retarget.DispatchPayload[model.PayloadTo] = "attacker@evil.example"
	_, err = d.Dispatch(context.Background(), DispatchRequest{TenantID: "t1", Kind: retarget.Kind, Payload: retarget.DispatchPayload})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	rekeyed := build(t, gate, Draft{Kind: model.PendingSendEmail, Recipients: []string{"anna@example.com"}})
	rekeyed.DispatchPayload[model.PayloadIdempotencyKey] = "replayed"
	_, err = d.Dispatch(context.Background(), DispatchRequest{TenantID: "t1", Kind: rekeyed.Kind, Payload: rekeyed.DispatchPayload})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	otherTenant := build(t, gate, Draft{TenantID: "t2", Kind: model.PendingSendEmail, Recipients: []string{"anna@example.com"}})
	_, err = d.Dispatch(context.Background(), DispatchRequest{TenantID: "t1", Kind: otherTenant.Kind, Payload: otherTenant.DispatchPayload})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	otherSecret := build(t, NewGate("", NewSealer([]byte("other"), time.Hour)), Draft{Kind: model.PendingSendEmail, Recipients: []string{"anna@example.com"}})
	_, err = d.Dispatch(context.Background(), DispatchRequest{TenantID: "t1", Kind: otherSecret.Kind, Payload: otherSecret.DispatchPayload})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	assert.Equal(t, 0, outbox.sends())
}

func TestDispatcher_ExpiredSealIsRejected(t *testing.T) {
	now := time.Now()
	sealer := NewSealer([]byte("test-secret"), time.Hour)
	sealer.now = func() time.Time { return now }
	pa := build(t, NewGate("", sealer), Draft{Kind: model.PendingSendEmail, Recipients: []string{"a@b.c"}})

	now = now.Add(2 * time.Hour)
	d := NewDispatcher(NewMemoryDeduper(0), newCountingOutbox(), sealer, nil)
	_, err := d.Dispatch(context.Background(), DispatchRequest{TenantID: "t1", Kind: pa.Kind, Payload: pa.DispatchPayload})
	assert.ErrorIs(t, err, ErrInvalidPayload)
	assert.ErrorContains(t, err, "expired")
}

func TestSealSurvivesJSONRoundTrip(t *testing.T) {
	pa := build(t, NewGate("", testSealer), Draft{
		Kind:       model.PendingSendSupplierOrder,
		Recipients: []string{"orders@parts.example"},
		Subject:    "Order <kitchen> & more",
		Body:       "- 2 pcs sink",
		Extra: map[string]any{
			"supplierId": "s1",
			"lines":      []map[string]any{{"description": "sink", "quantity": 2.5, "unit": "pcs"}},
		},
	})

	b, err := json.Marshal(pa.DispatchPayload)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))

	assert.NoError(t, testSealer.Verify("t1", decoded))
}

func TestRedisDeduper(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	d := NewRedisDeduper(client, "dispatch:", time.Hour)
	ctx := context.Background()

	ok, err := d.Claim(ctx, "t1:k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("dispatch:t1:k1"))

	ok, err = d.Claim(ctx, "t1:k1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.Release(ctx, "t1:k1"))
	assert.False(t, mr.Exists("dispatch:t1:k1"))

	ok, err = d.Claim(ctx, "t1:k1")
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Hour)
	ok, err = d.Claim(ctx, "t1:k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, d.Ping(ctx))
}

func TestMemoryDeduperExpiry(t *testing.T) {
	d := NewMemoryDeduper(time.Minute)
	now := time.Now()
	d.now = func() time.Time { return now }

	ok, _ := d.Claim(context.Background(), "k")
	assert.True(t, ok)
	ok, _ = d.Claim(context.Background(), "k")
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = d.Claim(context.Background(), "k")
	assert.True(t, ok)
}
