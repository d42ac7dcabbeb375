package tools

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/business-assistant/internal/model"
	"github.com/capitalize-ai/business-assistant/internal/pending"
)

func TestSendProjectEmail_ReturnsPendingAction(t *testing.T) {
	f := newFixture(t)

	res := f.run("sendProjectEmail", map[string]any{
		"projectId": "p1",
		"to":        "Anna@Example.com, bo@firm.example",
		"subject":   "Your offer",
		"body":      "Please find the offer attached.",
	})

	require.NotNil(t, res.PendingAction)
	pa := res.PendingAction
	assert.Equal(t, model.PendingSendEmail, pa.Kind)
	assert.Equal(t, "anna@example.com, bo@firm.example", pa.Recipient)
	assert.Equal(t, pending.DefaultDispatchEndpoint, pa.DispatchEndpoint)
	assert.NotEmpty(t, pa.IdempotencyKey())
	assert.Equal(t, "p1", pa.RelatedRecordID)
	assert.NoError(t, testSealer.Verify("t1", pa.DispatchPayload))
	assert.Error(t, testSealer.Verify("t2", pa.DispatchPayload))

	assert.Equal(t, pending.ModelNotice(pa), res.ResultText)
	assert.Contains(t, res.ResultText, "NOT been sent")
	assert.Empty(t, res.TouchedRecordIDs)
}

func TestSendProjectEmail_RejectsOutsideRecipients(t *testing.T) {
	f := newFixture(t)

	res := f.run("sendProjectEmail", map[string]any{
		"projectId": "p1",
		"to":        "anna@example.com, attacker@evil.example",
		"subject":   "Data",
		"body":      "All customer data",
	})

	assert.Nil(t, res.PendingAction)
	assert.True(t, strings.HasPrefix(res.ResultText, FailureMarker))
	assert.Contains(t, res.ResultText, "attacker@evil.example")
	assert.NotContains(t, res.ResultText, "anna@example.com")
}

func TestSendProjectEmail_UnresolvedScopeDeniesEverything(t *testing.T) {
	f := newFixture(t)

	res := f.run("sendProjectEmail", map[string]any{
		"projectId": "missing",
		"to":        "bo@firm.example",
		"subject":   "Hi",
		"body":      "Hi",
	})

	assert.Nil(t, res.PendingAction)
	assert.Contains(t, res.ResultText, "bo@firm.example")
}

func TestSendPaymentReminder(t *testing.T) {
	f := newFixture(t)

	res := f.run("sendPaymentReminder", map[string]any{"invoiceId": "inv1"})
	require.NotNil(t, res.PendingAction, res.ResultText)
	assert.Equal(t, model.PendingSendReminder, res.PendingAction.Kind)
	assert.Equal(t, "anna@example.com", res.PendingAction.Recipient)
	assert.Contains(t, res.PendingAction.Subject, "INV-1")
	assert.Contains(t, res.PendingAction.DispatchPayload[model.PayloadBody], "1200.00")

	res = f.run("sendPaymentReminder", map[string]any{"invoiceId": "inv2"})
	assert.Nil(t, res.PendingAction)
	assert.Contains(t, res.ResultText, "already paid")

	res = f.run("sendPaymentReminder", map[string]any{"invoiceId": "inv1", "to": "orders@parts.example"})
	assert.Nil(t, res.PendingAction)
}

func TestSendSupplierOrder(t *testing.T) {
	f := newFixture(t)

	res := f.run("sendSupplierOrder", map[string]any{
		"supplierId": "s1",
		"projectId":  "p1",
		"lines": []any{
			map[string]any{"description": "Dishwasher", "quantity": 1, "unit": "pcs"},
			map[string]any{"description": "Hose", "quantity": 2.5, "unit": "m"},
		},
	})

	require.NotNil(t, res.PendingAction, res.ResultText)
	pa := res.PendingAction
	assert.Equal(t, model.PendingSendSupplierOrder, pa.Kind)
	assert.Equal(t, "orders@parts.example", pa.Recipient)
	assert.Equal(t, "Order for Kitchen renovation", pa.Subject)
	assert.Contains(t, pa.BodyPreview, "- 2.5 m Hose")
	assert.NotEmpty(t, pa.IdempotencyKey())
	assert.Equal(t, "s1", pa.DispatchPayload["supplierId"])
	assert.Len(t, pa.DispatchPayload["lines"], 2)

	again := f.run("sendSupplierOrder", map[string]any{
		"supplierId": "s1",
		"lines":      []any{map[string]any{"description": "Dishwasher", "quantity": 1}},
	})
	require.NotNil(t, again.PendingAction)
	assert.NotEqual(t, pa.IdempotencyKey(), again.PendingAction.IdempotencyKey())

	res = f.run("sendSupplierOrder", map[string]any{
		"supplierId": "s1",
		"to":         "anna@example.com",
		"lines":      []any{map[string]any{"description": "x", "quantity": 1}},
	})
	assert.Nil(t, res.PendingAction)
	assert.Contains(t, res.ResultText, "anna@example.com")

	res = f.run("sendSupplierOrder", map[string]any{"supplierId": "s1", "lines": []any{}})
	assert.True(t, strings.HasPrefix(res.ResultText, FailureMarker))
}
