package tools

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/business-assistant/internal/guard"
	"github.com/capitalize-ai/business-assistant/internal/model"
	"github.com/capitalize-ai/business-assistant/internal/pending"
)

// checkRecipients applies the whitelist. A scope that failed to resolve is
// treated as empty; the lookup error is logged separately from the refusal.
func checkRecipients(hc *HandlerContext, action, to string, scope guard.Scope, scopeErr error) (*model.HandlerResult, []string) {
	if scopeErr != nil && hc.Log != nil {
		hc.Log.Warn("recipient scope did not resolve",
			zap.String("action", action),
			zap.Error(scopeErr),
		)
	}
	recipients := guard.ParseRecipients(to)
	decision := guard.CheckAllowed(recipients, guard.ComputeAllowed(scope))
	if !decision.OK {
		return refuse("%s", decision.Message()), nil
	}
	return nil, recipients
}

type sendProjectEmailArgs struct {
	ProjectID string `json:"projectId" jsonschema:"minLength=1"`
	To        string `json:"to" jsonschema:"minLength=1,description=Comma separated addresses of contacts on the project"`
	Subject   string `json:"subject" jsonschema:"minLength=1"`
	Body      string `json:"body" jsonschema:"minLength=1"`
}

func sendProjectEmail(gate *pending.Gate) ActionHandler {
	return typed("sendProjectEmail",
		"Prepares an email about a project to its customer or staff. The user must confirm before it is sent.",
		func(ctx context.Context, hc *HandlerContext, args sendProjectEmailArgs) (*model.HandlerResult, error) {
			scope, scopeErr := guard.ResolveProjectScope(ctx, hc.baseline(), args.ProjectID)
			refusal, recipients := checkRecipients(hc, "sendProjectEmail", args.To, scope, scopeErr)
			if refusal != nil {
				return refusal, nil
			}

			pa, err := gate.Build(pending.Draft{
				TenantID:        hc.TenantID,
				Kind:            model.PendingSendEmail,
				Recipients:      recipients,
				Subject:         args.Subject,
				Body:            args.Body,
				RelatedRecordID: args.ProjectID,
			})
			if err != nil {
				return nil, err
			}
			return &model.HandlerResult{ResultText: pending.ModelNotice(pa), PendingAction: pa}, nil
		})
}

type sendReminderArgs struct {
	InvoiceID string `json:"invoiceId" jsonschema:"minLength=1"`
	To        string `json:"to,omitempty" jsonschema:"description=Defaults to the invoice customer's email"`
	Message   string `json:"message,omitempty" jsonschema:"description=Replaces the default reminder text"`
}

func sendPaymentReminder(gate *pending.Gate) ActionHandler {
	return typed("sendPaymentReminder",
		"Prepares a payment reminder for an open invoice. The user must confirm before it is sent.",
		func(ctx context.Context, hc *HandlerContext, args sendReminderArgs) (*model.HandlerResult, error) {
			invoice, err := hc.Records.GetInvoice(ctx, args.InvoiceID)
			if err != nil {
				return missing("invoice", args.InvoiceID, err)
			}
			if invoice.Status == model.InvoiceStatusPaid {
				return refuse("invoice %s is already paid, no reminder needed", invoice.Number), nil
			}

			scope, scopeErr := guard.ResolveInvoiceScope(ctx, hc.baseline(), invoice.ID)
			to := args.To
			if to == "" {
				for _, c := range scope.Customers {
					if c.ID == invoice.CustomerID {
						to = c.Email
					}
				}
			}
			if strings.TrimSpace(to) == "" {
				return refuse("invoice %s has no customer email; say who the reminder should go to", invoice.Number), nil
			}

			refusal, recipients := checkRecipients(hc, "sendPaymentReminder", to, scope, scopeErr)
			if refusal != nil {
				return refusal, nil
			}

			body := args.Message
			if body == "" {
				body = fmt.Sprintf("Hello,\n\nthis is a friendly reminder that invoice %s over %s was due on %s "+
					"and is still open. Please arrange payment at your earliest convenience.\n\nKind regards",
					invoice.Number, invoice.GrossTotal.StringFixed(2), invoice.DueOn.Format("2006-01-02"))
			}
			pa, err := gate.Build(pending.Draft{
				TenantID:        hc.TenantID,
				Kind:            model.PendingSendReminder,
				Recipients:      recipients,
				Subject:         "Payment reminder: invoice " + invoice.Number,
				Body:            body,
				RelatedRecordID: invoice.ID,
			})
			if err != nil {
				return nil, err
			}
			return &model.HandlerResult{ResultText: pending.ModelNotice(pa), PendingAction: pa}, nil
		})
}

type orderLine struct {
	Description string  `json:"description" jsonschema:"minLength=1"`
	Quantity    float64 `json:"quantity"`
	Unit        string  `json:"unit,omitempty"`
}

type sendSupplierOrderArgs struct {
	SupplierID string      `json:"supplierId" jsonschema:"minLength=1"`
	ProjectID  string      `json:"projectId,omitempty"`
	To         string      `json:"to,omitempty" jsonschema:"description=Defaults to the supplier's email"`
	Subject    string      `json:"subject,omitempty"`
	Lines      []orderLine `json:"lines" jsonschema:"minItems=1"`
}

func sendSupplierOrder(gate *pending.Gate) ActionHandler {
	return typed("sendSupplierOrder",
		"Prepares a purchase order email to a supplier. The user must confirm before it is sent.",
		func(ctx context.Context, hc *HandlerContext, args sendSupplierOrderArgs) (*model.HandlerResult, error) {
			supplier, err := hc.Records.GetSupplier(ctx, args.SupplierID)
			if err != nil {
				return missing("supplier", args.SupplierID, err)
			}
			for _, l := range args.Lines {
				if l.Quantity <= 0 {
					return refuse("order line %q needs a quantity greater than zero", l.Description), nil
				}
			}

			scope, scopeErr := guard.ResolveSupplierScope(ctx, hc.baseline(), supplier.ID)
			to := args.To
			if to == "" {
				to = supplier.Email
			}
			if strings.TrimSpace(to) == "" {
				return refuse("supplier %q has no email address", supplier.Name), nil
			}
			refusal, recipients := checkRecipients(hc, "sendSupplierOrder", to, scope, scopeErr)
			if refusal != nil {
				return refusal, nil
			}

			subject := args.Subject
			if subject == "" {
				subject = "Order"
				if args.ProjectID != "" {
					if p, err := hc.Records.GetProject(ctx, args.ProjectID); err == nil {
						subject = "Order for " + p.Title
					}
				}
			}

			var b strings.Builder
			fmt.Fprintf(&b, "Hello %s,\n\nplease deliver the following:\n", supplier.Name)
			lines := make([]map[string]any, 0, len(args.Lines))
			for _, l := range args.Lines {
				qty := strconv.FormatFloat(l.Quantity, 'f', -1, 64)
				if l.Unit != "" {
					qty += " " + l.Unit
				}
				fmt.Fprintf(&b, "- %s %s\n", qty, l.Description)
				lines = append(lines, map[string]any{"description": l.Description, "quantity": l.Quantity, "unit": l.Unit})
			}
			b.WriteString("\nKind regards")

			extra := map[string]any{"supplierId": supplier.ID, "lines": lines}
			if args.ProjectID != "" {
				extra["projectId"] = args.ProjectID
			}
			pa, err := gate.Build(pending.Draft{
				TenantID:        hc.TenantID,
				Kind:            model.PendingSendSupplierOrder,
				Recipients:      recipients,
				Subject:         subject,
				Body:            b.String(),
				RelatedRecordID: supplier.ID,
				Extra:           extra,
			})
			if err != nil {
				return nil, err
			}
			return &model.HandlerResult{ResultText: pending.ModelNotice(pa), PendingAction: pa}, nil
		})
}
