package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/business-assistant/internal/model"
)

const defaultDueDays = 14

type createInvoiceArgs struct {
	ProjectID string `json:"projectId,omitempty" jsonschema:"description=Defaults to the project the user has open"`
	DueInDays int    `json:"dueInDays,omitempty" jsonschema:"minimum=0,maximum=365,description=Payment term in days (default 14)"`
}

func createInvoiceFromProject() ActionHandler {
	return typed("createInvoiceFromProject",
		"Creates an open invoice from the current items and totals of a project.",
		func(ctx context.Context, hc *HandlerContext, args createInvoiceArgs) (*model.HandlerResult, error) {
			projectID, refusal := projectFor(hc, args.ProjectID)
			if refusal != nil {
				return refusal, nil
			}
			project, err := hc.Records.GetProject(ctx, projectID)
			if err != nil {
				return missing("project", projectID, err)
			}
			items, err := hc.Records.ListProjectItems(ctx, project.ID)
			if err != nil {
				return nil, err
			}
			if len(items) == 0 {
				return refuse("project %q has no items to invoice", project.Title), nil
			}

			days := args.DueInDays
			if days == 0 {
				days = defaultDueDays
			}
			now := time.Now().UTC()
			totals := computeTotals(items)
			id := uuid.Must(uuid.NewV7()).String()

			invoice := model.Invoice{
				ID:         id,
				ProjectID:  project.ID,
				CustomerID: project.CustomerID,
				Number:     "INV-" + now.Format("20060102") + "-" + strings.ToUpper(id[len(id)-6:]),
				Status:     model.InvoiceStatusOpen,
				IssuedOn:   now,
				DueOn:      now.AddDate(0, 0, days),
				NetTotal:   totals.Net,
				TaxTotal:   totals.Tax,
				GrossTotal: totals.Gross,
			}
			if err := hc.Records.InsertInvoice(ctx, &invoice); err != nil {
				return nil, err
			}

			return done(fmt.Sprintf("Created invoice %s for project %q (%s), due %s.",
				invoice.Number, project.Title, totals, invoice.DueOn.Format("2006-01-02")), invoice.ID, project.ID), nil
		})
}

type markPaidArgs struct {
	InvoiceID string `json:"invoiceId" jsonschema:"minLength=1"`
	PaidOn    string `json:"paidOn,omitempty" jsonschema:"description=Payment date YYYY-MM-DD (default today)"`
}

func markInvoicePaid() ActionHandler {
	return typed("markInvoicePaid",
		"Marks an invoice as paid.",
		func(ctx context.Context, hc *HandlerContext, args markPaidArgs) (*model.HandlerResult, error) {
			invoice, err := hc.Records.GetInvoice(ctx, args.InvoiceID)
			if err != nil {
				return missing("invoice", args.InvoiceID, err)
			}
			if invoice.Status == model.InvoiceStatusPaid {
				paid := "earlier"
				if invoice.PaidOn != nil {
					paid = "on " + invoice.PaidOn.Format("2006-01-02")
				}
				return done(fmt.Sprintf("Invoice %s was already marked paid %s.", invoice.Number, paid)), nil
			}

			paidOn := time.Now().UTC()
			if args.PaidOn != "" {
				if paidOn, err = parseTime(args.PaidOn); err != nil {
					return refuse("%v", err), nil
				}
			}
			if err := hc.Records.MarkInvoicePaid(ctx, invoice.ID, paidOn); err != nil {
				return missing("invoice", args.InvoiceID, err)
			}
			return done(fmt.Sprintf("Invoice %s (%s) marked paid on %s.",
				invoice.Number, invoice.GrossTotal.StringFixed(2), paidOn.Format("2006-01-02")), invoice.ID), nil
		})
}
