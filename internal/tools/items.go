package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/capitalize-ai/business-assistant/internal/model"
)

type addItemArgs struct {
	ProjectID    string  `json:"projectId,omitempty" jsonschema:"description=Project the item is added to; defaults to the project the user has open"`
	Description  string  `json:"description" jsonschema:"minLength=1"`
	Quantity     float64 `json:"quantity" jsonschema:"description=Must be greater than zero"`
	PricePerUnit float64 `json:"pricePerUnit" jsonschema:"minimum=0,description=Net price per unit"`
	TaxRate      float64 `json:"taxRate" jsonschema:"minimum=0,maximum=100,description=Tax rate in percent e.g. 20"`
	Unit         string  `json:"unit,omitempty" jsonschema:"description=Unit such as pcs or h"`
}

func addItemToProject() ActionHandler {
	return typed("addItemToProject",
		"Adds a priced line item to a project and recalculates the project totals.",
		func(ctx context.Context, hc *HandlerContext, args addItemArgs) (*model.HandlerResult, error) {
			if args.Quantity <= 0 {
				return refuse("quantity must be greater than zero"), nil
			}

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

			position := 1
			for _, it := range items {
				if it.Position >= position {
					position = it.Position + 1
				}
			}

			item := model.ProjectItem{
				ID:           uuid.Must(uuid.NewV7()).String(),
				ProjectID:    project.ID,
				Position:     position,
				Description:  args.Description,
				Unit:         args.Unit,
				Quantity:     decimal.NewFromFloat(args.Quantity),
				PricePerUnit: decimal.NewFromFloat(args.PricePerUnit),
				TaxRate:      decimal.NewFromFloat(args.TaxRate),
			}
			item.NetAmount = lineNet(item.Quantity, item.PricePerUnit)
			if err := hc.Records.InsertProjectItem(ctx, &item); err != nil {
				return nil, err
			}

			totals, err := saveTotals(ctx, hc, project, append(items, item))
			if err != nil {
				return nil, err
			}
			return done(fmt.Sprintf("Added %q (%s × %s) to project %q. Totals now: %s.",
				item.Description, item.Quantity.String(), item.PricePerUnit.StringFixed(2), project.Title, totals), project.ID), nil
		})
}

type updateItemArgs struct {
	ProjectID    string   `json:"projectId,omitempty" jsonschema:"description=Defaults to the project the user has open"`
	ItemID       string   `json:"itemId" jsonschema:"minLength=1"`
	Description  *string  `json:"description,omitempty"`
	Quantity     *float64 `json:"quantity,omitempty"`
	PricePerUnit *float64 `json:"pricePerUnit,omitempty" jsonschema:"minimum=0"`
	TaxRate      *float64 `json:"taxRate,omitempty" jsonschema:"minimum=0,maximum=100"`
}

func updateProjectItem() ActionHandler {
	return typed("updateProjectItem",
		"Changes description, quantity, price or tax rate of an existing project item and recalculates the totals.",
		func(ctx context.Context, hc *HandlerContext, args updateItemArgs) (*model.HandlerResult, error) {
			if args.Description == nil && args.Quantity == nil && args.PricePerUnit == nil && args.TaxRate == nil {
				return refuse("nothing to change on item %q", args.ItemID), nil
			}
			if args.Quantity != nil && *args.Quantity <= 0 {
				return refuse("quantity must be greater than zero"), nil
			}

			projectID, refusal := projectFor(hc, args.ProjectID)
			if refusal != nil {
				return refusal, nil
			}
			project, err := hc.Records.GetProject(ctx, projectID)
			if err != nil {
				return missing("project", projectID, err)
			}
			// Always recompute from the stored items, never from what the
			// model remembers about them.
			items, err := hc.Records.ListProjectItems(ctx, project.ID)
			if err != nil {
				return nil, err
			}

			idx := -1
			for i := range items {
				if items[i].ID == args.ItemID {
					idx = i
					break
				}
			}
			if idx < 0 {
				return refuse("project %q has no item with id %q", project.Title, args.ItemID), nil
			}

			item := &items[idx]
			if args.Description != nil {
				item.Description = *args.Description
			}
			if args.Quantity != nil {
				item.Quantity = decimal.NewFromFloat(*args.Quantity)
			}
			if args.PricePerUnit != nil {
				item.PricePerUnit = decimal.NewFromFloat(*args.PricePerUnit)
			}
			if args.TaxRate != nil {
				item.TaxRate = decimal.NewFromFloat(*args.TaxRate)
			}
			item.NetAmount = lineNet(item.Quantity, item.PricePerUnit)
			if err := hc.Records.UpdateProjectItem(ctx, item); err != nil {
				return missing("project item", args.ItemID, err)
			}

			totals, err := saveTotals(ctx, hc, project, items)
			if err != nil {
				return nil, err
			}
			return done(fmt.Sprintf("Updated %q on project %q. Totals now: %s.", item.Description, project.Title, totals), project.ID), nil
		})
}

func saveTotals(ctx context.Context, hc *HandlerContext, project *model.Project, items []model.ProjectItem) (Totals, error) {
	totals := computeTotals(items)
	totals.apply(project)
	project.UpdatedAt = time.Now().UTC()
	if err := hc.Records.UpdateProjectTotals(ctx, project); err != nil {
		return Totals{}, err
	}
	return totals, nil
}
