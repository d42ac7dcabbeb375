package tools

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/business-assistant/internal/model"
)

type createCustomerArgs struct {
	Name    string `json:"name" jsonschema:"minLength=1"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}

func createCustomer() ActionHandler {
	return typed("createCustomer",
		"Creates a new customer.",
		func(ctx context.Context, hc *HandlerContext, args createCustomerArgs) (*model.HandlerResult, error) {
			email, err := normalizeEmail(args.Email)
			if err != nil {
				return refuse("%v", err), nil
			}
			c := model.Customer{
				ID:        uuid.Must(uuid.NewV7()).String(),
				Name:      strings.TrimSpace(args.Name),
				Email:     email,
				Phone:     strings.TrimSpace(args.Phone),
				Address:   strings.TrimSpace(args.Address),
				CreatedAt: time.Now().UTC(),
			}
			if err := hc.Records.InsertCustomer(ctx, &c); err != nil {
				return nil, err
			}
			return done(fmt.Sprintf("Created customer %q (id %s).", c.Name, c.ID), c.ID), nil
		})
}

type updateContactArgs struct {
	CustomerID string  `json:"customerId" jsonschema:"minLength=1"`
	Email      *string `json:"email,omitempty"`
	Phone      *string `json:"phone,omitempty"`
}

func updateCustomerContact() ActionHandler {
	return typed("updateCustomerContact",
		"Changes the email address and/or phone number of a customer.",
		func(ctx context.Context, hc *HandlerContext, args updateContactArgs) (*model.HandlerResult, error) {
			if args.Email == nil && args.Phone == nil {
				return refuse("give an email or a phone number to change"), nil
			}
			customer, err := hc.Records.GetCustomer(ctx, args.CustomerID)
			if err != nil {
				return missing("customer", args.CustomerID, err)
			}

			var changed []string
			if args.Email != nil {
				email, err := normalizeEmail(*args.Email)
				if err != nil {
					return refuse("%v", err), nil
				}
				args.Email = &email
				changed = append(changed, "email "+email)
			}
			if args.Phone != nil {
				phone := strings.TrimSpace(*args.Phone)
				args.Phone = &phone
				changed = append(changed, "phone "+phone)
			}

			if err := hc.Records.UpdateCustomerContact(ctx, customer.ID, args.Email, args.Phone); err != nil {
				return missing("customer", args.CustomerID, err)
			}
			return done(fmt.Sprintf("Updated %s for %q.", strings.Join(changed, " and "), customer.Name), customer.ID), nil
		})
}

type findCustomersArgs struct {
	Query string `json:"query" jsonschema:"minLength=1,description=Part of a name or email address"`
	Limit int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=50"`
}

func findCustomers() ActionHandler {
	return typed("findCustomers",
		"Searches customers by name or email and returns their ids and contact details.",
		func(ctx context.Context, hc *HandlerContext, args findCustomersArgs) (*model.HandlerResult, error) {
			found, err := hc.Records.FindCustomers(ctx, args.Query, args.Limit)
			if err != nil {
				return nil, err
			}
			if len(found) == 0 {
				return done(fmt.Sprintf("No customers match %q.", args.Query)), nil
			}

			var b strings.Builder
			fmt.Fprintf(&b, "Found %d customer(s):", len(found))
			for _, c := range found {
				fmt.Fprintf(&b, "\n- %s (id %s)", c.Name, c.ID)
				if c.Email != "" {
					fmt.Fprintf(&b, ", %s", c.Email)
				}
				if c.Phone != "" {
					fmt.Fprintf(&b, ", %s", c.Phone)
				}
			}
			return done(b.String()), nil
		})
}

// normalizeEmail accepts an empty string or a single bare address.
func normalizeEmail(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return "", fmt.Errorf("%q is not a valid email address", s)
	}
	return strings.ToLower(addr.Address), nil
}
