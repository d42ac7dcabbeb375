// Package guard decides which email addresses the assistant may write to.
//
// The allowed set is derived from the business records relevant to one
// action. An empty set permits nothing.
package guard

import (
	"context"
	"fmt"
	"strings"

	"github.com/capitalize-ai/business-assistant/internal/model"
	"github.com/capitalize-ai/business-assistant/internal/store"
)

// Scope is the set of records an outbound message may be addressed from.
type Scope struct {
	Projects  []model.Project
	Customers []model.Customer
	Suppliers []model.Supplier
	Staff     []model.Employee
}

// Allowed is a set of lower-cased addresses.
type Allowed map[string]struct{}

// Contains reports whether addr (any case) is allowed.
func (a Allowed) Contains(addr string) bool {
	_, ok := a[normalize(addr)]
	return ok
}

// Decision is the outcome of CheckAllowed.
type Decision struct {
	OK       bool
	Rejected []string
}

// Message describes a rejected decision for the model and the user.
func (d Decision) Message() string {
	if d.OK {
		return ""
	}
	if len(d.Rejected) == 0 {
		return "no recipient was given"
	}
	return fmt.Sprintf("recipient not allowed: %s. Only contacts stored on the related records can receive messages",
		strings.Join(d.Rejected, ", "))
}

func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// ComputeAllowed collects every non-empty address in scope.
func ComputeAllowed(scope Scope) Allowed {
	allowed := Allowed{}
	add := func(addr string) {
		if n := normalize(addr); n != "" {
			allowed[n] = struct{}{}
		}
	}

	for _, p := range scope.Projects {
		add(p.ContactEmail)
	}
	for _, c := range scope.Customers {
		add(c.Email)
	}
	for _, s := range scope.Suppliers {
		add(s.Email)
	}
	for _, e := range scope.Staff {
		add(e.Email)
	}
	return allowed
}

// ParseRecipients splits a "to" argument on commas and semicolons.
func ParseRecipients(to string) []string {
	fields := strings.FieldsFunc(to, func(r rune) bool { return r == ',' || r == ';' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if n := normalize(f); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// CheckAllowed accepts candidates only if every one of them is allowed.
// Rejected addresses keep their input order without repeats.
func CheckAllowed(candidates []string, allowed Allowed) Decision {
	if len(candidates) == 0 {
		return Decision{}
	}

	var rejected []string
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		n := normalize(c)
		if allowed.Contains(n) || seen[n] {
			continue
		}
		seen[n] = true
		rejected = append(rejected, n)
	}
	if len(rejected) > 0 {
		return Decision{Rejected: rejected}
	}
	return Decision{OK: true}
}

// ResolveProjectScope loads the project, its customer and the staff
// directory. On any lookup error the scope is empty and the error is returned
// for logging.
func ResolveProjectScope(ctx context.Context, records store.Records, projectID string) (Scope, error) {
	project, err := records.GetProject(ctx, projectID)
	if err != nil {
		return Scope{}, fmt.Errorf("resolve project %s: %w", projectID, err)
	}
	scope := Scope{Projects: []model.Project{*project}}

	if project.CustomerID != "" {
		customer, err := records.GetCustomer(ctx, project.CustomerID)
		if err != nil {
			return Scope{}, fmt.Errorf("resolve customer %s: %w", project.CustomerID, err)
		}
		scope.Customers = append(scope.Customers, *customer)
	}

	staff, err := records.ListStaff(ctx)
	if err != nil {
		return Scope{}, fmt.Errorf("resolve staff: %w", err)
	}
	scope.Staff = staff
	return scope, nil
}

// ResolveInvoiceScope loads the invoice's customer and project.
func ResolveInvoiceScope(ctx context.Context, records store.Records, invoiceID string) (Scope, error) {
	invoice, err := records.GetInvoice(ctx, invoiceID)
	if err != nil {
		return Scope{}, fmt.Errorf("resolve invoice %s: %w", invoiceID, err)
	}

	var scope Scope
	if invoice.ProjectID != "" {
		scope, err = ResolveProjectScope(ctx, records, invoice.ProjectID)
		if err != nil {
			return Scope{}, err
		}
	}
	if invoice.CustomerID != "" && !hasCustomer(scope, invoice.CustomerID) {
		customer, err := records.GetCustomer(ctx, invoice.CustomerID)
		if err != nil {
			return Scope{}, fmt.Errorf("resolve customer %s: %w", invoice.CustomerID, err)
		}
		scope.Customers = append(scope.Customers, *customer)
	}
	return scope, nil
}

// ResolveSupplierScope loads the supplier and the staff directory.
func ResolveSupplierScope(ctx context.Context, records store.Records, supplierID string) (Scope, error) {
	supplier, err := records.GetSupplier(ctx, supplierID)
	if err != nil {
		return Scope{}, fmt.Errorf("resolve supplier %s: %w", supplierID, err)
	}
	staff, err := records.ListStaff(ctx)
	if err != nil {
		return Scope{}, fmt.Errorf("resolve staff: %w", err)
	}
	return Scope{Suppliers: []model.Supplier{*supplier}, Staff: staff}, nil
}

func hasCustomer(scope Scope, id string) bool {
	for _, c := range scope.Customers {
		if c.ID == id {
			return true
		}
	}
	return false
}
