// Package store provides tenant-scoped access to business records.
//
// Handlers depend only on the Records interface. Two implementations exist:
// Postgres is authoritative and talks to the database with a server-held
// credential; Snapshot applies changes optimistically to the records a client
// sent with its turn.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/capitalize-ai/business-assistant/internal/model"
)

// ErrNotFound is returned when a record does not exist for the tenant.
var ErrNotFound = errors.New("record not found")

// Records is the row-level contract handlers use.
type Records interface {
	GetCustomer(ctx context.Context, id string) (*model.Customer, error)
	FindCustomers(ctx context.Context, query string, limit int) ([]model.Customer, error)
	InsertCustomer(ctx context.Context, c *model.Customer) error
	UpdateCustomerContact(ctx context.Context, id string, email, phone *string) error

	GetProject(ctx context.Context, id string) (*model.Project, error)
	ListProjectItems(ctx context.Context, projectID string) ([]model.ProjectItem, error)
	InsertProjectItem(ctx context.Context, item *model.ProjectItem) error
	UpdateProjectItem(ctx context.Context, item *model.ProjectItem) error
	UpdateProjectTotals(ctx context.Context, p *model.Project) error
	InsertNote(ctx context.Context, n *model.Note) error

	GetInvoice(ctx context.Context, id string) (*model.Invoice, error)
	InsertInvoice(ctx context.Context, inv *model.Invoice) error
	MarkInvoicePaid(ctx context.Context, id string, paidOn time.Time) error

	GetAppointment(ctx context.Context, id string) (*model.Appointment, error)
	InsertAppointment(ctx context.Context, a *model.Appointment) error
	UpdateAppointmentTime(ctx context.Context, id string, startsAt time.Time, durationMinutes int) error

	GetSupplier(ctx context.Context, id string) (*model.Supplier, error)
	ListStaff(ctx context.Context) ([]model.Employee, error)
}
