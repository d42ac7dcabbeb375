// Package model defines data structures for the business assistant.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Customer is a business customer record.
type Customer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Address   string    `json:"address,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Project groups the line items, notes and appointments for one job.
type Project struct {
	ID           string          `json:"id"`
	CustomerID   string          `json:"customer_id,omitempty"`
	Title        string          `json:"title"`
	Status       string          `json:"status,omitempty"`
	ContactEmail string          `json:"contact_email,omitempty"`
	NetTotal     decimal.Decimal `json:"net_total"`
	TaxTotal     decimal.Decimal `json:"tax_total"`
	GrossTotal   decimal.Decimal `json:"gross_total"`
	Items        []ProjectItem   `json:"items,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at,omitempty"`
}

// ProjectItem is one priced line on a project.
type ProjectItem struct {
	ID           string          `json:"id"`
	ProjectID    string          `json:"project_id"`
	Position     int             `json:"position"`
	Description  string          `json:"description"`
	Unit         string          `json:"unit,omitempty"`
	Quantity     decimal.Decimal `json:"quantity"`
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
	TaxRate      decimal.Decimal `json:"tax_rate"`
	NetAmount    decimal.Decimal `json:"net_amount"`
}

// Invoice statuses.
const (
	InvoiceStatusOpen = "open"
	InvoiceStatusPaid = "paid"
)

// Invoice is issued from a project.
type Invoice struct {
	ID         string          `json:"id"`
	ProjectID  string          `json:"project_id,omitempty"`
	CustomerID string          `json:"customer_id,omitempty"`
	Number     string          `json:"number"`
	Status     string          `json:"status"`
	IssuedOn   time.Time       `json:"issued_on"`
	DueOn      time.Time       `json:"due_on"`
	PaidOn     *time.Time      `json:"paid_on,omitempty"`
	NetTotal   decimal.Decimal `json:"net_total"`
	TaxTotal   decimal.Decimal `json:"tax_total"`
	GrossTotal decimal.Decimal `json:"gross_total"`
}

// Appointment is a scheduled visit or meeting.
type Appointment struct {
	ID              string    `json:"id"`
	ProjectID       string    `json:"project_id,omitempty"`
	Title           string    `json:"title"`
	StartsAt        time.Time `json:"starts_at"`
	DurationMinutes int       `json:"duration_minutes"`
}

// Supplier is a vendor that receives purchase orders.
type Supplier struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// Employee is a staff member of the tenant company.
type Employee struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// Note is a free-text remark attached to a project.
type Note struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	AuthorID  string    `json:"author_id,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot is the set of business records a client sends along with a turn.
type Snapshot struct {
	Customers    []Customer    `json:"customers,omitempty"`
	Projects     []Project     `json:"projects,omitempty"`
	Invoices     []Invoice     `json:"invoices,omitempty"`
	Appointments []Appointment `json:"appointments,omitempty"`
	Suppliers    []Supplier    `json:"suppliers,omitempty"`
	Staff        []Employee    `json:"staff,omitempty"`
}
