package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/capitalize-ai/business-assistant/internal/model"
)

// PostgresConfig holds connection pool settings.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default pool settings.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// Postgres is the authoritative records backend.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects to the database and verifies the connection.
func OpenPostgres(dsn string, config *PostgresConfig) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Postgres{db: db}, nil
}

// NewPostgres wraps an existing handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Ping checks database connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close releases database resources.
func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// ForTenant returns a view whose every query is restricted to one company.
// The view must not outlive the request it was created for.
func (p *Postgres) ForTenant(tenantID string) *TenantRecords {
	return &TenantRecords{db: p.db, tenantID: tenantID}
}

// TenantRecords implements Records against Postgres for one tenant.
type TenantRecords struct {
	db       *sql.DB
	tenantID string
}

var _ Records = (*TenantRecords)(nil)

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// GetCustomer loads one customer.
func (s *TenantRecords) GetCustomer(ctx context.Context, id string) (*model.Customer, error) {
	var c model.Customer
	var email, phone, address sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, phone, address, created_at
		FROM customers
		WHERE company_id = $1 AND id = $2`,
		s.tenantID, id,
	).Scan(&c.ID, &c.Name, &email, &phone, &address, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get customer: %w", notFound(err))
	}
	c.Email, c.Phone, c.Address = email.String, phone.String, address.String
	return &c, nil
}

// FindCustomers searches customers by name or email.
func (s *TenantRecords) FindCustomers(ctx context.Context, query string, limit int) ([]model.Customer, error) {
	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + strings.TrimSpace(query) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, email, phone, address, created_at
		FROM customers
		WHERE company_id = $1 AND (name ILIKE $2 OR email ILIKE $2)
		ORDER BY name
		LIMIT $3`,
		s.tenantID, pattern, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("find customers: %w", err)
	}
	defer rows.Close()

	var out []model.Customer
	for rows.Next() {
		var c model.Customer
		var email, phone, address sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &email, &phone, &address, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan customer: %w", err)
		}
		c.Email, c.Phone, c.Address = email.String, phone.String, address.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertCustomer stores a new customer.
func (s *TenantRecords) InsertCustomer(ctx context.Context, c *model.Customer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, company_id, name, email, phone, address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, s.tenantID, c.Name, nullString(c.Email), nullString(c.Phone), nullString(c.Address), c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert customer: %w", err)
	}
	return nil
}

// UpdateCustomerContact changes the non-nil contact fields.
func (s *TenantRecords) UpdateCustomerContact(ctx context.Context, id string, email, phone *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE customers
		SET email = COALESCE($3, email), phone = COALESCE($4, phone)
		WHERE company_id = $1 AND id = $2`,
		s.tenantID, id, email, phone,
	)
	if err != nil {
		return fmt.Errorf("update customer: %w", err)
	}
	return expectOneRow(res)
}

// GetProject loads a project without its items.
func (s *TenantRecords) GetProject(ctx context.Context, id string) (*model.Project, error) {
	var p model.Project
	var customerID, status, contact sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, customer_id, title, status, contact_email, net_total, tax_total, gross_total, updated_at
		FROM projects
		WHERE company_id = $1 AND id = $2`,
		s.tenantID, id,
	).Scan(&p.ID, &customerID, &p.Title, &status, &contact, &p.NetTotal, &p.TaxTotal, &p.GrossTotal, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get project: %w", notFound(err))
	}
	p.CustomerID, p.Status, p.ContactEmail = customerID.String, status.String, contact.String
	return &p, nil
}

// ListProjectItems returns a project's items ordered by position.
func (s *TenantRecords) ListProjectItems(ctx context.Context, projectID string) ([]model.ProjectItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, position, description, unit, quantity, price_per_unit, tax_rate, net_amount
		FROM project_items
		WHERE company_id = $1 AND project_id = $2
		ORDER BY position`,
		s.tenantID, projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("list project items: %w", err)
	}
	defer rows.Close()

	var items []model.ProjectItem
	for rows.Next() {
		var it model.ProjectItem
		var unit sql.NullString
		if err := rows.Scan(&it.ID, &it.ProjectID, &it.Position, &it.Description, &unit,
			&it.Quantity, &it.PricePerUnit, &it.TaxRate, &it.NetAmount); err != nil {
			return nil, fmt.Errorf("scan project item: %w", err)
		}
		it.Unit = unit.String
		items = append(items, it)
	}
	return items, rows.Err()
}

// InsertProjectItem stores a new line item.
func (s *TenantRecords) InsertProjectItem(ctx context.Context, it *model.ProjectItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_items
			(id, company_id, project_id, position, description, unit, quantity, price_per_unit, tax_rate, net_amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		it.ID, s.tenantID, it.ProjectID, it.Position, it.Description, nullString(it.Unit),
		it.Quantity, it.PricePerUnit, it.TaxRate, it.NetAmount,
	)
	if err != nil {
		return fmt.Errorf("insert project item: %w", err)
	}
	return nil
}

// UpdateProjectItem overwrites the mutable fields of a line item.
func (s *TenantRecords) UpdateProjectItem(ctx context.Context, it *model.ProjectItem) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE project_items
		SET description = $4, unit = $5, quantity = $6, price_per_unit = $7, tax_rate = $8, net_amount = $9
		WHERE company_id = $1 AND project_id = $2 AND id = $3`,
		s.tenantID, it.ProjectID, it.ID, it.Description, nullString(it.Unit),
		it.Quantity, it.PricePerUnit, it.TaxRate, it.NetAmount,
	)
	if err != nil {
		return fmt.Errorf("update project item: %w", err)
	}
	return expectOneRow(res)
}

// UpdateProjectTotals writes recomputed totals.
func (s *TenantRecords) UpdateProjectTotals(ctx context.Context, p *model.Project) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET net_total = $3, tax_total = $4, gross_total = $5, updated_at = $6
		WHERE company_id = $1 AND id = $2`,
		s.tenantID, p.ID, p.NetTotal, p.TaxTotal, p.GrossTotal, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update project totals: %w", err)
	}
	return expectOneRow(res)
}

// InsertNote stores a project note.
func (s *TenantRecords) InsertNote(ctx context.Context, n *model.Note) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notes (id, company_id, project_id, author_id, text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		n.ID, s.tenantID, n.ProjectID, nullString(n.AuthorID), n.Text, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert note: %w", err)
	}
	return nil
}

// GetInvoice loads one invoice.
func (s *TenantRecords) GetInvoice(ctx context.Context, id string) (*model.Invoice, error) {
	var inv model.Invoice
	var projectID, customerID sql.NullString
	var paidOn sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, customer_id, number, status, issued_on, due_on, paid_on, net_total, tax_total, gross_total
		FROM invoices
		WHERE company_id = $1 AND id = $2`,
		s.tenantID, id,
	).Scan(&inv.ID, &projectID, &customerID, &inv.Number, &inv.Status, &inv.IssuedOn, &inv.DueOn,
		&paidOn, &inv.NetTotal, &inv.TaxTotal, &inv.GrossTotal)
	if err != nil {
		return nil, fmt.Errorf("get invoice: %w", notFound(err))
	}
	inv.ProjectID, inv.CustomerID = projectID.String, customerID.String
	if paidOn.Valid {
		t := paidOn.Time
		inv.PaidOn = &t
	}
	return &inv, nil
}

// InsertInvoice stores a new invoice.
func (s *TenantRecords) InsertInvoice(ctx context.Context, inv *model.Invoice) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invoices
			(id, company_id, project_id, customer_id, number, status, issued_on, due_on, net_total, tax_total, gross_total)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		inv.ID, s.tenantID, nullString(inv.ProjectID), nullString(inv.CustomerID), inv.Number, inv.Status,
		inv.IssuedOn, inv.DueOn, inv.NetTotal, inv.TaxTotal, inv.GrossTotal,
	)
	if err != nil {
		return fmt.Errorf("insert invoice: %w", err)
	}
	return nil
}

// MarkInvoicePaid sets the paid status and date.
func (s *TenantRecords) MarkInvoicePaid(ctx context.Context, id string, paidOn time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE invoices
		SET status = $3, paid_on = $4
		WHERE company_id = $1 AND id = $2`,
		s.tenantID, id, model.InvoiceStatusPaid, paidOn,
	)
	if err != nil {
		return fmt.Errorf("mark invoice paid: %w", err)
	}
	return expectOneRow(res)
}

// GetAppointment loads one appointment.
func (s *TenantRecords) GetAppointment(ctx context.Context, id string) (*model.Appointment, error) {
	var a model.Appointment
	var projectID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, title, starts_at, duration_minutes
		FROM appointments
		WHERE company_id = $1 AND id = $2`,
		s.tenantID, id,
	).Scan(&a.ID, &projectID, &a.Title, &a.StartsAt, &a.DurationMinutes)
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", notFound(err))
	}
	a.ProjectID = projectID.String
	return &a, nil
}

// InsertAppointment stores a new appointment.
func (s *TenantRecords) InsertAppointment(ctx context.Context, a *model.Appointment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO appointments (id, company_id, project_id, title, starts_at, duration_minutes)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, s.tenantID, nullString(a.ProjectID), a.Title, a.StartsAt, a.DurationMinutes,
	)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

// UpdateAppointmentTime moves an appointment.
func (s *TenantRecords) UpdateAppointmentTime(ctx context.Context, id string, startsAt time.Time, durationMinutes int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE appointments
		SET starts_at = $3, duration_minutes = $4
		WHERE company_id = $1 AND id = $2`,
		s.tenantID, id, startsAt, durationMinutes,
	)
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	return expectOneRow(res)
}

// GetSupplier loads one supplier.
func (s *TenantRecords) GetSupplier(ctx context.Context, id string) (*model.Supplier, error) {
	var sup model.Supplier
	var email sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email
		FROM suppliers
		WHERE company_id = $1 AND id = $2`,
		s.tenantID, id,
	).Scan(&sup.ID, &sup.Name, &email)
	if err != nil {
		return nil, fmt.Errorf("get supplier: %w", notFound(err))
	}
	sup.Email = email.String
	return &sup, nil
}

// ListStaff returns the tenant's employees.
func (s *TenantRecords) ListStaff(ctx context.Context) ([]model.Employee, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, email
		FROM employees
		WHERE company_id = $1
		ORDER BY name`,
		s.tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list staff: %w", err)
	}
	defer rows.Close()

	var staff []model.Employee
	for rows.Next() {
		var e model.Employee
		var email sql.NullString
		if err := rows.Scan(&e.ID, &e.Name, &email); err != nil {
			return nil, fmt.Errorf("scan employee: %w", err)
		}
		e.Email = email.String
		staff = append(staff, e)
	}
	return staff, rows.Err()
}
