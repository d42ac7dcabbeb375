package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/business-assistant/internal/model"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *TenantRecords) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return db, mock, NewPostgres(db).ForTenant("company-1")
}

func TestTenantRecords_GetProject(t *testing.T) {
	_, mock, s := setupMockDB(t)
	now := time.Now()

	mock.ExpectQuery(`FROM projects WHERE company_id = \$1 AND id = \$2`).
		WithArgs("company-1", "p1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "customer_id", "title", "status", "contact_email", "net_total", "tax_total", "gross_total", "updated_at",
		}).AddRow("p1", "c1", "Kitchen", "active", "anna@example.com", "1000.00", "200.00", "1200.00", now))

	p, err := s.GetProject(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "Kitchen", p.Title)
	assert.Equal(t, "anna@example.com", p.ContactEmail)
	assert.True(t, p.GrossTotal.Equal(decimal.RequireFromString("1200")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTenantRecords_GetProjectNotFound(t *testing.T) {
	_, mock, s := setupMockDB(t)

	mock.ExpectQuery(`FROM projects`).
		WithArgs("company-1", "missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetProject(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTenantRecords_ListProjectItems(t *testing.T) {
	_, mock, s := setupMockDB(t)

	mock.ExpectQuery(`FROM project_items WHERE company_id = \$1 AND project_id = \$2 ORDER BY position`).
		WithArgs("company-1", "p1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "project_id", "position", "description", "unit", "quantity", "price_per_unit", "tax_rate", "net_amount",
		}).
			AddRow("i1", "p1", 1, "Dishwasher", "pcs", "1", "1000.00", "20", "1000.00").
			AddRow("i2", "p1", 2, "Labour", nil, "2", "50.00", "20", "100.00"))

	items, err := s.ListProjectItems(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "pcs", items[0].Unit)
	assert.Equal(t, "", items[1].Unit)
	assert.True(t, items[1].NetAmount.Equal(decimal.NewFromInt(100)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTenantRecords_InsertProjectItem(t *testing.T) {
	_, mock, s := setupMockDB(t)

	mock.ExpectExec(`INSERT INTO project_items`).
		WithArgs("i1", "company-1", "p1", 1, "Dishwasher", "pcs",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.InsertProjectItem(context.Background(), &model.ProjectItem{
		ID:           "i1",
		ProjectID:    "p1",
		Position:     1,
		Description:  "Dishwasher",
		Unit:         "pcs",
		Quantity:     decimal.NewFromInt(1),
		PricePerUnit: decimal.NewFromInt(1000),
		TaxRate:      decimal.NewFromInt(20),
		NetAmount:    decimal.NewFromInt(1000),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTenantRecords_UpdatesReportMissingRows(t *testing.T) {
	tests := []struct {
		name string
		run  func(s *TenantRecords) error
	}{
		{
			name: "mark invoice paid",
			run: func(s *TenantRecords) error {
				return s.MarkInvoicePaid(context.Background(), "inv-x", time.Now())
			},
		},
		{
			name: "reschedule appointment",
			run: func(s *TenantRecords) error {
				return s.UpdateAppointmentTime(context.Background(), "a-x", time.Now(), 30)
			},
		},
		{
			name: "update project totals",
			run: func(s *TenantRecords) error {
				return s.UpdateProjectTotals(context.Background(), &model.Project{ID: "p-x"})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, mock, s := setupMockDB(t)
			mock.ExpectExec(`UPDATE`).WillReturnResult(sqlmock.NewResult(0, 0))

			err := tt.run(s)
			assert.ErrorIs(t, err, ErrNotFound)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestTenantRecords_FindCustomers(t *testing.T) {
	_, mock, s := setupMockDB(t)
	now := time.Now()

	mock.ExpectQuery(`FROM customers WHERE company_id = \$1 AND \(name ILIKE \$2 OR email ILIKE \$2\)`).
		WithArgs("company-1", "%anna%", 5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "email", "phone", "address", "created_at"}).
			AddRow("c1", "Anna Berg", "anna@example.com", nil, nil, now))

	customers, err := s.FindCustomers(context.Background(), " anna ", 5)
	require.NoError(t, err)
	require.Len(t, customers, 1)
	assert.Equal(t, "anna@example.com", customers[0].Email)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTenantRecords_ListStaff(t *testing.T) {
	_, mock, s := setupMockDB(t)

	mock.ExpectQuery(`FROM employees WHERE company_id = \$1`).
		WithArgs("company-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "email"}).
			AddRow("e1", "Bo", "bo@firm.example").
			AddRow("e2", "Cy", nil))

	staff, err := s.ListStaff(context.Background())
	require.NoError(t, err)
	require.Len(t, staff, 2)
	assert.Equal(t, "bo@firm.example", staff[0].Email)
	assert.Empty(t, staff[1].Email)
	assert.NoError(t, mock.ExpectationsWereMet())
}
