package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/capitalize-ai/business-assistant/internal/model"
)

// Snapshot is an in-memory Records seeded from the records a client sent with
// its turn. Writes are visible for the rest of the turn and can be read back
// with Export so the client can reconcile.
type Snapshot struct {
	mu sync.RWMutex

	customers    map[string]*model.Customer
	projects     map[string]*model.Project
	invoices     map[string]*model.Invoice
	appointments map[string]*model.Appointment
	suppliers    map[string]*model.Supplier
	staff        []model.Employee
	notes        []model.Note

	customerOrder []string
	projectOrder  []string
}

var _ Records = (*Snapshot)(nil)

// NewSnapshot copies snap into a fresh in-memory store.
func NewSnapshot(snap model.Snapshot) *Snapshot {
	s := &Snapshot{
		customers:    make(map[string]*model.Customer, len(snap.Customers)),
		projects:     make(map[string]*model.Project, len(snap.Projects)),
		invoices:     make(map[string]*model.Invoice, len(snap.Invoices)),
		appointments: make(map[string]*model.Appointment, len(snap.Appointments)),
		suppliers:    make(map[string]*model.Supplier, len(snap.Suppliers)),
		staff:        append([]model.Employee(nil), snap.Staff...),
	}
	for i := range snap.Customers {
		c := snap.Customers[i]
		s.customers[c.ID] = &c
		s.customerOrder = append(s.customerOrder, c.ID)
	}
	for i := range snap.Projects {
		p := snap.Projects[i]
		p.Items = append([]model.ProjectItem(nil), p.Items...)
		s.projects[p.ID] = &p
		s.projectOrder = append(s.projectOrder, p.ID)
	}
	for i := range snap.Invoices {
		inv := snap.Invoices[i]
		s.invoices[inv.ID] = &inv
	}
	for i := range snap.Appointments {
		a := snap.Appointments[i]
		s.appointments[a.ID] = &a
	}
	for i := range snap.Suppliers {
		sup := snap.Suppliers[i]
		s.suppliers[sup.ID] = &sup
	}
	return s
}

// Export returns the current state as a snapshot.
func (s *Snapshot) Export() model.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out model.Snapshot
	for _, id := range s.customerOrder {
		out.Customers = append(out.Customers, *s.customers[id])
	}
	for _, id := range s.projectOrder {
		p := *s.projects[id]
		p.Items = append([]model.ProjectItem(nil), p.Items...)
		out.Projects = append(out.Projects, p)
	}
	for _, inv := range s.invoices {
		out.Invoices = append(out.Invoices, *inv)
	}
	sort.Slice(out.Invoices, func(i, j int) bool { return out.Invoices[i].ID < out.Invoices[j].ID })
	for _, a := range s.appointments {
		out.Appointments = append(out.Appointments, *a)
	}
	sort.Slice(out.Appointments, func(i, j int) bool { return out.Appointments[i].ID < out.Appointments[j].ID })
	for _, sup := range s.suppliers {
		out.Suppliers = append(out.Suppliers, *sup)
	}
	sort.Slice(out.Suppliers, func(i, j int) bool { return out.Suppliers[i].ID < out.Suppliers[j].ID })
	out.Staff = append([]model.Employee(nil), s.staff...)
	return out
}

// Notes returns the notes added during the turn.
func (s *Snapshot) Notes() []model.Note {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Note(nil), s.notes...)
}

func (s *Snapshot) GetCustomer(_ context.Context, id string) (*model.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.customers[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *c
	return &out, nil
}

func (s *Snapshot) FindCustomers(_ context.Context, query string, limit int) ([]model.Customer, error) {
	if limit <= 0 {
		limit = 10
	}
	q := strings.ToLower(strings.TrimSpace(query))

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Customer
	for _, id := range s.customerOrder {
		c := s.customers[id]
		if strings.Contains(strings.ToLower(c.Name), q) || strings.Contains(strings.ToLower(c.Email), q) {
			out = append(out, *c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Snapshot) InsertCustomer(_ context.Context, c *model.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	if _, exists := s.customers[c.ID]; !exists {
		s.customerOrder = append(s.customerOrder, c.ID)
	}
	s.customers[c.ID] = &cp
	return nil
}

func (s *Snapshot) UpdateCustomerContact(_ context.Context, id string, email, phone *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[id]
	if !ok {
		return ErrNotFound
	}
	if email != nil {
		c.Email = *email
	}
	if phone != nil {
		c.Phone = *phone
	}
	return nil
}

func (s *Snapshot) GetProject(_ context.Context, id string) (*model.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *p
	out.Items = nil
	return &out, nil
}

func (s *Snapshot) ListProjectItems(_ context.Context, projectID string) ([]model.ProjectItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[projectID]
	if !ok {
		return nil, ErrNotFound
	}
	items := append([]model.ProjectItem(nil), p.Items...)
	sort.SliceStable(items, func(i, j int) bool { return items[i].Position < items[j].Position })
	return items, nil
}

func (s *Snapshot) InsertProjectItem(_ context.Context, item *model.ProjectItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[item.ProjectID]
	if !ok {
		return ErrNotFound
	}
	p.Items = append(p.Items, *item)
	return nil
}

func (s *Snapshot) UpdateProjectItem(_ context.Context, item *model.ProjectItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[item.ProjectID]
	if !ok {
		return ErrNotFound
	}
	for i := range p.Items {
		if p.Items[i].ID == item.ID {
			p.Items[i] = *item
			return nil
		}
	}
	return ErrNotFound
}

func (s *Snapshot) UpdateProjectTotals(_ context.Context, p *model.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.projects[p.ID]
	if !ok {
		return ErrNotFound
	}
	cur.NetTotal = p.NetTotal
	cur.TaxTotal = p.TaxTotal
	cur.GrossTotal = p.GrossTotal
	cur.UpdatedAt = p.UpdatedAt
	return nil
}

func (s *Snapshot) InsertNote(_ context.Context, n *model.Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[n.ProjectID]; !ok {
		return ErrNotFound
	}
	s.notes = append(s.notes, *n)
	return nil
}

func (s *Snapshot) GetInvoice(_ context.Context, id string) (*model.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *inv
	return &out, nil
}

func (s *Snapshot) InsertInvoice(_ context.Context, inv *model.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *inv
	s.invoices[inv.ID] = &cp
	return nil
}

func (s *Snapshot) MarkInvoicePaid(_ context.Context, id string, paidOn time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return ErrNotFound
	}
	inv.Status = model.InvoiceStatusPaid
	inv.PaidOn = &paidOn
	return nil
}

func (s *Snapshot) GetAppointment(_ context.Context, id string) (*model.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.appointments[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *a
	return &out, nil
}

func (s *Snapshot) InsertAppointment(_ context.Context, a *model.Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.appointments[a.ID] = &cp
	return nil
}

func (s *Snapshot) UpdateAppointmentTime(_ context.Context, id string, startsAt time.Time, durationMinutes int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appointments[id]
	if !ok {
		return ErrNotFound
	}
	a.StartsAt = startsAt
	a.DurationMinutes = durationMinutes
	return nil
}

func (s *Snapshot) GetSupplier(_ context.Context, id string) (*model.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sup, ok := s.suppliers[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *sup
	return &out, nil
}

func (s *Snapshot) ListStaff(_ context.Context) ([]model.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Employee(nil), s.staff...), nil
}
