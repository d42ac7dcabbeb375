package store

import (
	"context"
	"errors"
	"sync"

	"github.com/capitalize-ai/business-assistant/internal/model"
)

// Tracked wraps Records for the duration of one turn and remembers the
// customer rows the turn created or changed, so that Baseline can answer
// with the rows as they were before the turn touched them.
type Tracked struct {
	Records

	mu       sync.Mutex
	original map[string]*model.Customer
	created  map[string]struct{}
}

// Track starts tracking writes to r.
func Track(r Records) *Tracked {
	return &Tracked{
		Records:  r,
		original: make(map[string]*model.Customer),
		created:  make(map[string]struct{}),
	}
}

// InsertCustomer remembers ids created during the turn.
func (t *Tracked) InsertCustomer(ctx context.Context, c *model.Customer) error {
	if err := t.Records.InsertCustomer(ctx, c); err != nil {
		return err
	}
	t.mu.Lock()
	t.created[c.ID] = struct{}{}
	t.mu.Unlock()
	return nil
}

// UpdateCustomerContact keeps the first pre-turn version of the customer.
func (t *Tracked) UpdateCustomerContact(ctx context.Context, id string, email, phone *string) error {
	t.mu.Lock()
	_, seen := t.original[id]
	t.mu.Unlock()
	if !seen {
		before, err := t.Records.GetCustomer(ctx, id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if before != nil {
			cp := *before
			t.mu.Lock()
			if _, ok := t.original[id]; !ok {
				t.original[id] = &cp
			}
			t.mu.Unlock()
		}
	}
	return t.Records.UpdateCustomerContact(ctx, id, email, phone)
}

// Changed reports whether the turn created or changed customer id.
func (t *Tracked) Changed(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, created := t.created[id]
	_, updated := t.original[id]
	return created || updated
}

// Baseline returns a read view of the records as they stood when tracking
// started. Customers created during the turn do not exist in it.
func (t *Tracked) Baseline() Records {
	return &baseline{Records: t.Records, t: t}
}

type baseline struct {
	Records
	t *Tracked
}

func (b *baseline) GetCustomer(ctx context.Context, id string) (*model.Customer, error) {
	b.t.mu.Lock()
	_, created := b.t.created[id]
	before, updated := b.t.original[id]
	b.t.mu.Unlock()
	switch {
	case created:
		return nil, ErrNotFound
	case updated:
		cp := *before
		return &cp, nil
	}
	return b.Records.GetCustomer(ctx, id)
}
