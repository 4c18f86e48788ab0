// Package memory provides an in-memory implementation of the billing.Store interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tarotlab/billingsync/pkg/billing"
)

// Storage implements billing.Store using in-memory maps
type Storage struct {
	mu            sync.RWMutex
	customers     map[string]string // userID -> customerID
	subscriptions map[string]*billing.Subscription
	invoices      map[string]*billing.Invoice
	events        []*billing.AnalyticsEvent

	now func() time.Time
}

var _ billing.Store = (*Storage)(nil)

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		customers:     make(map[string]string),
		subscriptions: make(map[string]*billing.Subscription),
		invoices:      make(map[string]*billing.Invoice),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// WithClock makes the store stamp records with the given clock.
func (s *Storage) WithClock(c billing.Clock) *Storage {
	s.mu.Lock()
	s.now = c.Now
	s.mu.Unlock()
	return s
}

// UpsertSubscription implements billing.Store
func (s *Storage) UpsertSubscription(_ context.Context, sub *billing.Subscription) error {
	if sub == nil || sub.ExternalID == "" {
		return fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec := sub.Clone()
	if existing, ok := s.subscriptions[sub.ExternalID]; ok {
		rec.CreatedAt = existing.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.subscriptions[sub.ExternalID] = rec
	return nil
}

// GetSubscription implements billing.Store
func (s *Storage) GetSubscription(_ context.Context, externalID string) (*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[externalID]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

// CurrentSubscription implements billing.Store
func (s *Storage) CurrentSubscription(_ context.Context, userID string) (*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []*billing.Subscription
	for _, sub := range s.subscriptions {
		if sub.UserID == userID {
			candidates = append(candidates, sub)
		}
	}
	if len(candidates) == 0 {
		return nil, billing.ErrSubscriptionNotFound
	}

	// Non-terminal first, then most recently updated.
	sort.Slice(candidates, func(i, j int) bool {
		ti, tj := candidates[i].Status.Terminal(), candidates[j].Status.Terminal()
		if ti != tj {
			return !ti
		}
		if !candidates[i].UpdatedAt.Equal(candidates[j].UpdatedAt) {
			return candidates[i].UpdatedAt.After(candidates[j].UpdatedAt)
		}
		return candidates[i].ExternalID > candidates[j].ExternalID
	})
	return candidates[0].Clone(), nil
}

// UpsertInvoice implements billing.Store
func (s *Storage) UpsertInvoice(_ context.Context, inv *billing.Invoice) error {
	if inv == nil || inv.ExternalID == "" {
		return fmt.Errorf("invalid invoice")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := inv.Clone()
	rec.UpdatedAt = s.now()
	s.invoices[inv.ExternalID] = rec
	return nil
}

// Invoice returns a stored invoice, mainly for tests and tooling.
func (s *Storage) Invoice(externalID string) (*billing.Invoice, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoices[externalID]
	if !ok {
		return nil, false
	}
	return inv.Clone(), true
}

// InvoiceCount returns the number of stored invoices.
func (s *Storage) InvoiceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.invoices)
}

// LinkCustomer implements billing.Store
func (s *Storage) LinkCustomer(_ context.Context, userID, customerID string) error {
	if userID == "" || customerID == "" {
		return fmt.Errorf("invalid customer link")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for u, c := range s.customers {
		if c == customerID && u != userID {
			s.customers[u] = ""
		}
	}
	s.customers[userID] = customerID
	return nil
}

// UnlinkCustomers implements billing.Store
func (s *Storage) UnlinkCustomers(_ context.Context, customerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for u, c := range s.customers {
		if c == customerID && customerID != "" {
			s.customers[u] = ""
			n++
		}
	}
	return n, nil
}

// UserIDByCustomer implements billing.Store
func (s *Storage) UserIDByCustomer(_ context.Context, customerID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if customerID == "" {
		return "", billing.ErrCustomerNotLinked
	}
	for u, c := range s.customers {
		if c == customerID {
			return u, nil
		}
	}
	return "", billing.ErrCustomerNotLinked
}

// CustomerIDByUser implements billing.Store
func (s *Storage) CustomerIDByUser(_ context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := s.customers[userID]
	if c == "" {
		return "", billing.ErrCustomerNotLinked
	}
	return c, nil
}

// AppendAnalyticsEvent implements billing.Store
func (s *Storage) AppendAnalyticsEvent(_ context.Context, event *billing.AnalyticsEvent) error {
	if event == nil || event.ID == "" {
		return fmt.Errorf("invalid analytics event")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.events {
		if e.ID == event.ID {
			return nil
		}
	}
	c := *event
	c.Metadata = make(map[string]interface{}, len(event.Metadata))
	for k, v := range event.Metadata {
		c.Metadata[k] = v
	}
	s.events = append(s.events, &c)
	return nil
}

// AnalyticsEvents returns the stored events in append order.
func (s *Storage) AnalyticsEvents() []*billing.AnalyticsEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*billing.AnalyticsEvent, len(s.events))
	copy(out, s.events)
	return out
}

// AnalyticsEventsNamed returns the stored events with the given name.
func (s *Storage) AnalyticsEventsNamed(name billing.AnalyticsEventName) []*billing.AnalyticsEvent {
	var out []*billing.AnalyticsEvent
	for _, e := range s.AnalyticsEvents() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}
