package billing

import "context"

// CircuitBreakerStore wraps a Store implementation with circuit breaker protection.
type CircuitBreakerStore struct {
	store Store
	cb    CircuitBreaker
}

var _ Store = (*CircuitBreakerStore)(nil)

// NewCircuitBreakerStore creates a new store wrapper with circuit breaker.
func NewCircuitBreakerStore(store Store, cb CircuitBreaker) *CircuitBreakerStore {
	return &CircuitBreakerStore{
		store: store,
		cb:    cb,
	}
}

func (s *CircuitBreakerStore) UpsertSubscription(ctx context.Context, sub *Subscription) error {
	return s.cb.Execute(ctx, func() error {
		return s.store.UpsertSubscription(ctx, sub)
	})
}

func (s *CircuitBreakerStore) GetSubscription(ctx context.Context, externalID string) (*Subscription, error) {
	var sub *Subscription
	err := s.cb.Execute(ctx, func() error {
		var e error
		sub, e = s.store.GetSubscription(ctx, externalID)
		return e
	})
	return sub, err
}

func (s *CircuitBreakerStore) CurrentSubscription(ctx context.Context, userID string) (*Subscription, error) {
	var sub *Subscription
	err := s.cb.Execute(ctx, func() error {
		var e error
		sub, e = s.store.CurrentSubscription(ctx, userID)
		return e
	})
	return sub, err
}

func (s *CircuitBreakerStore) UpsertInvoice(ctx context.Context, inv *Invoice) error {
	return s.cb.Execute(ctx, func() error {
		return s.store.UpsertInvoice(ctx, inv)
	})
}

func (s *CircuitBreakerStore) LinkCustomer(ctx context.Context, userID, customerID string) error {
	return s.cb.Execute(ctx, func() error {
		return s.store.LinkCustomer(ctx, userID, customerID)
	})
}

func (s *CircuitBreakerStore) UnlinkCustomers(ctx context.Context, customerID string) (int64, error) {
	var n int64
	err := s.cb.Execute(ctx, func() error {
		var e error
		n, e = s.store.UnlinkCustomers(ctx, customerID)
		return e
	})
	return n, err
}

func (s *CircuitBreakerStore) UserIDByCustomer(ctx context.Context, customerID string) (string, error) {
	var userID string
	err := s.cb.Execute(ctx, func() error {
		var e error
		userID, e = s.store.UserIDByCustomer(ctx, customerID)
		return e
	})
	return userID, err
}

func (s *CircuitBreakerStore) CustomerIDByUser(ctx context.Context, userID string) (string, error) {
	var customerID string
	err := s.cb.Execute(ctx, func() error {
		var e error
		customerID, e = s.store.CustomerIDByUser(ctx, userID)
		return e
	})
	return customerID, err
}

func (s *CircuitBreakerStore) AppendAnalyticsEvent(ctx context.Context, event *AnalyticsEvent) error {
	return s.cb.Execute(ctx, func() error {
		return s.store.AppendAnalyticsEvent(ctx, event)
	})
}
