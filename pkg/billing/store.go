package billing

import "context"

// Store persists billing state. Every write is an upsert keyed by the
// processor's external id and is atomic per id; last write wins.
type Store interface {
	// UpsertSubscription inserts or replaces the record for sub.ExternalID.
	// CreatedAt of an existing record is preserved. UpdatedAt is set by the store.
	UpsertSubscription(ctx context.Context, sub *Subscription) error

	// GetSubscription returns ErrSubscriptionNotFound when no record exists.
	GetSubscription(ctx context.Context, externalID string) (*Subscription, error)

	// CurrentSubscription returns the user's most recently updated
	// non-terminal subscription, falling back to the most recent terminal one.
	// Returns ErrSubscriptionNotFound when the user has none.
	CurrentSubscription(ctx context.Context, userID string) (*Subscription, error)

	// UpsertInvoice inserts or replaces the record for inv.ExternalID.
	UpsertInvoice(ctx context.Context, inv *Invoice) error

	// LinkCustomer points userID at customerID. A customer id is linked to at
	// most one user; any other user holding it is unlinked.
	LinkCustomer(ctx context.Context, userID, customerID string) error

	// UnlinkCustomers clears customerID from every user that holds it and
	// reports how many links were cleared.
	UnlinkCustomers(ctx context.Context, customerID string) (int64, error)

	// UserIDByCustomer returns ErrCustomerNotLinked when no user holds customerID.
	UserIDByCustomer(ctx context.Context, customerID string) (string, error)

	// CustomerIDByUser returns ErrCustomerNotLinked when the user has no customer.
	CustomerIDByUser(ctx context.Context, userID string) (string, error)

	// AppendAnalyticsEvent stores an analytics event. Events are never updated.
	AppendAnalyticsEvent(ctx context.Context, event *AnalyticsEvent) error
}

// LedgerClaim is the outcome of EventLedger.Claim.
type LedgerClaim int

const (
	// ClaimAcquired means the caller holds the in-flight lock and must call
	// Complete or Release.
	ClaimAcquired LedgerClaim = iota
	// ClaimInFlight means another delivery holds the lock and has not finished.
	ClaimInFlight
	// ClaimProcessed means the event was already applied.
	ClaimProcessed
)

// EventLedger deduplicates webhook deliveries by event id. An event is only
// marked processed after its handler succeeded; until then it is guarded by a
// short-lived lock that expires on its own if the process dies mid-handler.
type EventLedger interface {
	// Claim takes the in-flight lock for eventID unless the event is already
	// processed or locked by another delivery.
	Claim(ctx context.Context, eventID string) (LedgerClaim, error)

	// Complete marks eventID processed and drops the lock.
	Complete(ctx context.Context, eventID string) error

	// Release drops the lock without marking the event processed, so a later
	// delivery is applied.
	Release(ctx context.Context, eventID string) error
}

// Processor is the subset of the payment processor API that reconciliation
// needs.
type Processor interface {
	RetrieveSubscription(ctx context.Context, externalID string) (*Subscription, error)
}
