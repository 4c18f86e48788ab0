package billing

import (
	"context"
	"net/http"
)

// Provider is the interface a payment processor integration implements.
type Provider interface {
	// Name returns the provider name (e.g. "stripe").
	Name() string

	// WebhookHandler returns the HTTP handler that processes processor events.
	// The implementation handles verification, parsing and store updates
	// internally.
	WebhookHandler() http.Handler

	// SyncSubscription re-reads a subscription from the processor and writes it
	// to the store. Used for manual replays and support tooling.
	SyncSubscription(ctx context.Context, externalID string) (*Subscription, error)
}
