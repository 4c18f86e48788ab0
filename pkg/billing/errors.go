package billing

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrSignatureMissing is returned when a webhook request carries no signature header
	ErrSignatureMissing = errors.New("missing webhook signature")

	// ErrSignatureInvalid is returned when webhook signature validation fails
	ErrSignatureInvalid = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrUnresolvableUserID marks events that carry no local user id
	ErrUnresolvableUserID = errors.New("event carries no local user id")

	// ErrUnresolvableCustomer marks invoices whose customer has no local user
	ErrUnresolvableCustomer = errors.New("customer has no local user")

	// ErrSubscriptionNotFound is returned when no local subscription matches
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrCustomerNotLinked is returned when a user or customer has no link
	ErrCustomerNotLinked = errors.New("customer not linked")

	// ErrUnknownTier is returned for tier names outside free, basic, pro, vip
	ErrUnknownTier = errors.New("unknown tier")

	// ErrTierNotConfigured is returned when a tier has no price in the PriceMap
	ErrTierNotConfigured = errors.New("tier not configured in price map")

	// ErrProviderAPIError is returned when the processor's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrEventInFlight is returned when another delivery of the same event is
	// still being processed. The webhook answers non-2xx so the processor retries.
	ErrEventInFlight = errors.New("webhook event is in flight")
)

// HandlerError is a failure inside a recognized event handler. The webhook
// endpoint still acknowledges the event; the error only reaches the
// exception tracker.
type HandlerError struct {
	Op        string
	EventID   string
	EventType string

	UserID         string
	CustomerID     string
	SubscriptionID string

	Err error
}

func (e *HandlerError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.EventID != "" {
		fmt.Fprintf(&b, " [event %s]", e.EventID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
