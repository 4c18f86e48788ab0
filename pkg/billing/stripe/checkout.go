package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/tarotlab/billingsync/pkg/billing"
)

// CheckoutRequest describes a subscription checkout for a user.
type CheckoutRequest struct {
	UserID     string
	Email      string
	Tier       billing.Tier
	SuccessURL string
	CancelURL  string

	// TrialDays starts the subscription with a trial when positive.
	TrialDays int64
}

// CheckoutURL creates a Stripe Checkout Session and returns the URL.
// The tier is resolved to a price with the configured PriceMap. A Stripe
// customer is created and linked on the user's first checkout so that later
// invoices can be attributed.
func (p *Provider) CheckoutURL(ctx context.Context, req CheckoutRequest) (string, error) {
	if p.stripeClient == nil {
		return "", fmt.Errorf("%w: stripe API key not configured", billing.ErrProviderNotConfigured)
	}
	if strings.TrimSpace(req.UserID) == "" {
		return "", fmt.Errorf("%w: empty user id", billing.ErrUnresolvableUserID)
	}

	// 1. Resolve tier to Stripe Price ID
	priceID := p.prices.PriceFor(req.Tier)
	if priceID == "" {
		p.metrics.RecordAPICall(providerName, "checkout.sessions.create", "tier_not_found")
		return "", fmt.Errorf("%w: %s", billing.ErrTierNotConfigured, req.Tier)
	}

	// 2. Resolve or create the customer
	customerID, err := p.ensureCustomer(ctx, req.UserID, req.Email)
	if err != nil {
		return "", err
	}

	// 3. Create Checkout Session
	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		Customer:          stripe.String(customerID),
		ClientReferenceID: stripe.String(req.UserID),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
	}
	params.AddMetadata(billing.MetadataUserID, req.UserID)
	params.AddMetadata(billing.MetadataTier, string(req.Tier))

	// The subscription carries the user id so its own events can be attributed.
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata(billing.MetadataUserID, req.UserID)
	params.SubscriptionData.AddMetadata(billing.MetadataTier, string(req.Tier))
	if req.TrialDays > 0 {
		params.SubscriptionData.TrialPeriodDays = stripe.Int64(req.TrialDays)
	}

	startTime := time.Now()
	session, err := p.stripeClient.V1CheckoutSessions.Create(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, "checkout.sessions.create", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "checkout.sessions.create", "error")
		return "", fmt.Errorf("%w: create checkout session: %v", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, "checkout.sessions.create", "success")

	return session.URL, nil
}

// PortalURL creates a Stripe Customer Portal Session and returns the URL.
// This allows users to manage their subscription, update payment methods, or cancel.
func (p *Provider) PortalURL(ctx context.Context, userID, returnURL string) (string, error) {
	if p.stripeClient == nil {
		return "", fmt.Errorf("%w: stripe API key not configured", billing.ErrProviderNotConfigured)
	}

	customerID, err := p.store.CustomerIDByUser(ctx, userID)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "billing_portal.sessions.create", "customer_not_found")
		return "", fmt.Errorf("portal for %s: %w", userID, err)
	}

	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}

	startTime := time.Now()
	session, err := p.stripeClient.V1BillingPortalSessions.Create(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, "billing_portal.sessions.create", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "billing_portal.sessions.create", "error")
		return "", fmt.Errorf("%w: create portal session: %v", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, "billing_portal.sessions.create", "success")

	return session.URL, nil
}

// ensureCustomer returns the user's linked customer, creating one in Stripe
// when there is none. Only a missing link leads to creation; a store failure
// aborts so that no duplicate customer is created.
func (p *Provider) ensureCustomer(ctx context.Context, userID, email string) (string, error) {
	customerID, err := p.store.CustomerIDByUser(ctx, userID)
	if err == nil {
		return customerID, nil
	}
	if !errors.Is(err, billing.ErrCustomerNotLinked) {
		return "", fmt.Errorf("failed to resolve customer: %w", err)
	}

	params := &stripe.CustomerCreateParams{}
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.AddMetadata(billing.MetadataUserID, userID)

	startTime := time.Now()
	cust, err := p.stripeClient.V1Customers.Create(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, "customers.create", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "customers.create", "error")
		return "", fmt.Errorf("%w: create customer: %v", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, "customers.create", "success")

	if err := p.store.LinkCustomer(ctx, userID, cust.ID); err != nil {
		return "", fmt.Errorf("link customer %s: %w", cust.ID, err)
	}
	return cust.ID, nil
}
