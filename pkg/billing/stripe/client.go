package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/tarotlab/billingsync/pkg/billing"
)

// apiProcessor implements billing.Processor with the Stripe API.
type apiProcessor struct {
	client  *stripe.Client
	metrics billing.Metrics
}

func (a *apiProcessor) RetrieveSubscription(ctx context.Context, externalID string) (*billing.Subscription, error) {
	const endpoint = "subscriptions.retrieve"
	start := time.Now()

	sub, err := a.client.V1Subscriptions.Retrieve(ctx, externalID, nil)
	a.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
	if err != nil {
		a.metrics.RecordAPICall(providerName, endpoint, "error")
		return nil, fmt.Errorf("%w: retrieve subscription %s: %v", billing.ErrProviderAPIError, externalID, err)
	}
	a.metrics.RecordAPICall(providerName, endpoint, "success")
	return fromStripeSubscription(sub), nil
}

// fromStripeSubscription maps an API subscription onto the local record.
// Period bounds live on the subscription items since API version 2025-03-31.
func fromStripeSubscription(s *stripe.Subscription) *billing.Subscription {
	sub := &billing.Subscription{
		ExternalID: s.ID,
		UserID:     billing.UserIDFromMetadata(s.Metadata),
		Status:     billing.SubscriptionStatus(s.Status),
		CancelAt:   billing.UnixTime(s.CancelAt),
		CanceledAt: billing.UnixTime(s.CanceledAt),
		TrialEnd:   billing.UnixTime(s.TrialEnd),
		Metadata:   s.Metadata,
	}
	if s.Customer != nil {
		sub.CustomerID = s.Customer.ID
	}
	if s.Items != nil && len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		if item.Price != nil {
			sub.PriceID = item.Price.ID
		}
		sub.CurrentPeriodStart = billing.UnixTime(item.CurrentPeriodStart)
		sub.CurrentPeriodEnd = billing.UnixTime(item.CurrentPeriodEnd)
	}
	if s.CancellationDetails != nil {
		sub.CancellationReason = string(s.CancellationDetails.Reason)
	}
	return sub
}
