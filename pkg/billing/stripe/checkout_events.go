package stripe

import (
	"context"

	"github.com/tarotlab/billingsync/pkg/billing"
)

func (p *Provider) handleCheckoutCompleted(ctx context.Context, ev *Event, pl CheckoutCompleted) (billing.Ack, error) {
	session := pl.Session
	if session.Mode != checkoutModeSubscription {
		return billing.Ignored("checkout mode " + session.Mode), nil
	}

	userID := session.UserID()
	if userID == "" {
		p.logger.Info("checkout completed without user id",
			billing.Field{Key: "event_id", Value: ev.ID},
			billing.Field{Key: "session_id", Value: session.ID})
		return billing.Skipped(billing.ErrUnresolvableUserID), nil
	}
	fail := func(err error) (billing.Ack, error) {
		he := handlerError("checkout.session.completed", ev, err)
		he.UserID, he.CustomerID, he.SubscriptionID = userID, session.CustomerID, session.SubscriptionID
		return billing.Ack{}, he
	}

	// The checkout is the first reliable pairing of user and customer.
	if session.CustomerID != "" {
		if err := p.store.LinkCustomer(ctx, userID, session.CustomerID); err != nil {
			return fail(err)
		}
	}

	if session.SubscriptionID == "" {
		p.logger.Warn("subscription checkout without subscription id",
			billing.Field{Key: "session_id", Value: session.ID})
		return billing.Applied(), nil
	}

	sub, err := p.processor.RetrieveSubscription(ctx, session.SubscriptionID)
	if err != nil {
		return fail(err)
	}
	if sub.UserID == "" {
		sub.UserID = userID
	}
	if sub.CustomerID == "" {
		sub.CustomerID = session.CustomerID
	}

	prior, err := p.loadSubscription(ctx, sub.ExternalID)
	if err != nil {
		return fail(err)
	}
	if err := p.store.UpsertSubscription(ctx, sub); err != nil {
		return fail(err)
	}

	tier := sub.Tier(p.prices)
	if intended := session.Metadata[billing.MetadataTier]; intended != "" && intended != string(tier) {
		p.logger.Warn("checkout tier differs from subscription price",
			billing.Field{Key: "session_id", Value: session.ID},
			billing.Field{Key: "intended_tier", Value: intended},
			billing.Field{Key: "tier", Value: string(tier)})
	}

	if from := billing.SnapshotOf(prior, p.prices).Tier; from != tier {
		p.metrics.RecordTierChange(providerName, string(from), string(tier))
	}

	if sub.Status == billing.StatusTrialing {
		md := map[string]interface{}{"tier": string(tier)}
		if sub.TrialEnd != nil {
			md["trialEnd"] = sub.TrialEnd.Unix()
		}
		p.emit(ctx, billing.NewAnalyticsEvent(billing.EventTrialStarted, userID, md, p.clock.Now()))
		return billing.Applied(), nil
	}

	p.logger.Info("subscription activated at checkout",
		billing.Field{Key: "user_id", Value: userID},
		billing.Field{Key: "subscription_id", Value: sub.ExternalID},
		billing.Field{Key: "tier", Value: string(tier)})
	return billing.Applied(), nil
}
