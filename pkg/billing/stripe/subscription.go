package stripe

import (
	"context"
	"math"

	"github.com/tarotlab/billingsync/pkg/billing"
)

// subscriptionError attaches the subscription's identifiers to a handler failure.
func subscriptionError(op string, ev *Event, sub *billing.Subscription, err error) *billing.HandlerError {
	he := handlerError(op, ev, err)
	he.UserID = sub.UserID
	he.CustomerID = sub.CustomerID
	he.SubscriptionID = sub.ExternalID
	return he
}

func (p *Provider) handleSubscriptionCreated(ctx context.Context, ev *Event, pl SubscriptionCreated) (billing.Ack, error) {
	sub := pl.Subscription
	if sub.UserID == "" {
		p.logger.Info("subscription created without user id",
			billing.Field{Key: "event_id", Value: ev.ID},
			billing.Field{Key: "subscription_id", Value: sub.ExternalID})
		return billing.Skipped(billing.ErrUnresolvableUserID), nil
	}

	if err := p.store.UpsertSubscription(ctx, sub); err != nil {
		return billing.Ack{}, subscriptionError("subscription.created", ev, sub, err)
	}
	return billing.Applied(), nil
}

func (p *Provider) handleSubscriptionUpdated(ctx context.Context, ev *Event, pl SubscriptionUpdated) (billing.Ack, error) {
	sub := pl.Subscription

	prior, err := p.loadSubscription(ctx, sub.ExternalID)
	if err != nil {
		return billing.Ack{}, subscriptionError("subscription.updated", ev, sub, err)
	}
	if sub.UserID == "" && prior != nil {
		sub.UserID = prior.UserID
	}
	if sub.UserID == "" {
		p.logger.Info("subscription updated without user id",
			billing.Field{Key: "event_id", Value: ev.ID},
			billing.Field{Key: "subscription_id", Value: sub.ExternalID})
		return billing.Skipped(billing.ErrUnresolvableUserID), nil
	}
	if !sub.Status.Valid() {
		p.logger.Warn("unknown subscription status",
			billing.Field{Key: "subscription_id", Value: sub.ExternalID},
			billing.Field{Key: "status", Value: string(sub.Status)})
	}

	prev := billing.SnapshotOf(prior, p.prices)
	next := billing.SnapshotOf(sub, p.prices)

	if err := p.store.UpsertSubscription(ctx, sub); err != nil {
		return billing.Ack{}, subscriptionError("subscription.updated", ev, sub, err)
	}

	now := p.clock.Now()
	for _, tr := range billing.DetectTransitions(prev, next) {
		if tr.Name == billing.EventTierChanged {
			p.metrics.RecordTierChange(providerName, string(prev.Tier), string(next.Tier))
		}
		p.emit(ctx, tr.Event(sub.UserID, now))
	}
	return billing.Applied(), nil
}

func (p *Provider) handleSubscriptionDeleted(ctx context.Context, ev *Event, pl SubscriptionDeleted) (billing.Ack, error) {
	sub := pl.Subscription

	prior, err := p.loadSubscription(ctx, sub.ExternalID)
	if err != nil {
		return billing.Ack{}, subscriptionError("subscription.deleted", ev, sub, err)
	}
	if sub.UserID == "" && prior != nil {
		sub.UserID = prior.UserID
	}
	if sub.UserID == "" {
		p.logger.Info("deleted subscription is unknown and has no user id",
			billing.Field{Key: "event_id", Value: ev.ID},
			billing.Field{Key: "subscription_id", Value: sub.ExternalID})
		return billing.Skipped(billing.ErrUnresolvableUserID), nil
	}

	now := p.clock.Now()
	sub.Status = billing.StatusCanceled
	if sub.CanceledAt == nil {
		sub.CanceledAt = &now
	}
	if sub.CancellationReason == "" && prior != nil {
		sub.CancellationReason = prior.CancellationReason
	}

	if err := p.store.UpsertSubscription(ctx, sub); err != nil {
		return billing.Ack{}, subscriptionError("subscription.deleted", ev, sub, err)
	}

	// A replayed deletion finds the record already canceled.
	if prior != nil && prior.Status == billing.StatusCanceled {
		return billing.Applied(), nil
	}

	lostTier := billing.SnapshotOf(prior, p.prices).Tier
	if prior == nil {
		lostTier = sub.Tier(p.prices)
	}
	if lostTier != billing.TierFree {
		p.metrics.RecordTierChange(providerName, string(lostTier), string(billing.TierFree))
	}

	if prior != nil && prior.Status == billing.StatusTrialing {
		duration := now.Sub(prior.CreatedAt)
		if duration < 0 || prior.CreatedAt.IsZero() {
			duration = 0
		}
		md := map[string]interface{}{
			"tier":                 string(lostTier),
			"trialDurationSeconds": int64(duration.Seconds()),
			"trialDurationDays":    int(math.Floor(duration.Hours() / 24)),
		}
		if sub.CancellationReason != "" {
			md["reason"] = sub.CancellationReason
		}
		p.emit(ctx, billing.NewAnalyticsEvent(billing.EventTrialCanceled, sub.UserID, md, now))
		return billing.Applied(), nil
	}

	md := map[string]interface{}{"tier": string(lostTier)}
	if sub.CancellationReason != "" {
		md["reason"] = sub.CancellationReason
	}
	p.emit(ctx, billing.NewAnalyticsEvent(billing.EventSubscriptionCanceled, sub.UserID, md, now))
	return billing.Applied(), nil
}
