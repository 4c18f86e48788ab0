package billing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Entitlement is a user's effective access at a point in time.
type Entitlement struct {
	UserID string
	Tier   Tier

	// Subscription is nil when the user never subscribed.
	Subscription *Subscription

	InGracePeriod    bool
	DaysRemaining    int
	PendingDowngrade *PendingDowngrade
}

// HasAccess reports whether the entitlement covers min.
func (e *Entitlement) HasAccess(min Tier) bool {
	if e == nil {
		return min == TierFree
	}
	return e.Tier.AtLeast(min)
}

// Entitlements resolves effective tiers on the read path. It derives the tier
// with the same ResolveTier the webhook handlers use.
type Entitlements struct {
	store  Store
	prices PriceMap
	clock  Clock
}

// NewEntitlements creates a resolver. A nil clock means SystemClock.
func NewEntitlements(store Store, prices PriceMap, clock Clock) *Entitlements {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Entitlements{store: store, prices: prices, clock: clock}
}

// Resolve returns the user's entitlement. A user without a subscription gets
// the free tier. Only statuses that grant access carry the subscription's tier.
func (e *Entitlements) Resolve(ctx context.Context, userID string) (*Entitlement, error) {
	ent := &Entitlement{UserID: userID, Tier: TierFree}

	sub, err := e.store.CurrentSubscription(ctx, userID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return ent, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load current subscription: %w", err)
	}

	now := e.clock.Now()
	ent.Subscription = sub
	if sub.Status.GrantsAccess() {
		ent.Tier = sub.Tier(e.prices)
	}
	ent.InGracePeriod = IsInGracePeriod(sub, now)
	ent.PendingDowngrade = sub.PendingDowngrade()
	if end := accessEnd(sub, ent.InGracePeriod); end != nil {
		ent.DaysRemaining = DaysUntil(*end, now)
	}
	return ent, nil
}

// accessEnd picks the date the current access runs until.
func accessEnd(sub *Subscription, inGrace bool) *time.Time {
	switch {
	case sub.Status == StatusTrialing && sub.TrialEnd != nil:
		return sub.TrialEnd
	case inGrace:
		return sub.CancelAt
	case sub.Status.GrantsAccess():
		return sub.CurrentPeriodEnd
	default:
		return nil
	}
}
