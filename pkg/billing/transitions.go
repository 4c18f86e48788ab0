package billing

import "time"

// ChangeType classifies a tier change.
type ChangeType string

const (
	ChangeUpgrade   ChangeType = "upgrade"
	ChangeDowngrade ChangeType = "downgrade"
)

// Snapshot is the part of a subscription the transition detector compares.
type Snapshot struct {
	Tier   Tier
	Status SubscriptionStatus
}

// SnapshotOf captures the tier and status of sub. A nil subscription is the
// implicit "nothing yet" state: free, no status.
func SnapshotOf(sub *Subscription, pm PriceMap) Snapshot {
	if sub == nil {
		return Snapshot{Tier: TierFree}
	}
	return Snapshot{Tier: sub.Tier(pm), Status: sub.Status}
}

// Transition is a semantically meaningful change between two snapshots.
type Transition struct {
	Name     AnalyticsEventName
	Metadata map[string]interface{}
}

// Event turns the transition into an analytics record for userID.
func (t Transition) Event(userID string, at time.Time) *AnalyticsEvent {
	md := make(map[string]interface{}, len(t.Metadata))
	for k, v := range t.Metadata {
		md[k] = v
	}
	return NewAnalyticsEvent(t.Name, userID, md, at)
}

// ClassifyTierChange reports whether moving from one tier to another is an
// upgrade or a downgrade. ok is false when the tiers are equal.
func ClassifyTierChange(from, to Tier) (change ChangeType, ok bool) {
	if from == to {
		return "", false
	}
	if to.Rank() > from.Rank() {
		return ChangeUpgrade, true
	}
	return ChangeDowngrade, true
}

// DetectTransitions compares two snapshots of the same subscription. The tier
// check and the trial-conversion check are independent, so both may fire for a
// single update. Most updates (period rollovers) produce nothing.
func DetectTransitions(prev, next Snapshot) []Transition {
	var out []Transition

	if change, ok := ClassifyTierChange(prev.Tier, next.Tier); ok {
		out = append(out, Transition{
			Name: EventTierChanged,
			Metadata: map[string]interface{}{
				"changeType":   string(change),
				"previousTier": string(prev.Tier),
				"nextTier":     string(next.Tier),
			},
		})
	}

	if prev.Status == StatusTrialing && next.Status == StatusActive {
		out = append(out, Transition{
			Name: EventTrialConverted,
			Metadata: map[string]interface{}{
				"tier": string(next.Tier),
			},
		})
	}

	return out
}
