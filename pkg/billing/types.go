package billing

import (
	"strconv"
	"time"
)

// Metadata keys the application writes on processor objects.
const (
	MetadataUserID               = "userId"
	MetadataUserIDLegacy         = "user_id"
	MetadataTier                 = "tier"
	MetadataPendingDowngradeTier = "pendingDowngradeTier"
	MetadataPendingDowngradeAt   = "pendingDowngradeAt"
)

// Customer links a local user to a processor customer.
type Customer struct {
	UserID string

	// CustomerID is empty when the processor customer was deleted.
	CustomerID string
}

// Subscription is the local record of a processor subscription, keyed by
// ExternalID. Tier is intentionally absent; see Subscription.Tier.
type Subscription struct {
	ExternalID string
	CustomerID string
	UserID     string
	PriceID    string
	Status     SubscriptionStatus

	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAt           *time.Time
	CanceledAt         *time.Time
	TrialEnd           *time.Time

	CancellationReason string
	Metadata           map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Tier derives the subscription's tier from its price.
func (s *Subscription) Tier(pm PriceMap) Tier {
	if s == nil {
		return TierFree
	}
	return ResolveTier(s.PriceID, pm)
}

// Clone returns a deep copy.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	c.CurrentPeriodStart = cloneTime(s.CurrentPeriodStart)
	c.CurrentPeriodEnd = cloneTime(s.CurrentPeriodEnd)
	c.CancelAt = cloneTime(s.CancelAt)
	c.CanceledAt = cloneTime(s.CanceledAt)
	c.TrialEnd = cloneTime(s.TrialEnd)
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// PendingDowngrade describes a tier change scheduled for a future date.
type PendingDowngrade struct {
	Tier        Tier
	EffectiveAt time.Time
}

// PendingDowngrade reads the pending-downgrade descriptor from metadata.
// The effective date may be RFC 3339 or unix seconds.
func (s *Subscription) PendingDowngrade() *PendingDowngrade {
	if s == nil || s.Metadata == nil {
		return nil
	}
	tier, err := ParseTier(s.Metadata[MetadataPendingDowngradeTier])
	if err != nil {
		return nil
	}
	at, ok := parseMetadataTime(s.Metadata[MetadataPendingDowngradeAt])
	if !ok {
		return nil
	}
	return &PendingDowngrade{Tier: tier, EffectiveAt: at}
}

// Invoice is a billing-history record keyed by ExternalID.
type Invoice struct {
	ExternalID string
	UserID     string

	// SubscriptionID is the external id of the linked local subscription,
	// empty when it could not be resolved.
	SubscriptionID string

	AmountMinor  int64
	Currency     string
	Status       string
	AttemptCount int64

	PeriodStart *time.Time
	PeriodEnd   *time.Time
	IssuedAt    *time.Time
	PaidAt      *time.Time

	UpdatedAt time.Time
}

// Clone returns a deep copy.
func (i *Invoice) Clone() *Invoice {
	if i == nil {
		return nil
	}
	c := *i
	c.PeriodStart = cloneTime(i.PeriodStart)
	c.PeriodEnd = cloneTime(i.PeriodEnd)
	c.IssuedAt = cloneTime(i.IssuedAt)
	c.PaidAt = cloneTime(i.PaidAt)
	return &c
}

// UserIDFromMetadata returns the local user id carried on a processor object.
func UserIDFromMetadata(md map[string]string) string {
	if md == nil {
		return ""
	}
	if id := md[MetadataUserID]; id != "" {
		return id
	}
	return md[MetadataUserIDLegacy]
}

// UnixTime converts processor unix seconds to a UTC time; 0 means unset.
func UnixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func parseMetadataTime(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), true
	}
	if sec, err := strconv.ParseInt(v, 10, 64); err == nil && sec > 0 {
		return time.Unix(sec, 0).UTC(), true
	}
	return time.Time{}, false
}
