package billing

import (
	"fmt"
	"sort"
	"strings"
)

// Tier is a subscription level. It is never persisted; it is always derived
// from a processor price identifier through ResolveTier.
type Tier string

const (
	TierFree  Tier = "free"
	TierBasic Tier = "basic"
	TierPro   Tier = "pro"
	TierVIP   Tier = "vip"
)

// tierRanks is the fixed tier order used to classify upgrades and downgrades.
var tierRanks = map[Tier]int{
	TierFree:  0,
	TierBasic: 1,
	TierPro:   2,
	TierVIP:   3,
}

// Rank returns the position of the tier in the order free < basic < pro < vip.
// Unknown tiers rank as free.
func (t Tier) Rank() int {
	return tierRanks[t]
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	_, ok := tierRanks[t]
	return ok
}

// Paid reports whether t is a known tier other than free.
func (t Tier) Paid() bool {
	return t.Valid() && t != TierFree
}

// AtLeast reports whether t ranks at or above min.
func (t Tier) AtLeast(min Tier) bool {
	return t.Rank() >= min.Rank()
}

// ParseTier parses a tier name case-insensitively.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return TierFree, fmt.Errorf("%w: %q", ErrUnknownTier, s)
	}
	return t, nil
}

// PriceMap maps opaque processor price identifiers to paid tiers.
type PriceMap map[string]Tier

// NewPriceMap builds a PriceMap from the price identifiers configured for each
// paid tier. A tier may have several prices (monthly, yearly); a price may
// belong to only one tier.
func NewPriceMap(pricesByTier map[Tier][]string) (PriceMap, error) {
	pm := make(PriceMap)
	for tier, prices := range pricesByTier {
		if !tier.Paid() {
			return nil, fmt.Errorf("%w: %q cannot be mapped to a price", ErrUnknownTier, tier)
		}
		for _, raw := range prices {
			id := strings.TrimSpace(raw)
			if id == "" {
				continue
			}
			if existing, ok := pm[id]; ok && existing != tier {
				return nil, fmt.Errorf("price %s mapped to both %s and %s", id, existing, tier)
			}
			pm[id] = tier
		}
	}
	return pm, nil
}

// ResolveTier maps a price identifier to its tier. Empty or unmapped
// identifiers resolve to TierFree. The function is pure so webhook handlers
// and read paths always agree.
func ResolveTier(priceID string, pm PriceMap) Tier {
	id := strings.TrimSpace(priceID)
	if id == "" {
		return TierFree
	}
	if tier, ok := pm[id]; ok && tier.Paid() {
		return tier
	}
	return TierFree
}

// PriceFor returns a price identifier configured for tier, or "" if none.
// When several prices map to the same tier the lexically smallest is returned
// so the choice is stable.
func (pm PriceMap) PriceFor(tier Tier) string {
	var candidates []string
	for id, t := range pm {
		if t == tier {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Strings(candidates)
	return candidates[0]
}
