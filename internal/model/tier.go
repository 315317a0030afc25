package model

import "slices"

// Tier identifies which extraction stage produced a value.
type Tier string

// The five extraction tiers. Spatial-anchor output is recorded as
// TierPattern since it is the alternate tier-2 route for scanned documents.
const (
	TierText            Tier = "tier0_text"
	TierProvider        Tier = "tier1_provider"
	TierPattern         Tier = "tier2_pattern"
	TierProviderPattern Tier = "tier3_provider_pattern"
	TierVision          Tier = "tier4_vision"
)

// Tiers lists the known tiers in escalation order.
var Tiers = []Tier{TierText, TierProvider, TierPattern, TierProviderPattern, TierVision}

// Valid reports whether t is one of the five known tiers.
func (t Tier) Valid() bool {
	return slices.Contains(Tiers, t)
}

// Priority orders tiers for per-field selection among the deterministic
// tiers; higher wins. Vision never competes, it only fills gaps.
func (t Tier) Priority() int {
	switch t {
	case TierProviderPattern:
		return 3
	case TierPattern:
		return 2
	case TierProvider:
		return 1
	case TierText:
		return 0
	}
	return -1
}
