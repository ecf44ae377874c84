package model

import (
	"fmt"
	"strings"
)

// Tier is an access level derived from staked tokens.
type Tier string

const (
	TierNone     Tier = "none"
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
)

// tierOrder is the total order none < bronze < silver < gold < platinum.
var tierOrder = []Tier{TierNone, TierBronze, TierSilver, TierGold, TierPlatinum}

// ParseTier normalizes s into a Tier. The empty string means none.
func ParseTier(s string) (Tier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return TierNone, nil
	}
	for _, t := range tierOrder {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// TierRank returns the position of t in the tier order; unknown tiers rank below none.
func TierRank(t Tier) int {
	if t == "" {
		return 0
	}
	for i, o := range tierOrder {
		if o == t {
			return i
		}
	}
	return -1
}

// HasAccess reports whether an account at tier account may see content requiring tier required.
func HasAccess(account, required Tier) bool {
	return TierRank(account) >= TierRank(required)
}

// Tiers returns all tiers in ascending order, including none.
func Tiers() []Tier {
	out := make([]Tier, len(tierOrder))
	copy(out, tierOrder)
	return out
}
