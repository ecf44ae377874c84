// Package tier holds the staking tier table: thresholds and per-period reward rates.
package tier

import (
	"fmt"

	"github.com/and161185/fan-ledger/internal/model"
)

// BasisPoints is the denominator for RateBps.
const BasisPoints = 10_000

// Level is one row of the tier table.
type Level struct {
	Tier      model.Tier `yaml:"tier"`
	Threshold int64      `yaml:"threshold"` // minimum staked amount
	RateBps   int64      `yaml:"rate_bps"`  // reward per accrual period, in basis points of staked
}

// Table is an immutable, validated tier table ordered by threshold.
type Table struct {
	levels []Level
}

// New validates levels and builds a table. Thresholds must be positive and
// strictly increasing in tier rank order.
func New(levels []Level) (Table, error) {
	if len(levels) == 0 {
		return Table{}, fmt.Errorf("tier table: no levels")
	}
	out := make([]Level, len(levels))
	copy(out, levels)
	for i, l := range out {
		if model.TierRank(l.Tier) <= 0 {
			return Table{}, fmt.Errorf("tier table: level[%d]: invalid tier %q", i, l.Tier)
		}
		if l.Threshold <= 0 {
			return Table{}, fmt.Errorf("tier table: level[%d]: threshold must be positive", i)
		}
		if l.RateBps < 0 {
			return Table{}, fmt.Errorf("tier table: level[%d]: negative rate", i)
		}
		if i > 0 {
			prev := out[i-1]
			if model.TierRank(l.Tier) <= model.TierRank(prev.Tier) {
				return Table{}, fmt.Errorf("tier table: level[%d]: %s must rank above %s", i, l.Tier, prev.Tier)
			}
			if l.Threshold <= prev.Threshold {
				return Table{}, fmt.Errorf("tier table: level[%d]: thresholds must strictly increase", i)
			}
		}
	}
	return Table{levels: out}, nil
}

// Default returns the built-in table.
func Default() Table {
	t, err := New([]Level{
		{Tier: model.TierBronze, Threshold: 100, RateBps: 100},
		{Tier: model.TierSilver, Threshold: 500, RateBps: 500},
		{Tier: model.TierGold, Threshold: 1000, RateBps: 700},
		{Tier: model.TierPlatinum, Threshold: 2500, RateBps: 1000},
	})
	if err != nil {
		panic(err)
	}
	return t
}

// TierFor returns the highest tier whose threshold is <= staked.
func (t Table) TierFor(staked int64) model.Tier {
	best := model.TierNone
	for _, l := range t.levels {
		if staked >= l.Threshold {
			best = l.Tier
		}
	}
	return best
}

// Level looks up the row for tier tr.
func (t Table) Level(tr model.Tier) (Level, bool) {
	for _, l := range t.levels {
		if l.Tier == tr {
			return l, true
		}
	}
	return Level{}, false
}

// Levels returns a copy of the rows in ascending order.
func (t Table) Levels() []Level {
	out := make([]Level, len(t.levels))
	copy(out, t.levels)
	return out
}

// RewardPerPeriod returns the accrual for staked tokens at tier tr.
func (t Table) RewardPerPeriod(tr model.Tier, staked int64) int64 {
	l, ok := t.Level(tr)
	if !ok || staked <= 0 {
		return 0
	}
	return staked/BasisPoints*l.RateBps + staked%BasisPoints*l.RateBps/BasisPoints
}
