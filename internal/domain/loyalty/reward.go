// Package loyalty holds the pure loyalty arithmetic: rewards earned per order,
// rank tiers derived from XP, and how many stored credits an order may consume.
package loyalty

const (
	// XPPerCredit is the fixed exchange between earned XP and earned credits.
	XPPerCredit = 10

	rewardFloor     = 100
	rewardBaseXP    = 10
	rewardStep      = 50
	rewardStepBonus = 5
)

// Reward is the XP and credits earned by a single charged amount.
type Reward struct {
	XP      int64
	Credits int64
}

// ComputeReward maps a charged amount (in whole currency units) to the XP and
// credits it earns. Amounts below 100 earn nothing; from 100 on, every full
// 50 units above 100 adds 5 XP on top of the base 10.
func ComputeReward(charged int64) Reward {
	if charged < rewardFloor {
		return Reward{}
	}
	xp := rewardBaseXP + ((charged-rewardFloor)/rewardStep)*rewardStepBonus
	return Reward{
		XP:      xp,
		Credits: xp / XPPerCredit,
	}
}

// IsZero reports whether the reward earns nothing.
func (r Reward) IsZero() bool {
	return r.XP == 0 && r.Credits == 0
}
