// Package settlement computes how held stakes are paid out when an agreement
// reaches a terminal state. It performs no I/O; callers hand the resulting
// Plan to a custody backend.
package settlement

import (
	"errors"
	"fmt"
	"math/bits"
)

// MaxRatio is the stake ratio denominator: ratios are whole percentages.
const MaxRatio = 100

var (
	// ErrUnknownBreacher is returned when the breaching party holds no stake entry.
	ErrUnknownBreacher = errors.New("settlement: breaching party is not part of the agreement")
	// ErrNoCounterparty is returned when nobody is left to compensate.
	ErrNoCounterparty = errors.New("settlement: breach needs at least one non-breaching party")
)

// Reason labels why a payout is made.
type Reason string

const (
	ReasonStakeReturned      Reason = "stake_returned"
	ReasonBreachCompensation Reason = "breach_compensation"
)

// Stake is one party's position at settlement time.
type Stake struct {
	Party             string
	Ratio             uint8
	RequiresSignature bool
	Amount            uint64
}

// Payout is a single value transfer out of escrow.
type Payout struct {
	To     string
	Amount uint64
	Reason Reason
}

// Plan is the full set of payouts for one terminal transition. Held is the
// value in escrow before settlement; Forfeited is the rounding remainder that
// stays in escrow.
type Plan struct {
	Payouts   []Payout
	Held      uint64
	Forfeited uint64
	Split     SplitMode
}

// SplitMode records which breach distribution formula was applied.
type SplitMode string

const (
	SplitNone         SplitMode = ""
	SplitProportional SplitMode = "proportional"
	SplitEqual        SplitMode = "equal"
)

// Total is the sum of all payouts in the plan.
func (p Plan) Total() uint64 {
	var total uint64
	for _, po := range p.Payouts {
		total += po.Amount
	}
	return total
}

// RequiredStake is floor(total * ratio / 100). The product is taken in 128
// bits so large totals never overflow.
func RequiredStake(total uint64, ratio uint8) uint64 {
	if ratio > MaxRatio {
		ratio = MaxRatio
	}
	return mulDiv(total, uint64(ratio), MaxRatio)
}

// Fulfillment returns every stake to its contributor, in the order given.
func Fulfillment(stakes []Stake) Plan {
	plan := Plan{Payouts: make([]Payout, 0, len(stakes))}
	for _, s := range stakes {
		plan.Held += s.Amount
		if s.Amount == 0 {
			continue
		}
		plan.Payouts = append(plan.Payouts, Payout{To: s.Party, Amount: s.Amount, Reason: ReasonStakeReturned})
	}
	return plan
}

// Breach forfeits the breaching party's stake to the others and returns the
// others' own stakes. When every party requires a signature the forfeited
// stake is split by stake ratio, otherwise equally. Both splits use floor
// division; the remainder is reported as Forfeited.
func Breach(stakes []Stake, breaching string) (Plan, error) {
	var (
		forfeit  uint64
		found    bool
		allSign  = true
		ratioSum uint64
		others   = make([]Stake, 0, len(stakes))
	)
	for _, s := range stakes {
		if !s.RequiresSignature {
			allSign = false
		}
		if s.Party == breaching {
			forfeit = s.Amount
			found = true
			continue
		}
		others = append(others, s)
		ratioSum += uint64(s.Ratio)
	}
	if !found {
		return Plan{}, fmt.Errorf("%w: %s", ErrUnknownBreacher, breaching)
	}
	if len(others) == 0 {
		return Plan{}, ErrNoCounterparty
	}

	plan := Plan{Held: forfeit, Payouts: make([]Payout, 0, 2*len(others))}
	shares := make([]uint64, len(others))
	if forfeit > 0 {
		switch {
		case allSign && ratioSum > 0:
			plan.Split = SplitProportional
			for i, s := range others {
				shares[i] = mulDiv(forfeit, uint64(s.Ratio), ratioSum)
			}
		default:
			plan.Split = SplitEqual
			each := forfeit / uint64(len(others))
			for i := range others {
				shares[i] = each
			}
		}
	}

	var distributed uint64
	for i, s := range others {
		plan.Held += s.Amount
		if shares[i] > 0 {
			plan.Payouts = append(plan.Payouts, Payout{To: s.Party, Amount: shares[i], Reason: ReasonBreachCompensation})
			distributed += shares[i]
		}
		if s.Amount > 0 {
			plan.Payouts = append(plan.Payouts, Payout{To: s.Party, Amount: s.Amount, Reason: ReasonStakeReturned})
		}
	}
	plan.Forfeited = forfeit - distributed
	return plan, nil
}

// mulDiv returns floor(a*b/c). Callers guarantee b <= c, which keeps the high
// word of the product below c so Div64 cannot panic.
func mulDiv(a, b, c uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	q, _ := bits.Div64(hi, lo, c)
	return q
}
