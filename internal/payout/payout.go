// Package payout implements the provably-fair payout curve: a step function
// over the 2^32 outcome space of a committed random draw.
//
// A curve is built from the player's perspective: the player loses the wager
// everywhere, then each declared range adds its value back over [From, To).
// Info reports the same curve from the casino's perspective, which is what
// the Kelly sizer consumes.
//
// Money is integer smallest-unit amounts. Probabilities are exact dyadic
// fractions (width / 2^32) and are therefore exactly representable as
// float64; the expected value is accumulated as a big integer and rendered
// with shopspring/decimal.
package payout

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/bankroll/settlement-engine/internal/apperr"
)

// Space is the size of the outcome space, [0, 2^32).
const Space uint64 = 1 << 32

// MaxAmount bounds wagers and the summed magnitude of payout values so that
// every prefix sum fits comfortably in int64.
const MaxAmount int64 = 1<<53 - 1

const op = "payout"

// Range pays Value to the player for outcomes in [From, To).
type Range struct {
	From  uint64 `json:"from"`
	To    uint64 `json:"to"`
	Value int64  `json:"value"`
}

type modifier struct {
	index uint64
	value int64
}

// Curve is a sorted list of signed step modifiers. The running prefix sum at
// an outcome index is the player's profit there. It always holds -wager at 0
// and +wager at Space, which closes the curve.
type Curve struct {
	wager     int64
	modifiers []modifier
}

// Outcome is one segment of the casino profit distribution.
type Outcome struct {
	Profit      int64   `json:"profit"`
	Probability float64 `json:"probability"`

	width uint64
}

// Rat returns the probability as an exact rational.
func (o Outcome) Rat() *big.Rat {
	return new(big.Rat).SetFrac(new(big.Int).SetUint64(o.width), new(big.Int).SetUint64(Space))
}

// Info summarises a curve from the casino's perspective.
type Info struct {
	EV       decimal.Decimal `json:"ev"`
	MaxLoss  int64           `json:"max_loss"` // the most the casino can lose
	MaxWin   int64           `json:"max_win"`  // the most the casino can win
	Outcomes []Outcome       `json:"profit_possibilities"`
}

// New builds the curve for a wager and its payout ranges.
func New(wager int64, ranges []Range) (*Curve, error) {
	if wager <= 0 || wager > MaxAmount {
		return nil, apperr.New(apperr.Validation, op, "wager must be in (0, %d]", MaxAmount)
	}
	if len(ranges) == 0 {
		return nil, apperr.New(apperr.Validation, op, "payouts needs at least one payout")
	}

	c := &Curve{
		wager:     wager,
		modifiers: make([]modifier, 0, 2+2*len(ranges)),
	}
	c.modifiers = append(c.modifiers,
		modifier{index: 0, value: -wager},
		modifier{index: Space, value: wager},
	)

	var magnitude int64
	for i, r := range ranges {
		if r.To > Space || r.To < r.From {
			return nil, apperr.New(apperr.Validation, op, "payout %d: `to` is not valid", i)
		}
		if r.Value > MaxAmount || r.Value < -MaxAmount {
			return nil, apperr.New(apperr.Validation, op, "payout %d: value is invalid", i)
		}
		if r.To == r.From {
			continue
		}
		magnitude += abs(r.Value)
		if magnitude > MaxAmount {
			return nil, apperr.New(apperr.Validation, op, "payout values exceed %d in total", MaxAmount)
		}
		c.modifiers = append(c.modifiers,
			modifier{index: r.From, value: r.Value},
			modifier{index: r.To, value: -r.Value},
		)
	}

	sort.SliceStable(c.modifiers, func(i, j int) bool {
		return c.modifiers[i].index < c.modifiers[j].index
	})

	// The player can never lose more than the wager; a curve that dips below
	// -wager would let the casino win more than was staked.
	var cum int64
	for _, m := range c.modifiers {
		cum += m.value
		if cum < -wager {
			return nil, apperr.New(apperr.Validation, op, "payouts take more than the wager at index %d", m.index)
		}
	}

	return c, nil
}

// Wager returns the stake the curve was built for.
func (c *Curve) Wager() int64 {
	return c.wager
}

// Payout returns the player's profit at outcome index at.
func (c *Curve) Payout(at uint64) int64 {
	var cum int64
	for _, m := range c.modifiers {
		if m.index > at {
			break
		}
		cum += m.value
	}
	return cum
}

// Info walks the modifiers once and returns the casino's profit distribution.
// Consecutive segments with equal profit are merged.
//
// Info panics if the casino could win more than the wager: New rejects such
// curves, so reaching it means the curve was corrupted after construction.
func (c *Curve) Info() Info {
	var (
		cum       int64
		at        uint64
		minProfit int64
		maxProfit int64
		evNum     = new(big.Int)
		outcomes  []Outcome
	)

	for _, m := range c.modifiers {
		if m.index != at {
			width := m.index - at
			profit := -cum

			evNum.Add(evNum, new(big.Int).Mul(big.NewInt(profit), new(big.Int).SetUint64(width)))
			minProfit = min(minProfit, profit)
			maxProfit = max(maxProfit, profit)

			if n := len(outcomes); n > 0 && outcomes[n-1].Profit == profit {
				outcomes[n-1].width += width
				outcomes[n-1].Probability = float64(outcomes[n-1].width) / float64(Space)
			} else {
				outcomes = append(outcomes, Outcome{
					Profit:      profit,
					Probability: float64(width) / float64(Space),
					width:       width,
				})
			}
			at = m.index
		}
		cum += m.value
	}

	if maxProfit > c.wager {
		panic(fmt.Sprintf("payout: casino max profit %d exceeds wager %d", maxProfit, c.wager))
	}

	ev := decimal.NewFromBigInt(evNum, 0).Div(decimal.NewFromBigInt(new(big.Int).SetUint64(Space), 0))

	return Info{
		EV:       ev,
		MaxLoss:  abs(minProfit),
		MaxWin:   maxProfit,
		Outcomes: outcomes,
	}
}

// Mirror returns the same distribution from the counterparty's side: the
// player's profits, losses and expected value.
func (i Info) Mirror() Info {
	outcomes := make([]Outcome, len(i.Outcomes))
	for k, o := range i.Outcomes {
		outcomes[k] = Outcome{Profit: -o.Profit, Probability: o.Probability, width: o.width}
	}
	return Info{
		EV:       i.EV.Neg(),
		MaxLoss:  i.MaxWin,
		MaxWin:   i.MaxLoss,
		Outcomes: outcomes,
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
