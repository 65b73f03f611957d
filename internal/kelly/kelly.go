// Package kelly sizes bankroll risk with the Kelly criterion.
//
// Everything here is from the investors' perspective: outcomes are the
// casino's profits from payout.Info. A shift s is a price adjustment applied
// to every outcome before the bet is accepted; negative s means investors pay
// to take the bet, positive s means they are paid for it.
//
// Solve finds the least house-favourable shift that still lets the bankroll
// back the bet at its Kelly fraction. Both searches are bisections that
// assume a monotone predicate over their interval; that is the caller's
// obligation and is not verified.
package kelly

import (
	"math"

	"github.com/bankroll/settlement-engine/internal/apperr"
	"github.com/bankroll/settlement-engine/internal/payout"
)

// Tolerance is the bracket width at which both bisections stop.
const Tolerance = 1e-8

const op = "kelly"

// Approach selects which end of the final bracket Bisect returns. Both
// strategies run the same loop: the predicate is false at lo and true at hi.
//
// The names describe the endpoint returned, not the search that uses them.
// Older write-ups of this sizer call the Kelly-fraction search "overguess"
// and the shift search "underguess"; here those are Kelly with Underguess
// and Solve with Overguess. Solve needs hi so that CanAccept holds at the
// shift it returns.
type Approach int

const (
	// Underguess returns lo: the result never passes the boundary, so the
	// predicate is false there unless it held on the whole interval.
	Underguess Approach = iota
	// Overguess returns hi: the result is never short of the boundary, so the
	// predicate holds there whenever it held at the original hi.
	Overguess
)

func (a Approach) String() string {
	if a == Overguess {
		return "overguess"
	}
	return "underguess"
}

// Bisect narrows [lo, hi] around the point where pred turns from false to
// true until the bracket is narrower than Tolerance.
func Bisect(pred func(float64) bool, lo, hi float64, approach Approach) float64 {
	for hi-lo > Tolerance {
		m := (hi + lo) / 2
		if pred(m) {
			hi = m
		} else {
			lo = m
		}
	}
	if approach == Overguess {
		return hi
	}
	return lo
}

// Params describes one staking decision.
type Params struct {
	MaxShift float64 // the most the app is willing to shift the payouts
	Bankroll float64 // investors' capital
	MaxLoss  float64 // biggest possible investor loss (payout.Info.MaxLoss)
	MaxWin   float64 // biggest possible investor win (payout.Info.MaxWin)
	Outcomes []payout.Outcome
}

// FromInfo builds Params from a curve summary.
func FromInfo(info payout.Info, bankroll, maxShift float64) Params {
	return Params{
		MaxShift: maxShift,
		Bankroll: bankroll,
		MaxLoss:  float64(info.MaxLoss),
		MaxWin:   float64(info.MaxWin),
		Outcomes: info.Outcomes,
	}
}

// Sizer evaluates Kelly fractions for one Params value.
type Sizer struct {
	p Params
}

// NewSizer validates p. Bankroll ≥ MaxLoss ≥ 0 is normally enforced by the
// caller before sizing; it is re-checked here so a violation is a validation
// failure rather than a NaN.
func NewSizer(p Params) (*Sizer, error) {
	switch {
	case len(p.Outcomes) == 0:
		return nil, apperr.New(apperr.Validation, op, "empty profit distribution")
	case math.IsNaN(p.MaxLoss) || p.MaxLoss < 0:
		return nil, apperr.New(apperr.Validation, op, "max loss must be >= 0")
	case math.IsNaN(p.Bankroll) || p.Bankroll < p.MaxLoss:
		return nil, apperr.New(apperr.Validation, op, "bankroll %.0f below max loss %.0f", p.Bankroll, p.MaxLoss)
	case math.IsNaN(p.MaxWin) || math.IsInf(p.MaxWin, 0):
		return nil, apperr.New(apperr.Validation, op, "max win must be finite")
	case math.IsNaN(p.MaxShift) || math.IsInf(p.MaxShift, 0):
		return nil, apperr.New(apperr.Validation, op, "max shift must be finite")
	case p.MaxLoss > 0 && p.MaxShift >= p.MaxLoss:
		return nil, apperr.New(apperr.Validation, op, "max shift must be below max loss")
	}
	return &Sizer{p: p}, nil
}

// adjusted calls f with each outcome's probability and its profit after
// shifting by s, renormalised by the shifted maximum loss.
func (z *Sizer) adjusted(s float64, f func(probability, profit float64)) {
	denom := z.p.MaxLoss - s
	for _, o := range z.p.Outcomes {
		f(o.Probability, (float64(o.Profit)+s)/denom)
	}
}

// Growth is the expected log growth of the bankroll when risking fraction x
// of it at shift s.
func (z *Sizer) Growth(s, x float64) float64 {
	var g float64
	z.adjusted(s, func(probability, profit float64) {
		g += probability * math.Log(1+profit*x)
	})
	return g
}

// growthDerivative is dGrowth/dx.
func (z *Sizer) growthDerivative(s, x float64) float64 {
	var d float64
	z.adjusted(s, func(probability, profit float64) {
		d += probability * profit / (1 + profit*x)
	})
	return d
}

// Kelly returns the growth-maximising fraction of bankroll to risk at shift
// s: the zero crossing of the growth derivative on [0, 1]. It underguesses,
// so the fraction is never larger than the true optimum.
func (z *Sizer) Kelly(s float64) float64 {
	return Bisect(func(x float64) bool {
		return z.growthDerivative(s, x) < 0
	}, 0, 1, Underguess)
}

// CanAccept reports whether the Kelly fraction at shift s exceeds the share
// of the bankroll the bet already exposes.
func (z *Sizer) CanAccept(s float64) bool {
	return z.Kelly(s) > z.p.MaxLoss/z.p.Bankroll
}

// Solve returns the smallest shift in [-MaxWin, MaxShift] the bankroll can
// safely back. It overguesses, so the returned shift always satisfies
// CanAccept.
func (z *Sizer) Solve() (float64, error) {
	if z.p.MaxLoss == 0 {
		// The house cannot lose; no adjustment is needed.
		return 0, nil
	}
	if !z.CanAccept(z.p.MaxShift) {
		return 0, apperr.New(apperr.BankrollTooSmall, op,
			"bankroll %.0f cannot back max loss %.0f at shift %g", z.p.Bankroll, z.p.MaxLoss, z.p.MaxShift)
	}
	return Bisect(z.CanAccept, -z.p.MaxWin, z.p.MaxShift, Overguess), nil
}

// Solve is a convenience wrapper around NewSizer and (*Sizer).Solve.
func Solve(p Params) (float64, error) {
	z, err := NewSizer(p)
	if err != nil {
		return 0, err
	}
	return z.Solve()
}
