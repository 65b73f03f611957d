package kelly

import (
	"errors"
	"math"
	"testing"

	"github.com/bankroll/settlement-engine/internal/apperr"
	"github.com/bankroll/settlement-engine/internal/payout"
)

// coinFlip is the casino side of wager=100 paying 198 on half the space.
func coinFlip(t *testing.T) payout.Info {
	t.Helper()
	c, err := payout.New(100, []payout.Range{{From: 0, To: payout.Space / 2, Value: 198}})
	if err != nil {
		t.Fatalf("payout.New: %v", err)
	}
	return c.Info()
}

// --- Bisect tests ---

func TestBisect_Strategies(t *testing.T) {
	pred := func(x float64) bool { return x >= 0.3 }

	under := Bisect(pred, 0, 1, Underguess)
	over := Bisect(pred, 0, 1, Overguess)

	if pred(under) {
		t.Errorf("underguess %v should sit below the boundary", under)
	}
	if !pred(over) {
		t.Errorf("overguess %v should satisfy the predicate", over)
	}
	if over-under > Tolerance {
		t.Errorf("bracket %v..%v wider than tolerance", under, over)
	}
	if math.Abs(under-0.3) > Tolerance || math.Abs(over-0.3) > Tolerance {
		t.Errorf("both ends should be within tolerance of 0.3: %v %v", under, over)
	}
}

func TestBisect_PredicateAlwaysTrue(t *testing.T) {
	always := func(float64) bool { return true }
	if got := Bisect(always, -5, 5, Underguess); got != -5 {
		t.Errorf("underguess with an always-true predicate should return lo, got %v", got)
	}
}

// --- Kelly tests ---

func TestKelly_CoinFlipClosedForm(t *testing.T) {
	info := coinFlip(t)
	z, err := NewSizer(FromInfo(info, 1e9, 0))
	if err != nil {
		t.Fatalf("NewSizer: %v", err)
	}

	// Outcomes renormalise to -1 and b = 100/98; optimum is (b-1)/(2b) = 0.01.
	got := z.Kelly(0)
	if math.Abs(got-0.01) > 1e-7 {
		t.Errorf("Kelly(0) = %v, want ≈ 0.01", got)
	}
	if got > 0.01+1e-12 {
		t.Errorf("Kelly should underguess the optimum, got %v", got)
	}
}

func TestKelly_NoEdgeIsZero(t *testing.T) {
	info := coinFlip(t)
	z, _ := NewSizer(FromInfo(info, 1e9, 0))
	// At s = -1 the bet is exactly fair; below it the edge is negative.
	if got := z.Kelly(-2); got != 0 {
		t.Errorf("negative-edge bet should have Kelly 0, got %v", got)
	}
}

func TestGrowth_MaximisedAtKelly(t *testing.T) {
	info := coinFlip(t)
	z, _ := NewSizer(FromInfo(info, 1e9, 0))
	k := z.Kelly(0)
	best := z.Growth(0, k)
	for _, x := range []float64{0, k / 2, 2 * k, 0.5} {
		if g := z.Growth(0, x); g > best+1e-12 {
			t.Errorf("Growth(%v) = %v exceeds growth at Kelly %v", x, g, best)
		}
	}
}

// --- Solve tests ---

func TestSolve_LargeBankroll(t *testing.T) {
	info := coinFlip(t)
	z, err := NewSizer(FromInfo(info, 1e9, 0))
	if err != nil {
		t.Fatalf("NewSizer: %v", err)
	}

	s, err := z.Solve()
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if s < -98 || s > 0 {
		t.Errorf("shift %v outside [-98, 0]", s)
	}
	if !z.CanAccept(s) {
		t.Errorf("returned shift %v must be acceptable", s)
	}
	// The bet is fair at s = -1, so the minimal acceptable shift is just above it.
	if math.Abs(s+1) > 1e-3 {
		t.Errorf("shift %v should be close to -1", s)
	}
}

func TestSolve_ShrinkingBankroll(t *testing.T) {
	info := coinFlip(t)

	var tooSmall bool
	for _, bankroll := range []float64{1e9, 1e6, 1e5, 5000, 1000, 100} {
		_, err := Solve(FromInfo(info, bankroll, 0))
		if err == nil {
			continue
		}
		if !errors.Is(err, apperr.ErrBankrollTooSmall) {
			t.Fatalf("bankroll %v: expected BankrollTooSmall, got %v", bankroll, err)
		}
		tooSmall = true
	}
	if !tooSmall {
		t.Error("shrinking the bankroll toward the max loss should eventually refuse the bet")
	}

	if _, err := Solve(FromInfo(info, 100, 0)); !errors.Is(err, apperr.ErrBankrollTooSmall) {
		t.Errorf("bankroll 100 should be too small, got %v", err)
	}
}

func TestSolve_HigherMaxShiftRescuesSmallBankroll(t *testing.T) {
	info := coinFlip(t)
	if _, err := Solve(FromInfo(info, 5000, 0)); !errors.Is(err, apperr.ErrBankrollTooSmall) {
		t.Fatalf("expected bankroll 5000 to be too small at shift 0, got %v", err)
	}
	s, err := Solve(FromInfo(info, 5000, 10))
	if err != nil {
		t.Fatalf("a larger max shift should make the bet acceptable: %v", err)
	}
	if s <= 0 || s > 10 {
		t.Errorf("expected a positive shift up to 10, got %v", s)
	}
}

func TestSolve_HouseCannotLose(t *testing.T) {
	s, err := Solve(Params{
		Bankroll: 0,
		MaxLoss:  0,
		MaxWin:   10,
		Outcomes: []payout.Outcome{{Profit: 10, Probability: 1}},
	})
	if err != nil || s != 0 {
		t.Errorf("riskless bet: got shift %v err %v, want 0 nil", s, err)
	}
}

func TestNewSizer_Validation(t *testing.T) {
	outcomes := []payout.Outcome{{Profit: -98, Probability: 0.5}, {Profit: 100, Probability: 0.5}}
	tests := []struct {
		name string
		p    Params
	}{
		{"empty distribution", Params{Bankroll: 1000, MaxLoss: 98, MaxWin: 100}},
		{"negative max loss", Params{Bankroll: 1000, MaxLoss: -1, MaxWin: 100, Outcomes: outcomes}},
		{"bankroll below max loss", Params{Bankroll: 50, MaxLoss: 98, MaxWin: 100, Outcomes: outcomes}},
		{"infinite max win", Params{Bankroll: 1000, MaxLoss: 98, MaxWin: math.Inf(1), Outcomes: outcomes}},
		{"shift at max loss", Params{MaxShift: 98, Bankroll: 1000, MaxLoss: 98, MaxWin: 100, Outcomes: outcomes}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSizer(tt.p); !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("expected validation failure, got %v", err)
			}
		})
	}
}
