package payout

import (
	"errors"
	"math"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/bankroll/settlement-engine/internal/apperr"
)

const half = Space / 2

// mustCurve is a test helper that fails the test on construction errors.
func mustCurve(t *testing.T, wager int64, ranges ...Range) *Curve {
	t.Helper()
	c, err := New(wager, ranges)
	if err != nil {
		t.Fatalf("New(%d, %v): %v", wager, ranges, err)
	}
	return c
}

// --- Constructor tests ---

func TestNew_RejectsMalformed(t *testing.T) {
	tests := []struct {
		name   string
		wager  int64
		ranges []Range
	}{
		{"empty list", 100, nil},
		{"zero wager", 0, []Range{{0, half, 198}}},
		{"negative wager", -5, []Range{{0, half, 198}}},
		{"to past space", 100, []Range{{0, Space + 1, 100}}},
		{"to before from", 100, []Range{{10, 5, 100}}},
		{"value too large", 100, []Range{{0, 1, MaxAmount + 1}}},
		{"takes more than wager", 100, []Range{{0, half, -1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.wager, tt.ranges)
			if !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("expected validation failure, got %v", err)
			}
		})
	}
}

func TestNew_ZeroWidthRangeSkipped(t *testing.T) {
	c := mustCurve(t, 100, Range{5, 5, 1000}, Range{0, half, 198})
	if got := len(c.modifiers); got != 4 {
		t.Errorf("expected 4 modifiers (boundaries + one range), got %d", got)
	}
	if got := c.Payout(5); got != 98 {
		t.Errorf("zero-width range must not pay: got %d", got)
	}
}

func TestNew_BoundaryModifiers(t *testing.T) {
	c := mustCurve(t, 100, Range{0, half, 198})
	first, last := c.modifiers[0], c.modifiers[len(c.modifiers)-1]
	if last.index != Space || last.value != 100 {
		t.Errorf("expected +wager at 2^32, got %+v", last)
	}
	if first.index != 0 {
		t.Errorf("expected first modifier at 0, got %+v", first)
	}
}

// --- Payout tests ---

func TestPayout_StepFunction(t *testing.T) {
	c := mustCurve(t, 100, Range{0, half, 198})

	tests := []struct {
		at   uint64
		want int64
	}{
		{0, 98},
		{half - 1, 98},
		{half, -100},
		{Space - 1, -100},
	}
	for _, tt := range tests {
		if got := c.Payout(tt.at); got != tt.want {
			t.Errorf("Payout(%d) = %d, want %d", tt.at, got, tt.want)
		}
	}
}

func TestPayout_Repeatable(t *testing.T) {
	c := mustCurve(t, 50, Range{0, 1000, 75}, Range{500, 2000, 10}, Range{half, Space, 60})
	for _, at := range []uint64{0, 499, 500, 999, 1000, 1999, 2000, half, Space - 1} {
		first := c.Payout(at)
		for i := 0; i < 5; i++ {
			if got := c.Payout(at); got != first {
				t.Fatalf("Payout(%d) not repeatable: %d then %d", at, first, got)
			}
		}
	}
}

func TestPayout_TiesInsertionOrderIndependent(t *testing.T) {
	a := mustCurve(t, 100, Range{0, 1000, 50}, Range{1000, 2000, 150})
	b := mustCurve(t, 100, Range{1000, 2000, 150}, Range{0, 1000, 50})
	for _, at := range []uint64{0, 999, 1000, 1999, 2000, Space - 1} {
		if a.Payout(at) != b.Payout(at) {
			t.Errorf("Payout(%d) depends on range order: %d vs %d", at, a.Payout(at), b.Payout(at))
		}
	}
}

// --- Info tests ---

func TestInfo_WorkedExample(t *testing.T) {
	c := mustCurve(t, 100, Range{0, half, 198})
	info := c.Info()

	if len(info.Outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d: %+v", len(info.Outcomes), info.Outcomes)
	}
	if o := info.Outcomes[0]; o.Profit != -98 || o.Probability != 0.5 {
		t.Errorf("first segment: got %+v, want casino profit -98 at 0.5", o)
	}
	if o := info.Outcomes[1]; o.Profit != 100 || o.Probability != 0.5 {
		t.Errorf("second segment: got %+v, want casino profit 100 at 0.5", o)
	}
	if !info.EV.Equal(decimal.NewFromInt(1)) {
		t.Errorf("casino EV should be +1 (player EV -1), got %s", info.EV)
	}
	if info.MaxLoss != 98 {
		t.Errorf("casino max loss should be 98, got %d", info.MaxLoss)
	}
	if info.MaxWin != 100 {
		t.Errorf("casino max win should be the wager 100, got %d", info.MaxWin)
	}
}

func TestInfo_WorkedExamplePlayerSide(t *testing.T) {
	c := mustCurve(t, 100, Range{0, half, 198})
	player := c.Info().Mirror()

	want := []Outcome{{Profit: 98, Probability: 0.5}, {Profit: -100, Probability: 0.5}}
	for i, o := range player.Outcomes {
		if o.Profit != want[i].Profit || o.Probability != want[i].Probability {
			t.Errorf("player outcome %d: got %+v, want %+v", i, o, want[i])
		}
	}
	if !player.EV.Equal(decimal.NewFromInt(-1)) {
		t.Errorf("player EV should be -1, got %s", player.EV)
	}
	if player.MaxLoss != 100 || player.MaxWin != 98 {
		t.Errorf("player maxLoss/maxWin: got %d/%d, want 100/98", player.MaxLoss, player.MaxWin)
	}
}

func TestInfo_ProbabilitiesSumToOne(t *testing.T) {
	curves := []*Curve{
		mustCurve(t, 100, Range{0, half, 198}),
		mustCurve(t, 1, Range{0, 1, 1 << 20}),
		mustCurve(t, 777, Range{3, 17, 5}, Range{100, 1 << 31, 800}, Range{1 << 30, Space, 1}),
		mustCurve(t, 10, Range{0, Space, 10}),
	}
	for i, c := range curves {
		info := c.Info()
		var sum float64
		exact := new(big.Rat)
		for _, o := range info.Outcomes {
			sum += o.Probability
			exact.Add(exact, o.Rat())
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Errorf("curve %d: probabilities sum to %v", i, sum)
		}
		if exact.Cmp(big.NewRat(1, 1)) != 0 {
			t.Errorf("curve %d: exact probabilities sum to %s", i, exact)
		}
	}
}

func TestInfo_MaxWinNeverExceedsWager(t *testing.T) {
	tests := []struct {
		wager  int64
		ranges []Range
	}{
		{100, []Range{{0, half, 198}}},
		{100, []Range{{0, 1, 0}}},
		{5, []Range{{0, 10, 1}, {5, 20, 2}, {15, Space, 3}}},
		{1, []Range{{0, Space, 0}}},
	}
	for _, tt := range tests {
		c := mustCurve(t, tt.wager, tt.ranges...)
		if info := c.Info(); info.MaxWin > tt.wager {
			t.Errorf("maxWin %d exceeds wager %d for %v", info.MaxWin, tt.wager, tt.ranges)
		}
	}
}

func TestInfo_MergesEqualAdjacentSegments(t *testing.T) {
	// Two touching ranges paying the same amount form one segment.
	c := mustCurve(t, 100, Range{0, 1000, 150}, Range{1000, 2000, 150})
	info := c.Info()
	if len(info.Outcomes) != 2 {
		t.Fatalf("expected merged distribution of 2 outcomes, got %+v", info.Outcomes)
	}
	if info.Outcomes[0].Profit != -50 || info.Outcomes[0].width != 2000 {
		t.Errorf("unexpected merged segment %+v", info.Outcomes[0])
	}
}

func TestInfo_PanicsOnCorruptedCurve(t *testing.T) {
	c := mustCurve(t, 100, Range{0, half, 198})
	c.modifiers[0].value = -1000 // tamper after construction

	defer func() {
		if recover() == nil {
			t.Error("expected Info to panic on a corrupted curve")
		}
	}()
	c.Info()
}
