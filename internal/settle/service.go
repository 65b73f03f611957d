// Package settle ties the payout curve, the Kelly sizer and the ledger
// together: a bet is quoted against the current bankroll, drawn from a
// committed seed and settled in one ledger transaction.
package settle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"math"

	"github.com/google/uuid"

	"github.com/bankroll/settlement-engine/internal/apperr"
	"github.com/bankroll/settlement-engine/internal/kelly"
	"github.com/bankroll/settlement-engine/internal/metrics"
	"github.com/bankroll/settlement-engine/internal/model"
	"github.com/bankroll/settlement-engine/internal/payout"
	"github.com/bankroll/settlement-engine/internal/store"
	"github.com/bankroll/settlement-engine/internal/withdraw"
)

// Kicker is woken after a commit that wrote outbox rows.
type Kicker interface {
	Kick()
}

type nopKicker struct{}

func (nopKicker) Kick() {}

// Service implements the settlement flow and its HTTP surface.
type Service struct {
	store    store.Store
	relay    Kicker
	proc     *withdraw.Processor
	maxShift float64
}

// NewService creates a settlement service. relay and proc may be nil.
// maxShift is used when a request does not name its own.
func NewService(st store.Store, relay Kicker, proc *withdraw.Processor, maxShift float64) *Service {
	if relay == nil {
		relay = nopKicker{}
	}
	return &Service{store: st, relay: relay, proc: proc, maxShift: maxShift}
}

// Quote is the house's view of a proposed bet.
type Quote struct {
	Wager    int64       `json:"wager"`
	Bankroll int64       `json:"bankroll"`
	Shift    float64     `json:"shift"`  // minimal acceptable payout shift
	House    payout.Info `json:"house"`  // casino perspective
	Player   payout.Info `json:"player"` // the same curve seen by the player
	curve    *payout.Curve
}

// Quote builds the curve, checks the bankroll can cover its worst case and
// sizes the shift with the Kelly criterion. maxShift <= 0 uses the service
// default.
func (s *Service) Quote(ctx context.Context, wager int64, ranges []payout.Range, maxShift float64) (*Quote, error) {
	const op = "settle.quote"
	curve, err := payout.New(wager, ranges)
	if err != nil {
		return nil, err
	}
	info := curve.Info()

	bankroll, err := s.store.Bankroll(ctx)
	if err != nil {
		return nil, err
	}
	if bankroll < info.MaxLoss {
		return nil, apperr.New(apperr.BankrollTooSmall, op,
			"bankroll %d below max loss %d", bankroll, info.MaxLoss)
	}

	if maxShift <= 0 {
		maxShift = s.maxShift
	}
	if info.MaxLoss > 0 && maxShift >= float64(info.MaxLoss) {
		// The sizer needs a positive denominator; clamp rather than reject.
		maxShift = math.Nextafter(float64(info.MaxLoss), 0)
	}
	shift, err := kelly.Solve(kelly.FromInfo(info, float64(bankroll), maxShift))
	if err != nil {
		return nil, err
	}

	return &Quote{
		Wager:    wager,
		Bankroll: bankroll,
		Shift:    shift,
		House:    info,
		Player:   info.Mirror(),
		curve:    curve,
	}, nil
}

// BetRequest places one bet for an auth.
type BetRequest struct {
	ID         string // idempotency key; generated when empty
	AuthID     int64
	Wager      int64
	Ranges     []payout.Range
	ClientSeed string
	MaxShift   float64
}

// BetResult is a settled bet plus what the player needs to verify the draw.
type BetResult struct {
	model.Bet
	ServerSeed  string  `json:"server_seed"`
	ClientSeed  string  `json:"client_seed"`
	CurveProfit int64   `json:"curve_profit"` // profit before the adjustment
	Shift       float64 `json:"shift"`
	Adjustment  int64   `json:"adjustment"`
}

// PlaceBet quotes the bet, draws the outcome and settles it. A positive
// Kelly shift is charged against the player's profit, rounded up, and never
// takes more than the wager.
func (s *Service) PlaceBet(ctx context.Context, req BetRequest) (*BetResult, error) {
	q, err := s.Quote(ctx, req.Wager, req.Ranges, req.MaxShift)
	if err != nil {
		metrics.BetsRejected.WithLabelValues(apperr.KindOf(err).String()).Inc()
		return nil, err
	}

	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, apperr.Wrap(apperr.Infrastructure, "settle.place_bet", err)
	}
	outcome := payout.Draw(seed, []byte(req.ClientSeed))
	curveProfit := q.curve.Payout(outcome)

	var adj int64
	if q.Shift > 0 {
		adj = int64(math.Ceil(q.Shift))
	}
	profit := max(curveProfit-adj, -req.Wager)

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	bet, err := s.store.SettleBet(ctx, model.Bet{
		ID:         id,
		AuthID:     req.AuthID,
		Wager:      req.Wager,
		Profit:     profit,
		Outcome:    outcome,
		Commitment: payout.Commit(seed),
	})
	if err != nil {
		metrics.BetsRejected.WithLabelValues(apperr.KindOf(err).String()).Inc()
		return nil, err
	}
	metrics.BetsSettled.Inc()
	s.refreshBankroll(ctx)
	s.relay.Kick()

	slog.Info("bet settled",
		"id", bet.ID,
		"auth", bet.AuthID,
		"wager", bet.Wager,
		"profit", bet.Profit,
		"shift", q.Shift,
	)
	return &BetResult{
		Bet:         *bet,
		ServerSeed:  hex.EncodeToString(seed),
		ClientSeed:  req.ClientSeed,
		CurveProfit: curveProfit,
		Shift:       q.Shift,
		Adjustment:  adj,
	}, nil
}

func (s *Service) refreshBankroll(ctx context.Context) {
	if b, err := s.store.Bankroll(ctx); err == nil {
		metrics.Bankroll.Set(float64(b))
	}
}
