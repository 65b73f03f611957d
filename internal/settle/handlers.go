package settle

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bankroll/settlement-engine/internal/apperr"
	"github.com/bankroll/settlement-engine/internal/model"
	"github.com/bankroll/settlement-engine/internal/payout"
	"github.com/bankroll/settlement-engine/internal/store"
)

// Routes mounts the JSON API on r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/accounts", s.CreateAccount)
	r.Get("/accounts/{kind}/{id}", s.GetAccount)
	r.Get("/bankroll", s.GetBankroll)

	r.Post("/quote", s.QuoteBet)
	r.Post("/bets", s.PlaceBetHandler)

	r.Post("/transfers", s.Transfer)
	r.Post("/fundings", s.Fund)
	r.Post("/tips", s.Tip)

	r.Post("/withdrawals", s.MakeWithdrawal)
	r.Get("/withdrawals", s.ListUnsuccessful)
	r.Get("/withdrawals/{id}", s.GetWithdrawal)
	r.Post("/withdrawals/{id}/send", s.SendWithdrawal)
	r.Post("/withdrawals/{id}/resolve", s.ResolveWithdrawal)
}

// --- Request types ---

// QuoteRequest is the JSON body for POST /quote. Ranges are decoded
// strictly: every range has exactly from, to and value.
type QuoteRequest struct {
	Wager    int64           `json:"wager"`
	Ranges   json.RawMessage `json:"ranges"`
	MaxShift float64         `json:"max_shift"`
}

// PlaceBetRequest is the JSON body for POST /bets.
type PlaceBetRequest struct {
	ID         string          `json:"id"`
	AuthID     int64           `json:"auth_id"`
	Wager      int64           `json:"wager"`
	Ranges     json.RawMessage `json:"ranges"`
	ClientSeed string          `json:"client_seed"`
	MaxShift   float64         `json:"max_shift"`
}

// TransferRequest is the JSON body for POST /transfers.
type TransferRequest struct {
	FromUser int64  `json:"from_user_id"`
	ToUser   int64  `json:"to_user_id"`
	Amount   int64  `json:"amount"`
	Memo     string `json:"memo"`
}

// FundRequest is the JSON body for POST /fundings. A positive amount
// deposits into sub, a negative one withdraws from it.
type FundRequest struct {
	UserID int64            `json:"user_id"`
	Sub    model.AccountRef `json:"sub"`
	Amount int64            `json:"amount"`
}

// TipRequest is the JSON body for POST /tips.
type TipRequest struct {
	FromAuth int64 `json:"from_auth_id"`
	ToAuth   int64 `json:"to_auth_id"`
	Amount   int64 `json:"amount"`
}

// WithdrawalRequest is the JSON body for POST /withdrawals. The id is the
// idempotency key; one is generated when omitted.
type WithdrawalRequest struct {
	ID          string `json:"id"`
	UserID      int64  `json:"user_id"`
	Amount      int64  `json:"amount"`
	Fee         int64  `json:"fee"`
	Destination string `json:"destination"`
	Memo        string `json:"memo"`
}

// --- HTTP Handlers ---

// CreateAccount handles POST /api/v1/accounts
func (s *Service) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var a model.Account
	if !decode(w, r, &a) {
		return
	}
	if err := s.store.CreateAccount(r.Context(), a); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// GetAccount handles GET /api/v1/accounts/{kind}/{id}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, "invalid account id", http.StatusBadRequest)
		return
	}
	ref := model.AccountRef{Kind: model.AccountKind(chi.URLParam(r, "kind")), ID: id}
	a, err := s.store.GetAccount(r.Context(), ref)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GetBankroll handles GET /api/v1/bankroll
func (s *Service) GetBankroll(w http.ResponseWriter, r *http.Request) {
	b, err := s.store.Bankroll(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"balance": b})
}

// QuoteBet handles POST /api/v1/quote
// Returns both perspectives of the curve and the Kelly shift.
func (s *Service) QuoteBet(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if !decode(w, r, &req) {
		return
	}
	ranges, err := payout.ParseRanges(req.Ranges)
	if err != nil {
		writeAppError(w, err)
		return
	}
	q, err := s.Quote(r.Context(), req.Wager, ranges, req.MaxShift)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// PlaceBetHandler handles POST /api/v1/bets
func (s *Service) PlaceBetHandler(w http.ResponseWriter, r *http.Request) {
	var req PlaceBetRequest
	if !decode(w, r, &req) {
		return
	}
	ranges, err := payout.ParseRanges(req.Ranges)
	if err != nil {
		writeAppError(w, err)
		return
	}
	res, err := s.PlaceBet(r.Context(), BetRequest{
		ID:         req.ID,
		AuthID:     req.AuthID,
		Wager:      req.Wager,
		Ranges:     ranges,
		ClientSeed: req.ClientSeed,
		MaxShift:   req.MaxShift,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// Transfer handles POST /api/v1/transfers
func (s *Service) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := s.store.Transfer(r.Context(), req.FromUser, req.ToUser, req.Amount, req.Memo)
	if err != nil {
		writeAppError(w, err)
		return
	}
	slog.Info("transfer", "id", t.ID, "from", t.FromUser, "to", t.ToUser, "amount", t.Amount)
	writeJSON(w, http.StatusCreated, t)
}

// Fund handles POST /api/v1/fundings
func (s *Service) Fund(w http.ResponseWriter, r *http.Request) {
	var req FundRequest
	if !decode(w, r, &req) {
		return
	}
	f, err := s.store.Fund(r.Context(), req.UserID, req.Sub, req.Amount)
	if err != nil {
		writeAppError(w, err)
		return
	}
	s.relay.Kick()
	writeJSON(w, http.StatusCreated, f)
}

// Tip handles POST /api/v1/tips
func (s *Service) Tip(w http.ResponseWriter, r *http.Request) {
	var req TipRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := s.store.Tip(r.Context(), req.FromAuth, req.ToAuth, req.Amount)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// MakeWithdrawal handles POST /api/v1/withdrawals
// The withdrawal is only queued; the poller or POST .../send pays it out.
func (s *Service) MakeWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req WithdrawalRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	wd, err := s.store.MakeWithdrawal(r.Context(), store.NewWithdrawal{
		ID:          req.ID,
		UserID:      req.UserID,
		Amount:      req.Amount,
		Fee:         req.Fee,
		Destination: req.Destination,
		Memo:        req.Memo,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	slog.Info("withdrawal queued", "id", wd.ID, "user", wd.UserID, "amount", wd.Amount)
	writeJSON(w, http.StatusCreated, wd)
}

// GetWithdrawal handles GET /api/v1/withdrawals/{id}
func (s *Service) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	wd, err := s.store.GetWithdrawal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wd)
}

// ListUnsuccessful handles GET /api/v1/withdrawals?older_than=10m
// Lists failed and unknown_error withdrawals plus stale queued or
// in_progress ones. older_than defaults to zero.
func (s *Service) ListUnsuccessful(w http.ResponseWriter, r *http.Request) {
	var olderThan time.Duration
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(w, "older_than must be a non-negative duration", http.StatusBadRequest)
			return
		}
		olderThan = d
	}
	ws, err := s.store.ListUnsuccessfulWithdrawals(r.Context(), olderThan)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if ws == nil {
		ws = []model.Withdrawal{}
	}
	writeJSON(w, http.StatusOK, ws)
}

// SendWithdrawal handles POST /api/v1/withdrawals/{id}/send
func (s *Service) SendWithdrawal(w http.ResponseWriter, r *http.Request) {
	if s.proc == nil {
		writeError(w, "withdrawal sending is disabled", http.StatusServiceUnavailable)
		return
	}
	wd, err := s.proc.Process(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wd)
}

// ResolveWithdrawal handles POST /api/v1/withdrawals/{id}/resolve
// An operator confirms an unknown_error withdrawal moved no funds, making it
// retryable again.
func (s *Service) ResolveWithdrawal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.ResolveUnknownWithdrawal(r.Context(), id); err != nil {
		writeAppError(w, err)
		return
	}
	slog.Warn("unknown withdrawal resolved as failed", "id", id)
	wd, err := s.store.GetWithdrawal(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wd)
}

// --- Helpers ---

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.InsufficientBalance, apperr.BankrollTooSmall, apperr.Conflict, apperr.DuplicateIdempotencyKey:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeAppError writes err with the status its kind maps to. Infrastructure
// details are logged, not returned.
func writeAppError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		msg := "internal error"
		if errors.Is(err, apperr.ErrPoolCorruption) {
			msg = "internal error: connection evicted"
		}
		writeError(w, msg, status)
		return
	}
	writeError(w, err.Error(), status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
