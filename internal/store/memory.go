package store

import (
	"context"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/bankroll/settlement-engine/internal/apperr"
	"github.com/bankroll/settlement-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A single mutex stands in for row locking: each operation checks every
// guard before mutating anything, so a failed operation leaves no trace.
type MemoryStore struct {
	mu          sync.Mutex
	accounts    map[model.AccountRef]*model.Account
	withdrawals map[string]*model.Withdrawal
	bets        map[string]model.Bet
	transfers   []model.Transfer
	tips        []model.Tip
	deposits    map[string]model.Deposit
	fundings    []model.Funding
	outbox      []model.BalanceChange // pending only; delivered rows are dropped
	seq         int64
	now         func() time.Time
}

// NewMemoryStore creates a new in-memory store with an empty bankroll row.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		accounts:    make(map[model.AccountRef]*model.Account),
		withdrawals: make(map[string]*model.Withdrawal),
		bets:        make(map[string]model.Bet),
		deposits:    make(map[string]model.Deposit),
		now:         time.Now,
	}
	s.accounts[model.BankrollRef] = &model.Account{Ref: model.BankrollRef}
	return s
}

func (s *MemoryStore) nextID() int64 {
	s.seq++
	return s.seq
}

// --- Accounts ---

func (s *MemoryStore) CreateAccount(_ context.Context, a model.Account) error {
	if err := validateAccount(a); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[a.Ref]; ok {
		return apperr.New(apperr.Conflict, "store.create_account", "account %s already exists", a.Ref)
	}
	cp := a
	s.accounts[a.Ref] = &cp
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, ref model.AccountRef) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[ref]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "store.get_account", "account %s not found", ref)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) Bankroll(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[model.BankrollRef].Balance, nil
}

// lookup returns the live row for ref. Caller holds mu.
func (s *MemoryStore) lookup(op string, ref model.AccountRef) (*model.Account, error) {
	a, ok := s.accounts[ref]
	if !ok {
		return nil, apperr.New(apperr.NotFound, op, "account %s not found", ref)
	}
	return a, nil
}

func insufficient(op string, ref model.AccountRef) error {
	return apperr.New(apperr.InsufficientBalance, op, "insufficient balance in %s", ref)
}

// --- Money movement ---

func (s *MemoryStore) DecreaseBalance(_ context.Context, ref model.AccountRef, amount int64) error {
	const op = "store.decrease_balance"
	if err := positive(op, amount); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[ref]
	if !ok || a.Balance < amount {
		return insufficient(op, ref)
	}
	a.Balance -= amount
	return nil
}

func (s *MemoryStore) Deposit(_ context.Context, userID, amount int64, reference string) (*model.Deposit, error) {
	const op = "store.deposit"
	if err := validateDeposit(amount, reference); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.deposits[reference]; dup {
		return nil, apperr.New(apperr.DuplicateIdempotencyKey, op, "deposit %s already credited", reference)
	}
	user, err := s.lookup(op, model.AccountRef{Kind: model.KindUser, ID: userID})
	if err != nil {
		return nil, err
	}
	if user.Balance > math.MaxInt64-amount {
		return nil, apperr.New(apperr.Validation, op, "balance overflows")
	}
	user.Balance += amount

	d := model.Deposit{ID: s.nextID(), UserID: userID, Amount: amount, Reference: reference, CreatedAt: s.now()}
	s.deposits[reference] = d
	return &d, nil
}

func (s *MemoryStore) Transfer(_ context.Context, fromUser, toUser, amount int64, memo string) (*model.Transfer, error) {
	const op = "store.transfer"
	if err := validateTransfer(fromUser, toUser, amount); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	fromRef := model.AccountRef{Kind: model.KindUser, ID: fromUser}
	from, ok := s.accounts[fromRef]
	if !ok || from.Balance < amount {
		return nil, insufficient(op, fromRef)
	}
	to, err := s.lookup(op, model.AccountRef{Kind: model.KindUser, ID: toUser})
	if err != nil {
		return nil, err
	}
	from.Balance -= amount
	to.Balance += amount

	t := model.Transfer{
		ID:        s.nextID(),
		FromUser:  fromUser,
		ToUser:    toUser,
		Amount:    amount,
		Memo:      memo,
		CreatedAt: s.now(),
	}
	s.transfers = append(s.transfers, t)
	return &t, nil
}

func (s *MemoryStore) Invest(_ context.Context, userID, amount int64) (int64, error) {
	const op = "store.invest"
	if err := positive(op, amount); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := model.AccountRef{Kind: model.KindUser, ID: userID}
	user, ok := s.accounts[ref]
	if !ok || user.Balance < amount {
		return 0, insufficient(op, ref)
	}
	user.Balance -= amount
	bankroll := s.accounts[model.BankrollRef]
	bankroll.Balance += amount
	return bankroll.Balance, nil
}

func (s *MemoryStore) Fund(_ context.Context, userID int64, sub model.AccountRef, amount int64) (*model.Funding, error) {
	const op = "store.fund"
	if err := validateFund(sub, amount); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	userRef := model.AccountRef{Kind: model.KindUser, ID: userID}
	user, err := s.lookup(op, userRef)
	if err != nil {
		return nil, err
	}
	acct, ok := s.accounts[sub]
	if !ok || acct.OwnerID != userID {
		return nil, apperr.New(apperr.NotFound, op, "%s does not belong to user %d", sub, userID)
	}
	if amount > 0 && user.Balance < amount {
		return nil, insufficient(op, userRef)
	}
	if amount < 0 && acct.Balance < -amount {
		return nil, insufficient(op, sub)
	}
	user.Balance -= amount
	acct.Balance += amount

	f := model.Funding{ID: s.nextID(), UserID: userID, Sub: sub, Amount: amount, CreatedAt: s.now()}
	s.fundings = append(s.fundings, f)
	s.notify(acct, amount)
	return &f, nil
}

func (s *MemoryStore) Tip(_ context.Context, fromAuth, toAuth, amount int64) (*model.Tip, error) {
	const op = "store.tip"
	if err := validateTip(fromAuth, toAuth, amount); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	fromRef := model.AccountRef{Kind: model.KindAuth, ID: fromAuth}
	from, ok := s.accounts[fromRef]
	if !ok || from.Balance < amount {
		return nil, insufficient(op, fromRef)
	}
	to, ok := s.accounts[model.AccountRef{Kind: model.KindAuth, ID: toAuth}]
	if !ok || to.ParentID != from.ParentID {
		return nil, apperr.New(apperr.NotFound, op, "auth %d not found in app %d", toAuth, from.ParentID)
	}
	from.Balance -= amount
	to.Balance += amount

	tip := model.Tip{ID: s.nextID(), FromAuth: fromAuth, ToAuth: toAuth, Amount: amount, CreatedAt: s.now()}
	s.tips = append(s.tips, tip)
	return &tip, nil
}

func (s *MemoryStore) SettleBet(_ context.Context, b model.Bet) (*model.Bet, error) {
	const op = "store.settle_bet"
	if err := validateBet(b); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.bets[b.ID]; dup {
		return nil, apperr.New(apperr.DuplicateIdempotencyKey, op, "bet %s already settled", b.ID)
	}
	authRef := model.AccountRef{Kind: model.KindAuth, ID: b.AuthID}
	auth, ok := s.accounts[authRef]
	if !ok || auth.Balance < b.Wager {
		return nil, insufficient(op, authRef)
	}
	bank := s.accounts[model.BankrollRef]
	if bank.Balance < b.Profit {
		return nil, insufficient(op, model.BankrollRef)
	}
	auth.Balance += b.Profit
	bank.Balance -= b.Profit

	b.CreatedAt = s.now()
	s.bets[b.ID] = b
	s.notify(auth, b.Profit)
	return &b, nil
}

// notify appends a balance change for a to the outbox. Caller holds mu.
func (s *MemoryStore) notify(a *model.Account, diff int64) {
	s.outbox = append(s.outbox, model.BalanceChange{
		Seq:       s.nextID(),
		AccountID: a.Ref.ID,
		OwnerID:   a.OwnerID,
		ParentID:  a.ParentID,
		Diff:      diff,
		Balance:   a.Balance,
	})
}

// --- Withdrawals ---

func (s *MemoryStore) MakeWithdrawal(_ context.Context, in NewWithdrawal) (*model.Withdrawal, error) {
	const op = "store.make_withdrawal"
	if err := validateWithdrawal(in); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.withdrawals[in.ID]; dup {
		return nil, apperr.New(apperr.DuplicateIdempotencyKey, op, "withdrawal %s already submitted", in.ID)
	}
	ref := model.AccountRef{Kind: model.KindUser, ID: in.UserID}
	user, ok := s.accounts[ref]
	if !ok || user.Balance < in.Amount+in.Fee {
		return nil, insufficient(op, ref)
	}
	user.Balance -= in.Amount + in.Fee

	w := &model.Withdrawal{
		ID:          in.ID,
		UserID:      in.UserID,
		Amount:      in.Amount,
		Fee:         in.Fee,
		Destination: in.Destination,
		Memo:        in.Memo,
		Status:      model.WithdrawalQueued,
		CreatedAt:   s.now(),
	}
	s.withdrawals[w.ID] = w
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) GetWithdrawal(_ context.Context, id string) (*model.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.withdrawals[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "store.get_withdrawal", "withdrawal %s not found", id)
	}
	cp := *w
	return &cp, nil
}

// transition moves a withdrawal to `to` if its current status is one of
// from. The check and the write happen under one lock, like the conditional
// UPDATE in Postgres.
func (s *MemoryStore) transition(op, id string, to model.WithdrawalStatus, from []model.WithdrawalStatus, apply func(*model.Withdrawal)) (*model.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.withdrawals[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, op, "withdrawal %s not found", id)
	}
	if !slices.Contains(from, w.Status) {
		return nil, transitionConflict(op, id, to)
	}
	w.Status = to
	if apply != nil {
		apply(w)
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) DequeueWithdrawal(_ context.Context, id string) (*model.Withdrawal, error) {
	return s.transition("store.dequeue_withdrawal", id, model.WithdrawalInProgress, dequeueFrom, nil)
}

func (s *MemoryStore) SucceedWithdrawal(_ context.Context, id, reference string) error {
	if reference == "" {
		return apperr.New(apperr.Validation, "store.succeed_withdrawal", "settlement reference is required")
	}
	_, err := s.transition("store.succeed_withdrawal", id, model.WithdrawalSuccess, inProgress, func(w *model.Withdrawal) {
		w.Reference = reference
	})
	return err
}

func (s *MemoryStore) FailWithdrawal(_ context.Context, id string) error {
	_, err := s.transition("store.fail_withdrawal", id, model.WithdrawalFailed, inProgress, nil)
	return err
}

func (s *MemoryStore) MarkWithdrawalUnknown(_ context.Context, id string) error {
	_, err := s.transition("store.mark_withdrawal_unknown", id, model.WithdrawalUnknownError, inProgress, nil)
	return err
}

func (s *MemoryStore) ResolveUnknownWithdrawal(_ context.Context, id string) error {
	_, err := s.transition("store.resolve_unknown_withdrawal", id, model.WithdrawalFailed, unknownError, nil)
	return err
}

func (s *MemoryStore) ListUnsuccessfulWithdrawals(_ context.Context, olderThan time.Duration) ([]model.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-olderThan)

	var out []model.Withdrawal
	for _, w := range s.withdrawals {
		switch w.Status {
		case model.WithdrawalFailed, model.WithdrawalUnknownError:
			out = append(out, *w)
		case model.WithdrawalQueued, model.WithdrawalInProgress:
			if !w.CreatedAt.After(cutoff) {
				out = append(out, *w)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > UnsuccessfulLimit {
		out = out[:UnsuccessfulLimit]
	}
	return out, nil
}

// --- Outbox ---

func (s *MemoryStore) PendingNotifications(_ context.Context, limit int) ([]model.BalanceChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := min(limit, len(s.outbox))
	if n <= 0 {
		return nil, nil
	}
	return slices.Clone(s.outbox[:n]), nil
}

func (s *MemoryStore) MarkNotificationsDelivered(_ context.Context, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox = slices.DeleteFunc(s.outbox, func(c model.BalanceChange) bool {
		return slices.Contains(seqs, c.Seq)
	})
	return nil
}
