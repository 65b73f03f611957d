// Package store defines the ledger's persistence interface. Implementations
// include PostgreSQL (source of truth), Redis (read-through account cache),
// and in-memory (for testing and development).
//
// Every mutating operation is atomic: all of its balance changes and
// auxiliary records commit together or not at all. Balances only move
// through guarded arithmetic that refuses to take a row below zero.
package store

import (
	"context"
	"math"
	"time"

	"github.com/bankroll/settlement-engine/internal/apperr"
	"github.com/bankroll/settlement-engine/internal/model"
)

// MinWithdrawalAmount is the smallest withdrawal accepted, in base units.
const MinWithdrawalAmount = 10_000

// UnsuccessfulLimit caps ListUnsuccessfulWithdrawals.
const UnsuccessfulLimit = 100

// NewWithdrawal is the input to MakeWithdrawal.
type NewWithdrawal struct {
	ID          string // caller-chosen idempotency key
	UserID      int64
	Amount      int64
	Fee         int64
	Destination string
	Memo        string
}

// Store is the ledger persistence interface.
type Store interface {
	// --- Accounts ---

	// CreateAccount inserts a balance row. Rows always open at zero; money
	// only arrives through Deposit and the other recorded movements.
	// Reusing a ref is a Conflict.
	CreateAccount(ctx context.Context, a model.Account) error

	// GetAccount returns the row for ref or a NotFound error.
	GetAccount(ctx context.Context, ref model.AccountRef) (*model.Account, error)

	// Bankroll returns the bankroll balance.
	Bankroll(ctx context.Context) (int64, error)

	// --- Money movement ---

	// DecreaseBalance subtracts amount from ref if the result stays >= 0,
	// otherwise fails with InsufficientBalance.
	DecreaseBalance(ctx context.Context, ref model.AccountRef, amount int64) error

	// Deposit credits a user with an external payment identified by
	// reference. Crediting a reference twice is DuplicateIdempotencyKey.
	Deposit(ctx context.Context, userID, amount int64, reference string) (*model.Deposit, error)

	// Transfer moves amount between two users and records it.
	Transfer(ctx context.Context, fromUser, toUser, amount int64, memo string) (*model.Transfer, error)

	// Fund moves a signed amount between a user and one of their auth or app
	// balances. Positive deposits into sub, negative withdraws from it. A
	// balance-change notification is written in the same transaction.
	Fund(ctx context.Context, userID int64, sub model.AccountRef, amount int64) (*model.Funding, error)

	// Tip moves amount between two auths of the same app.
	Tip(ctx context.Context, fromAuth, toAuth, amount int64) (*model.Tip, error)

	// SettleBet applies a decided bet: the auth pays the wager and receives
	// wager+profit, the bankroll pays profit. The bet id is an idempotency
	// key.
	SettleBet(ctx context.Context, bet model.Bet) (*model.Bet, error)

	// Invest moves amount from a user into the bankroll and returns the new
	// bankroll balance.
	Invest(ctx context.Context, userID, amount int64) (int64, error)

	// --- Withdrawals ---

	// MakeWithdrawal debits amount+fee from the user and queues the
	// withdrawal. A reused id is DuplicateIdempotencyKey.
	MakeWithdrawal(ctx context.Context, w NewWithdrawal) (*model.Withdrawal, error)

	// GetWithdrawal returns the withdrawal or a NotFound error.
	GetWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error)

	// DequeueWithdrawal moves a queued or failed withdrawal to in_progress.
	// Only one concurrent caller wins; the rest get Conflict.
	DequeueWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error)

	// SucceedWithdrawal finishes an in_progress withdrawal with the external
	// settlement reference.
	SucceedWithdrawal(ctx context.Context, id, reference string) error

	// FailWithdrawal returns an in_progress withdrawal to failed so it can be
	// retried.
	FailWithdrawal(ctx context.Context, id string) error

	// MarkWithdrawalUnknown parks an in_progress withdrawal whose send outcome
	// is unknown. It is never retried automatically.
	MarkWithdrawalUnknown(ctx context.Context, id string) error

	// ResolveUnknownWithdrawal is the operator's manual unknown_error → failed
	// transition, after confirming the funds were not sent.
	ResolveUnknownWithdrawal(ctx context.Context, id string) error

	// ListUnsuccessfulWithdrawals returns failed and unknown_error
	// withdrawals plus queued or in_progress ones at least olderThan old,
	// newest first, at most UnsuccessfulLimit.
	ListUnsuccessfulWithdrawals(ctx context.Context, olderThan time.Duration) ([]model.Withdrawal, error)

	// --- Outbox ---

	// PendingNotifications returns up to limit undelivered balance changes
	// in commit order.
	PendingNotifications(ctx context.Context, limit int) ([]model.BalanceChange, error)

	// MarkNotificationsDelivered marks the given outbox rows delivered.
	MarkNotificationsDelivered(ctx context.Context, seqs []int64) error
}

// --- Input validation shared by implementations ---

func positive(op string, amount int64) error {
	if amount <= 0 {
		return apperr.New(apperr.Validation, op, "amount must be positive, got %d", amount)
	}
	return nil
}

func validateAccount(a model.Account) error {
	const op = "store.create_account"
	if !a.Ref.Kind.Valid() {
		return apperr.New(apperr.Validation, op, "unknown account kind %q", a.Ref.Kind)
	}
	if a.Ref.Kind == model.KindBankroll {
		return apperr.New(apperr.Validation, op, "the bankroll row already exists")
	}
	if a.Balance != 0 {
		return apperr.New(apperr.Validation, op, "accounts open with a zero balance, got %d", a.Balance)
	}
	return nil
}

func validateDeposit(amount int64, reference string) error {
	if reference == "" {
		return apperr.New(apperr.Validation, "store.deposit", "deposit reference is required")
	}
	return positive("store.deposit", amount)
}

func validateFund(sub model.AccountRef, amount int64) error {
	if sub.Kind != model.KindAuth && sub.Kind != model.KindApp {
		return apperr.New(apperr.Validation, "store.fund", "cannot fund a %s account", sub.Kind)
	}
	if amount == 0 || amount == math.MinInt64 {
		return apperr.New(apperr.Validation, "store.fund", "amount must be non-zero")
	}
	return nil
}

func validateWithdrawal(w NewWithdrawal) error {
	const op = "store.make_withdrawal"
	switch {
	case w.ID == "":
		return apperr.New(apperr.Validation, op, "withdrawal id is required")
	case w.Amount < MinWithdrawalAmount:
		return apperr.New(apperr.Validation, op, "amount %d below minimum %d", w.Amount, MinWithdrawalAmount)
	case w.Fee < 0:
		return apperr.New(apperr.Validation, op, "fee must be >= 0")
	case w.Amount > math.MaxInt64-w.Fee:
		return apperr.New(apperr.Validation, op, "amount plus fee overflows")
	case w.Destination == "":
		return apperr.New(apperr.Validation, op, "destination is required")
	}
	return nil
}

func validateBet(b model.Bet) error {
	const op = "store.settle_bet"
	switch {
	case b.ID == "":
		return apperr.New(apperr.Validation, op, "bet id is required")
	case b.Wager <= 0:
		return apperr.New(apperr.Validation, op, "wager must be positive")
	case b.Profit < -b.Wager:
		return apperr.New(apperr.Validation, op, "player cannot lose more than the wager")
	case b.Profit > math.MaxInt64-b.Wager:
		return apperr.New(apperr.Validation, op, "payout overflows")
	}
	return nil
}

func validateTip(fromAuth, toAuth, amount int64) error {
	if fromAuth == toAuth {
		return apperr.New(apperr.Validation, "store.tip", "cannot tip yourself")
	}
	return positive("store.tip", amount)
}

func validateTransfer(fromUser, toUser, amount int64) error {
	if fromUser == toUser {
		return apperr.New(apperr.Validation, "store.transfer", "cannot transfer to yourself")
	}
	return positive("store.transfer", amount)
}

// Allowed source states per withdrawal transition.
var (
	dequeueFrom  = []model.WithdrawalStatus{model.WithdrawalQueued, model.WithdrawalFailed}
	inProgress   = []model.WithdrawalStatus{model.WithdrawalInProgress}
	unknownError = []model.WithdrawalStatus{model.WithdrawalUnknownError}
)

func transitionConflict(op, id string, to model.WithdrawalStatus) error {
	return apperr.New(apperr.Conflict, op, "withdrawal %s cannot move to %s", id, to)
}
