package store

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bankroll/settlement-engine/internal/apperr"
	"github.com/bankroll/settlement-engine/internal/metrics"
	"github.com/bankroll/settlement-engine/internal/model"
	"github.com/bankroll/settlement-engine/internal/pool"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Balances are BIGINT base units; every debit is a guarded UPDATE whose
// affected-row count decides success.
type PostgresStore struct {
	pool *pool.Pool
	now  func() time.Time
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(p *pool.Pool) *PostgresStore {
	return &PostgresStore{pool: p, now: time.Now}
}

// Migrate creates the ledger tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return s.conn(ctx, "store.migrate", func(l pool.Lease) error {
		_, err := l.Exec(ctx, schema)
		return err
	})
}

// tx runs fn in a transaction and records the outcome.
func (s *PostgresStore) tx(ctx context.Context, op string, fn func(pool.Lease) error) error {
	return s.observe(op, s.pool.WithTx(ctx, fn))
}

// conn runs fn on a pooled connection without an explicit transaction.
func (s *PostgresStore) conn(ctx context.Context, op string, fn func(pool.Lease) error) error {
	return s.observe(op, s.pool.WithConn(ctx, fn))
}

func (s *PostgresStore) observe(op string, err error) error {
	result := "ok"
	if err != nil {
		result = apperr.KindOf(err).String()
	}
	metrics.LedgerOps.WithLabelValues(op, result).Inc()
	return apperr.Wrap(apperr.Infrastructure, op, err)
}

// --- Guarded arithmetic ---

// decrease subtracts amount from ref only if the balance covers it.
func decrease(ctx context.Context, l pool.Lease, op string, ref model.AccountRef, amount int64) error {
	tag, err := l.Exec(ctx,
		`UPDATE accounts SET balance = balance - $1
		 WHERE kind = $2 AND id = $3 AND balance >= $1`,
		amount, string(ref.Kind), ref.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return insufficient(op, ref)
	}
	return nil
}

// adjust adds a signed delta to ref, refusing to take it below zero, and
// returns the updated row. A missing row is InsufficientBalance for a debit
// and NotFound for a credit.
func adjust(ctx context.Context, l pool.Lease, op string, ref model.AccountRef, delta int64) (*model.Account, error) {
	a := model.Account{Ref: ref}
	err := l.QueryRow(ctx,
		`UPDATE accounts SET balance = balance + $1
		 WHERE kind = $2 AND id = $3 AND balance + $1 >= 0
		 RETURNING owner_id, parent_id, balance`,
		delta, string(ref.Kind), ref.ID).Scan(&a.OwnerID, &a.ParentID, &a.Balance)
	if errors.Is(err, pgx.ErrNoRows) {
		if delta < 0 {
			return nil, insufficient(op, ref)
		}
		return nil, apperr.New(apperr.NotFound, op, "account %s not found", ref)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// enqueue writes a balance-change notification to the outbox. It must run
// inside the transaction whose effect it reports.
func enqueue(ctx context.Context, l pool.Lease, a *model.Account, diff int64) error {
	_, err := l.Exec(ctx,
		`INSERT INTO balance_notifications (account_id, owner_id, parent_id, diff, balance)
		 VALUES ($1, $2, $3, $4, $5)`,
		a.Ref.ID, a.OwnerID, a.ParentID, diff, a.Balance)
	return err
}

// --- Accounts ---

func (s *PostgresStore) CreateAccount(ctx context.Context, a model.Account) error {
	const op = "store.create_account"
	if err := validateAccount(a); err != nil {
		return err
	}
	return s.conn(ctx, op, func(l pool.Lease) error {
		_, err := l.Exec(ctx,
			`INSERT INTO accounts (kind, id, owner_id, parent_id) VALUES ($1, $2, $3, $4)`,
			string(a.Ref.Kind), a.Ref.ID, a.OwnerID, a.ParentID)
		if pool.IsUniqueViolation(err) {
			return apperr.New(apperr.Conflict, op, "account %s already exists", a.Ref)
		}
		return err
	})
}

func (s *PostgresStore) GetAccount(ctx context.Context, ref model.AccountRef) (*model.Account, error) {
	const op = "store.get_account"
	a := model.Account{Ref: ref}
	err := s.conn(ctx, op, func(l pool.Lease) error {
		err := l.QueryRow(ctx,
			`SELECT owner_id, parent_id, balance FROM accounts WHERE kind = $1 AND id = $2`,
			string(ref.Kind), ref.ID).Scan(&a.OwnerID, &a.ParentID, &a.Balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.New(apperr.NotFound, op, "account %s not found", ref)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) Bankroll(ctx context.Context) (int64, error) {
	a, err := s.GetAccount(ctx, model.BankrollRef)
	if err != nil {
		return 0, err
	}
	return a.Balance, nil
}

// --- Money movement ---

func (s *PostgresStore) DecreaseBalance(ctx context.Context, ref model.AccountRef, amount int64) error {
	const op = "store.decrease_balance"
	if err := positive(op, amount); err != nil {
		return err
	}
	return s.conn(ctx, op, func(l pool.Lease) error {
		return decrease(ctx, l, op, ref, amount)
	})
}

func (s *PostgresStore) Deposit(ctx context.Context, userID, amount int64, reference string) (*model.Deposit, error) {
	const op = "store.deposit"
	if err := validateDeposit(amount, reference); err != nil {
		return nil, err
	}
	d := model.Deposit{UserID: userID, Amount: amount, Reference: reference}
	err := s.tx(ctx, op, func(l pool.Lease) error {
		err := l.QueryRow(ctx,
			`INSERT INTO deposits (user_id, amount, reference)
			 VALUES ($1, $2, $3) RETURNING id, created_at`,
			userID, amount, reference).Scan(&d.ID, &d.CreatedAt)
		if pool.IsUniqueViolation(err) {
			return apperr.New(apperr.DuplicateIdempotencyKey, op, "deposit %s already credited", reference)
		}
		if err != nil {
			return err
		}
		_, err = adjust(ctx, l, op, model.AccountRef{Kind: model.KindUser, ID: userID}, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) Transfer(ctx context.Context, fromUser, toUser, amount int64, memo string) (*model.Transfer, error) {
	const op = "store.transfer"
	if err := validateTransfer(fromUser, toUser, amount); err != nil {
		return nil, err
	}
	t := model.Transfer{FromUser: fromUser, ToUser: toUser, Amount: amount, Memo: memo}
	err := s.tx(ctx, op, func(l pool.Lease) error {
		if err := decrease(ctx, l, op, model.AccountRef{Kind: model.KindUser, ID: fromUser}, amount); err != nil {
			return err
		}
		if _, err := adjust(ctx, l, op, model.AccountRef{Kind: model.KindUser, ID: toUser}, amount); err != nil {
			return err
		}
		return l.QueryRow(ctx,
			`INSERT INTO transfers (from_user_id, to_user_id, amount, memo)
			 VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
			fromUser, toUser, amount, memo).Scan(&t.ID, &t.CreatedAt)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) Invest(ctx context.Context, userID, amount int64) (int64, error) {
	const op = "store.invest"
	if err := positive(op, amount); err != nil {
		return 0, err
	}
	var balance int64
	err := s.tx(ctx, op, func(l pool.Lease) error {
		if err := decrease(ctx, l, op, model.AccountRef{Kind: model.KindUser, ID: userID}, amount); err != nil {
			return err
		}
		b, err := adjust(ctx, l, op, model.BankrollRef, amount)
		if err != nil {
			return err
		}
		balance = b.Balance
		return nil
	})
	return balance, err
}

func (s *PostgresStore) Fund(ctx context.Context, userID int64, sub model.AccountRef, amount int64) (*model.Funding, error) {
	const op = "store.fund"
	if err := validateFund(sub, amount); err != nil {
		return nil, err
	}
	f := model.Funding{UserID: userID, Sub: sub, Amount: amount}
	err := s.tx(ctx, op, func(l pool.Lease) error {
		if _, err := adjust(ctx, l, op, model.AccountRef{Kind: model.KindUser, ID: userID}, -amount); err != nil {
			return err
		}

		acct := model.Account{Ref: sub, OwnerID: userID}
		err := l.QueryRow(ctx,
			`UPDATE accounts SET balance = balance + $1
			 WHERE kind = $2 AND id = $3 AND owner_id = $4 AND balance + $1 >= 0
			 RETURNING parent_id, balance`,
			amount, string(sub.Kind), sub.ID, userID).Scan(&acct.ParentID, &acct.Balance)
		if errors.Is(err, pgx.ErrNoRows) {
			if amount < 0 {
				return insufficient(op, sub)
			}
			return apperr.New(apperr.NotFound, op, "%s does not belong to user %d", sub, userID)
		}
		if err != nil {
			return err
		}

		if err := l.QueryRow(ctx,
			`INSERT INTO fundings (user_id, sub_kind, sub_id, amount)
			 VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
			userID, string(sub.Kind), sub.ID, amount).Scan(&f.ID, &f.CreatedAt); err != nil {
			return err
		}
		return enqueue(ctx, l, &acct, amount)
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *PostgresStore) Tip(ctx context.Context, fromAuth, toAuth, amount int64) (*model.Tip, error) {
	const op = "store.tip"
	if err := validateTip(fromAuth, toAuth, amount); err != nil {
		return nil, err
	}
	tip := model.Tip{FromAuth: fromAuth, ToAuth: toAuth, Amount: amount}
	err := s.tx(ctx, op, func(l pool.Lease) error {
		from, err := adjust(ctx, l, op, model.AccountRef{Kind: model.KindAuth, ID: fromAuth}, -amount)
		if err != nil {
			return err
		}
		tag, err := l.Exec(ctx,
			`UPDATE accounts SET balance = balance + $1
			 WHERE kind = 'auth' AND id = $2 AND parent_id = $3`,
			amount, toAuth, from.ParentID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return apperr.New(apperr.NotFound, op, "auth %d not found in app %d", toAuth, from.ParentID)
		}
		return l.QueryRow(ctx,
			`INSERT INTO tips (from_auth_id, to_auth_id, amount) VALUES ($1, $2, $3) RETURNING id, created_at`,
			fromAuth, toAuth, amount).Scan(&tip.ID, &tip.CreatedAt)
	})
	if err != nil {
		return nil, err
	}
	return &tip, nil
}

func (s *PostgresStore) SettleBet(ctx context.Context, b model.Bet) (*model.Bet, error) {
	const op = "store.settle_bet"
	if err := validateBet(b); err != nil {
		return nil, err
	}
	err := s.tx(ctx, op, func(l pool.Lease) error {
		err := l.QueryRow(ctx,
			`INSERT INTO bets (id, auth_id, wager, profit, outcome, commitment)
			 VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at`,
			b.ID, b.AuthID, b.Wager, b.Profit, int64(b.Outcome), b.Commitment).Scan(&b.CreatedAt)
		if pool.IsUniqueViolation(err) {
			return apperr.New(apperr.DuplicateIdempotencyKey, op, "bet %s already settled", b.ID)
		}
		if err != nil {
			return err
		}

		authRef := model.AccountRef{Kind: model.KindAuth, ID: b.AuthID}
		if err := decrease(ctx, l, op, authRef, b.Wager); err != nil {
			return err
		}
		auth, err := adjust(ctx, l, op, authRef, b.Wager+b.Profit)
		if err != nil {
			return err
		}
		if _, err := adjust(ctx, l, op, model.BankrollRef, -b.Profit); err != nil {
			return err
		}
		return enqueue(ctx, l, auth, b.Profit)
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// --- Withdrawals ---

const withdrawalColumns = `id, user_id, amount, fee, destination, memo, status, reference, created_at`

func scanWithdrawal(row pgx.Row) (*model.Withdrawal, error) {
	var w model.Withdrawal
	err := row.Scan(&w.ID, &w.UserID, &w.Amount, &w.Fee, &w.Destination, &w.Memo, &w.Status, &w.Reference, &w.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *PostgresStore) MakeWithdrawal(ctx context.Context, in NewWithdrawal) (*model.Withdrawal, error) {
	const op = "store.make_withdrawal"
	if err := validateWithdrawal(in); err != nil {
		return nil, err
	}
	var w *model.Withdrawal
	err := s.tx(ctx, op, func(l pool.Lease) error {
		var err error
		w, err = scanWithdrawal(l.QueryRow(ctx,
			`INSERT INTO withdrawals (id, user_id, amount, fee, destination, memo, status)
			 VALUES ($1, $2, $3, $4, $5, $6, 'queued')
			 RETURNING `+withdrawalColumns,
			in.ID, in.UserID, in.Amount, in.Fee, in.Destination, in.Memo))
		if pool.IsUniqueViolation(err) {
			return apperr.New(apperr.DuplicateIdempotencyKey, op, "withdrawal %s already submitted", in.ID)
		}
		if err != nil {
			return err
		}
		return decrease(ctx, l, op, model.AccountRef{Kind: model.KindUser, ID: in.UserID}, in.Amount+in.Fee)
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (s *PostgresStore) GetWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error) {
	const op = "store.get_withdrawal"
	var w *model.Withdrawal
	err := s.conn(ctx, op, func(l pool.Lease) error {
		var err error
		w, err = scanWithdrawal(l.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.New(apperr.NotFound, op, "withdrawal %s not found", id)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// transition is a single conditional UPDATE: the status filter in the WHERE
// clause is what makes concurrent callers mutually exclusive.
func (s *PostgresStore) transition(ctx context.Context, op, id string, to model.WithdrawalStatus, from []model.WithdrawalStatus, reference string) (*model.Withdrawal, error) {
	states := make([]string, len(from))
	for i, st := range from {
		states[i] = string(st)
	}
	var w *model.Withdrawal
	err := s.conn(ctx, op, func(l pool.Lease) error {
		var err error
		w, err = scanWithdrawal(l.QueryRow(ctx,
			`UPDATE withdrawals SET status = $1, reference = CASE WHEN $2 = '' THEN reference ELSE $2 END
			 WHERE id = $3 AND status = ANY($4)
			 RETURNING `+withdrawalColumns,
			string(to), reference, id, states))
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		var exists bool
		if err := l.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM withdrawals WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return apperr.New(apperr.NotFound, op, "withdrawal %s not found", id)
		}
		return transitionConflict(op, id, to)
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (s *PostgresStore) DequeueWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error) {
	return s.transition(ctx, "store.dequeue_withdrawal", id, model.WithdrawalInProgress, dequeueFrom, "")
}

func (s *PostgresStore) SucceedWithdrawal(ctx context.Context, id, reference string) error {
	const op = "store.succeed_withdrawal"
	if reference == "" {
		return apperr.New(apperr.Validation, op, "settlement reference is required")
	}
	_, err := s.transition(ctx, op, id, model.WithdrawalSuccess, inProgress, reference)
	return err
}

func (s *PostgresStore) FailWithdrawal(ctx context.Context, id string) error {
	_, err := s.transition(ctx, "store.fail_withdrawal", id, model.WithdrawalFailed, inProgress, "")
	return err
}

func (s *PostgresStore) MarkWithdrawalUnknown(ctx context.Context, id string) error {
	_, err := s.transition(ctx, "store.mark_withdrawal_unknown", id, model.WithdrawalUnknownError, inProgress, "")
	return err
}

func (s *PostgresStore) ResolveUnknownWithdrawal(ctx context.Context, id string) error {
	_, err := s.transition(ctx, "store.resolve_unknown_withdrawal", id, model.WithdrawalFailed, unknownError, "")
	return err
}

func (s *PostgresStore) ListUnsuccessfulWithdrawals(ctx context.Context, olderThan time.Duration) ([]model.Withdrawal, error) {
	var out []model.Withdrawal
	err := s.conn(ctx, "store.list_unsuccessful_withdrawals", func(l pool.Lease) error {
		rows, err := l.Query(ctx,
			`SELECT `+withdrawalColumns+` FROM withdrawals
			 WHERE status IN ('failed', 'unknown_error')
			    OR (status IN ('queued', 'in_progress') AND created_at <= $1)
			 ORDER BY created_at DESC, id DESC
			 LIMIT $2`,
			s.now().Add(-olderThan), UnsuccessfulLimit)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Withdrawal, error) {
			w, err := scanWithdrawal(row)
			if err != nil {
				return model.Withdrawal{}, err
			}
			return *w, nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// --- Outbox ---

func (s *PostgresStore) PendingNotifications(ctx context.Context, limit int) ([]model.BalanceChange, error) {
	var out []model.BalanceChange
	err := s.conn(ctx, "store.pending_notifications", func(l pool.Lease) error {
		rows, err := l.Query(ctx,
			`SELECT seq, account_id, owner_id, parent_id, diff, balance
			 FROM balance_notifications
			 WHERE delivered_at IS NULL
			 ORDER BY seq
			 LIMIT $1`, limit)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.BalanceChange, error) {
			var c model.BalanceChange
			err := row.Scan(&c.Seq, &c.AccountID, &c.OwnerID, &c.ParentID, &c.Diff, &c.Balance)
			return c, err
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) MarkNotificationsDelivered(ctx context.Context, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	return s.conn(ctx, "store.mark_notifications_delivered", func(l pool.Lease) error {
		_, err := l.Exec(ctx,
			`UPDATE balance_notifications SET delivered_at = NOW()
			 WHERE seq = ANY($1) AND delivered_at IS NULL`, seqs)
		return err
	})
}
