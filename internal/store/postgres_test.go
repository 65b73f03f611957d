package store

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bankroll/settlement-engine/internal/apperr"
	"github.com/bankroll/settlement-engine/internal/model"
	"github.com/bankroll/settlement-engine/internal/pool"
	"github.com/bankroll/settlement-engine/internal/pool/pooltest"
)

func newPG(t *testing.T, h pooltest.Handler) (*PostgresStore, *pooltest.Source) {
	t.Helper()
	src := pooltest.New(h)
	p, err := pool.Open(context.Background(), src.Opener(), pool.WithBackoff(time.Microsecond, time.Microsecond))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(p.Close)
	return NewPostgresStore(p), src
}

// expectStatements checks that each statement starts with the matching
// prefix, in order.
func expectStatements(t *testing.T, src *pooltest.Source, prefixes ...string) {
	t.Helper()
	got := src.Statements()
	if len(got) != len(prefixes) {
		t.Fatalf("ran %d statements %q, want %d", len(got), got, len(prefixes))
	}
	for i, p := range prefixes {
		if !strings.HasPrefix(got[i], p) {
			t.Errorf("statement %d = %q, want prefix %q", i, got[i], p)
		}
	}
}

var committedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestPostgres_DecreaseBalanceZeroRows(t *testing.T) {
	s, src := newPG(t, func(c pooltest.Call) pooltest.Result {
		return pooltest.Result{Tag: "UPDATE 0"}
	})
	err := s.DecreaseBalance(context.Background(), alice, 50)
	expectKind(t, err, apperr.ErrInsufficientBalance)
	expectStatements(t, src, "UPDATE accounts SET balance = balance - $1")
}

func TestPostgres_TransferAbortsWholeTransaction(t *testing.T) {
	s, src := newPG(t, func(c pooltest.Call) pooltest.Result {
		if strings.Contains(c.SQL, "balance >= $1") {
			return pooltest.Result{Tag: "UPDATE 0"}
		}
		return pooltest.Result{}
	})
	_, err := s.Transfer(context.Background(), alice.ID, bob.ID, 100, "")
	expectKind(t, err, apperr.ErrInsufficientBalance)
	expectStatements(t, src, "BEGIN", "UPDATE accounts", "ROLLBACK")
}

func TestPostgres_FundWritesOutboxInSameTransaction(t *testing.T) {
	s, src := newPG(t, func(c pooltest.Call) pooltest.Result {
		switch {
		case strings.Contains(c.SQL, "RETURNING owner_id, parent_id, balance"):
			return pooltest.Result{Rows: [][]any{{int64(0), int64(0), int64(400)}}}
		case strings.Contains(c.SQL, "RETURNING parent_id, balance"):
			return pooltest.Result{Rows: [][]any{{app.ID, int64(100)}}}
		case strings.HasPrefix(c.SQL, "INSERT INTO fundings"):
			return pooltest.Result{Rows: [][]any{{int64(7), committedAt}}}
		}
		return pooltest.Result{Tag: "INSERT 0 1"}
	})

	f, err := s.Fund(context.Background(), alice.ID, aliceAuth, 100)
	if err != nil {
		t.Fatalf("Fund: %v", err)
	}
	if f.ID != 7 || !f.CreatedAt.Equal(committedAt) {
		t.Errorf("funding = %+v", f)
	}

	expectStatements(t, src,
		"BEGIN",
		"UPDATE accounts",
		"UPDATE accounts",
		"INSERT INTO fundings",
		"INSERT INTO balance_notifications",
		"COMMIT",
	)

	outbox := src.Calls()[4].Args
	want := []any{aliceAuth.ID, alice.ID, app.ID, int64(100), int64(100)}
	for i := range want {
		if outbox[i] != want[i] {
			t.Errorf("outbox arg %d = %v, want %v", i, outbox[i], want[i])
		}
	}
}

func TestPostgres_FundWithdrawBeyondSubBalance(t *testing.T) {
	s, src := newPG(t, func(c pooltest.Call) pooltest.Result {
		if strings.Contains(c.SQL, "RETURNING owner_id, parent_id, balance") {
			return pooltest.Result{Rows: [][]any{{int64(0), int64(0), int64(600)}}}
		}
		// The guarded sub-account update matches no row.
		return pooltest.Result{}
	})
	_, err := s.Fund(context.Background(), alice.ID, aliceAuth, -100)
	expectKind(t, err, apperr.ErrInsufficientBalance)
	expectStatements(t, src, "BEGIN", "UPDATE accounts", "UPDATE accounts", "ROLLBACK")
}

func TestPostgres_CreateAccountNeverWritesABalance(t *testing.T) {
	s, src := newPG(t, func(c pooltest.Call) pooltest.Result {
		return pooltest.Result{Tag: "INSERT 0 1"}
	})
	err := s.CreateAccount(context.Background(), model.Account{Ref: alice, Balance: 1_000_000})
	expectKind(t, err, apperr.ErrValidation)
	if n := len(src.Statements()); n != 0 {
		t.Fatalf("rejected account reached the database: %q", src.Statements())
	}

	if err := s.CreateAccount(context.Background(), model.Account{Ref: aliceAuth, OwnerID: alice.ID, ParentID: app.ID}); err != nil {
		t.Fatal(err)
	}
	expectStatements(t, src, "INSERT INTO accounts (kind, id, owner_id, parent_id)")
}

func TestPostgres_DepositRecordsThenCredits(t *testing.T) {
	s, src := newPG(t, func(c pooltest.Call) pooltest.Result {
		switch {
		case strings.HasPrefix(c.SQL, "INSERT INTO deposits"):
			return pooltest.Result{Rows: [][]any{{int64(3), committedAt}}}
		case strings.Contains(c.SQL, "RETURNING owner_id, parent_id, balance"):
			return pooltest.Result{Rows: [][]any{{int64(0), int64(0), int64(700)}}}
		}
		return pooltest.Result{}
	})
	d, err := s.Deposit(context.Background(), alice.ID, 700, "txid:1")
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if d.ID != 3 || d.Reference != "txid:1" {
		t.Errorf("deposit = %+v", d)
	}
	expectStatements(t, src, "BEGIN", "INSERT INTO deposits", "UPDATE accounts", "COMMIT")
}

func TestPostgres_DepositReplayed(t *testing.T) {
	s, src := newPG(t, func(c pooltest.Call) pooltest.Result {
		if strings.HasPrefix(c.SQL, "INSERT INTO deposits") {
			return pooltest.Result{Err: pooltest.PgError("23505")}
		}
		return pooltest.Result{}
	})
	_, err := s.Deposit(context.Background(), alice.ID, 700, "txid:1")
	expectKind(t, err, apperr.ErrDuplicateIdempotencyKey)
	expectStatements(t, src, "BEGIN", "INSERT INTO deposits", "ROLLBACK")
}

func TestPostgres_InvestMovesUserToBankroll(t *testing.T) {
	s, src := newPG(t, func(c pooltest.Call) pooltest.Result {
		if strings.Contains(c.SQL, "RETURNING owner_id, parent_id, balance") {
			return pooltest.Result{Rows: [][]any{{int64(0), int64(0), int64(5000)}}}
		}
		return pooltest.Result{Tag: "UPDATE 1"}
	})
	b, err := s.Invest(context.Background(), alice.ID, 250)
	if err != nil || b != 5000 {
		t.Fatalf("Invest = %d, %v; want 5000, nil", b, err)
	}
	expectStatements(t, src, "BEGIN", "UPDATE accounts", "UPDATE accounts", "COMMIT")
	if args := src.Calls()[2].Args; args[1] != string(model.KindBankroll) {
		t.Errorf("second update targets %v, want the bankroll", args[1])
	}
}

func TestPostgres_MakeWithdrawalDuplicate(t *testing.T) {
	s, src := newPG(t, func(c pooltest.Call) pooltest.Result {
		if strings.HasPrefix(c.SQL, "INSERT INTO withdrawals") {
			return pooltest.Result{Err: pooltest.PgError("23505")}
		}
		return pooltest.Result{}
	})
	_, err := s.MakeWithdrawal(context.Background(), withdrawal("w1", 10_000))
	expectKind(t, err, apperr.ErrDuplicateIdempotencyKey)
	expectStatements(t, src, "BEGIN", "INSERT INTO withdrawals", "ROLLBACK")
}

func TestPostgres_TransitionConflictVersusNotFound(t *testing.T) {
	for _, exists := range []bool{true, false} {
		s, _ := newPG(t, func(c pooltest.Call) pooltest.Result {
			if strings.HasPrefix(c.SQL, "SELECT EXISTS") {
				return pooltest.Result{Rows: [][]any{{exists}}}
			}
			return pooltest.Result{} // conditional UPDATE matched nothing
		})
		_, err := s.DequeueWithdrawal(context.Background(), "w1")
		if exists {
			expectKind(t, err, apperr.ErrConflict)
		} else {
			expectKind(t, err, apperr.ErrNotFound)
		}
	}
}

func TestPostgres_DequeueReturnsRow(t *testing.T) {
	s, src := newPG(t, func(c pooltest.Call) pooltest.Result {
		return pooltest.Result{Rows: [][]any{{
			"w1", alice.ID, int64(10_000), int64(100), "bc1qexample", "", "in_progress", "", committedAt,
		}}}
	})
	w, err := s.DequeueWithdrawal(context.Background(), "w1")
	if err != nil {
		t.Fatalf("DequeueWithdrawal: %v", err)
	}
	if w.Status != model.WithdrawalInProgress || w.Amount != 10_000 {
		t.Errorf("withdrawal = %+v", w)
	}
	args := src.Calls()[0].Args
	states, _ := args[3].([]string)
	if args[0] != "in_progress" || len(states) != 2 || states[0] != "queued" || states[1] != "failed" {
		t.Errorf("dequeue must filter on queued/failed, got args %v", args)
	}
}

func TestPostgres_SettleBetRetriedOnDeadlock(t *testing.T) {
	var debits atomic.Int32
	s, src := newPG(t, func(c pooltest.Call) pooltest.Result {
		switch {
		case strings.HasPrefix(c.SQL, "INSERT INTO bets"):
			return pooltest.Result{Rows: [][]any{{committedAt}}}
		case strings.Contains(c.SQL, "balance >= $1"):
			if debits.Add(1) == 1 {
				return pooltest.Result{Err: pooltest.PgError(pool.CodeDeadlock)}
			}
			return pooltest.Result{Tag: "UPDATE 1"}
		case strings.Contains(c.SQL, "RETURNING owner_id"):
			if c.Args[1] == "bankroll" {
				return pooltest.Result{Rows: [][]any{{int64(0), int64(0), int64(902)}}}
			}
			return pooltest.Result{Rows: [][]any{{alice.ID, app.ID, int64(198)}}}
		}
		return pooltest.Result{Tag: "INSERT 0 1"}
	})

	bet := model.Bet{ID: "b1", AuthID: aliceAuth.ID, Wager: 100, Profit: 98, Outcome: 12, Commitment: "c"}
	got, err := s.SettleBet(context.Background(), bet)
	if err != nil {
		t.Fatalf("SettleBet: %v", err)
	}
	if !got.CreatedAt.Equal(committedAt) {
		t.Errorf("created_at = %v", got.CreatedAt)
	}
	if st := src.Stats(); st.Acquired != 2 || st.Released != 2 {
		t.Errorf("expected a second attempt on a fresh lease: %+v", st)
	}
	expectStatements(t, src,
		"BEGIN", "INSERT INTO bets", "UPDATE accounts", "ROLLBACK",
		"BEGIN", "INSERT INTO bets", "UPDATE accounts", "UPDATE accounts", "UPDATE accounts",
		"INSERT INTO balance_notifications", "COMMIT",
	)
}

func TestPostgres_PendingNotifications(t *testing.T) {
	s, _ := newPG(t, func(c pooltest.Call) pooltest.Result {
		return pooltest.Result{Rows: [][]any{
			{int64(1), int64(100), int64(1), int64(10), int64(5), int64(105)},
			{int64(2), int64(100), int64(1), int64(10), int64(-5), int64(100)},
		}}
	})
	got, err := s.PendingNotifications(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1].Seq != 2 || got[1].Diff != -5 {
		t.Errorf("notifications = %+v", got)
	}
}

func TestPostgres_MarkDeliveredNoop(t *testing.T) {
	s, src := newPG(t, nil)
	if err := s.MarkNotificationsDelivered(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if n := len(src.Calls()); n != 0 {
		t.Errorf("empty mark should not touch the database, ran %d statements", n)
	}
}
