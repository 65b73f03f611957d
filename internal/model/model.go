// Package model defines the ledger's domain types shared across the
// settlement engine. All balances are int64 amounts in the smallest
// currency unit; there is no floating point money in the ledger.
package model

import (
	"fmt"
	"time"
)

// AccountKind names the table a balance row lives in.
type AccountKind string

const (
	KindUser     AccountKind = "user"     // a user's wallet
	KindAuth     AccountKind = "auth"     // a user's balance inside one app (per-app authorization)
	KindApp      AccountKind = "app"      // an application's own balance
	KindBankroll AccountKind = "bankroll" // pooled investor capital backing all bets
)

// Valid reports whether k is one of the known kinds.
func (k AccountKind) Valid() bool {
	switch k {
	case KindUser, KindAuth, KindApp, KindBankroll:
		return true
	}
	return false
}

// AccountRef identifies one balance row.
type AccountRef struct {
	Kind AccountKind `json:"kind"`
	ID   int64       `json:"id"`
}

// BankrollRef is the single bankroll row.
var BankrollRef = AccountRef{Kind: KindBankroll, ID: 1}

func (r AccountRef) String() string {
	return fmt.Sprintf("%s:%d", r.Kind, r.ID)
}

// Account is a balance row. Rows are never deleted.
//
// For auth accounts OwnerID is the user and ParentID the app; for app
// accounts OwnerID is the app's owning user. Users and the bankroll have
// neither.
type Account struct {
	Ref      AccountRef `json:"ref"`
	OwnerID  int64      `json:"owner_id,omitempty"`
	ParentID int64      `json:"parent_id,omitempty"`
	Balance  int64      `json:"balance"`
}

// Transfer is an auditable user-to-user movement.
type Transfer struct {
	ID        int64     `json:"id"`
	FromUser  int64     `json:"from_user_id"`
	ToUser    int64     `json:"to_user_id"`
	Amount    int64     `json:"amount"`
	Memo      string    `json:"memo,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Deposit credits a user with funds received from outside the ledger. The
// external reference is unique, so crediting the same payment twice fails.
type Deposit struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Amount    int64     `json:"amount"`
	Reference string    `json:"reference"`
	CreatedAt time.Time `json:"created_at"`
}

// Tip moves value between two auths of the same app.
type Tip struct {
	ID        int64     `json:"id"`
	FromAuth  int64     `json:"from_auth_id"`
	ToAuth    int64     `json:"to_auth_id"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

// Funding records a signed movement between a user and one of their sub
// balances (an auth or an app). Positive amounts are deposits into the sub
// balance, negative amounts withdrawals back to the user.
type Funding struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"user_id"`
	Sub       AccountRef `json:"sub"`
	Amount    int64      `json:"amount"`
	CreatedAt time.Time  `json:"created_at"`
}

// Bet is one settled wager against the bankroll.
type Bet struct {
	ID      string `json:"id"` // caller-chosen idempotency key
	AuthID  int64  `json:"auth_id"`
	Wager   int64  `json:"wager"`
	Profit  int64  `json:"profit"` // player profit at Outcome; negative when the player lost
	Outcome uint64 `json:"outcome"`
	// Commitment is the hex hash of the server seed that produced Outcome.
	Commitment string    `json:"commitment"`
	CreatedAt  time.Time `json:"created_at"`
}

// WithdrawalStatus is the state of a withdrawal.
//
//	queued ──┐
//	         ├─> in_progress ─> success
//	failed ──┘        │
//	   ^              ├─> failed
//	   └──(manual)────┴─> unknown_error
type WithdrawalStatus string

const (
	WithdrawalQueued       WithdrawalStatus = "queued"
	WithdrawalInProgress   WithdrawalStatus = "in_progress"
	WithdrawalFailed       WithdrawalStatus = "failed"
	WithdrawalSuccess      WithdrawalStatus = "success"
	WithdrawalUnknownError WithdrawalStatus = "unknown_error"
)

// Withdrawal is an external payout request debited from a user.
type Withdrawal struct {
	ID          string           `json:"id"` // caller-chosen idempotency key
	UserID      int64            `json:"user_id"`
	Amount      int64            `json:"amount"`
	Fee         int64            `json:"fee"`
	Destination string           `json:"destination"`
	Memo        string           `json:"memo,omitempty"`
	Status      WithdrawalStatus `json:"status"`
	Reference   string           `json:"reference,omitempty"` // external settlement id, set on success
	CreatedAt   time.Time        `json:"created_at"`
}

// BalanceChange is the notification emitted after a committed funding or
// bet. Delivery is at-least-once; consumers must tolerate redelivery.
type BalanceChange struct {
	Seq       int64 `json:"-"` // outbox sequence, not part of the payload
	AccountID int64 `json:"auth_id"`
	OwnerID   int64 `json:"user_id"`
	ParentID  int64 `json:"app_id"`
	Diff      int64 `json:"diff"`
	Balance   int64 `json:"balance"`
}
