package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bankroll/settlement-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for account rows shown to clients. The bankroll is never served
// from it. Every write goes to the primary, which alone enforces the
// balance guards, and then drops the cache entries of the accounts it
// touched. Cache failures are logged and otherwise ignored.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, ref model.AccountRef) (*model.Account, error) {
	data, err := s.rdb.Get(ctx, accountKey(ref)).Bytes()
	if err == nil {
		var a model.Account
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	a, err := s.Store.GetAccount(ctx, ref)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(a); err == nil {
		if err := s.rdb.Set(ctx, accountKey(ref), data, s.ttl).Err(); err != nil {
			slog.Warn("account cache write failed", "account", ref.String(), "err", err)
		}
	}
	return a, nil
}

// Bankroll always reads the primary. Bets are sized against it, and a cached
// value can outlive the commit that lowered it.
func (s *CachedStore) Bankroll(ctx context.Context) (int64, error) {
	return s.Store.Bankroll(ctx)
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAccount(ctx context.Context, a model.Account) error {
	if err := s.Store.CreateAccount(ctx, a); err != nil {
		return err
	}
	s.invalidate(ctx, a.Ref)
	return nil
}

func (s *CachedStore) DecreaseBalance(ctx context.Context, ref model.AccountRef, amount int64) error {
	if err := s.Store.DecreaseBalance(ctx, ref, amount); err != nil {
		return err
	}
	s.invalidate(ctx, ref)
	return nil
}

func (s *CachedStore) Deposit(ctx context.Context, userID, amount int64, reference string) (*model.Deposit, error) {
	d, err := s.Store.Deposit(ctx, userID, amount, reference)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, userRef(userID))
	return d, nil
}

func (s *CachedStore) Transfer(ctx context.Context, fromUser, toUser, amount int64, memo string) (*model.Transfer, error) {
	t, err := s.Store.Transfer(ctx, fromUser, toUser, amount, memo)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, userRef(fromUser), userRef(toUser))
	return t, nil
}

func (s *CachedStore) Invest(ctx context.Context, userID, amount int64) (int64, error) {
	b, err := s.Store.Invest(ctx, userID, amount)
	if err != nil {
		return 0, err
	}
	s.invalidate(ctx, userRef(userID), model.BankrollRef)
	return b, nil
}

func (s *CachedStore) Fund(ctx context.Context, userID int64, sub model.AccountRef, amount int64) (*model.Funding, error) {
	f, err := s.Store.Fund(ctx, userID, sub, amount)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, userRef(userID), sub)
	return f, nil
}

func (s *CachedStore) Tip(ctx context.Context, fromAuth, toAuth, amount int64) (*model.Tip, error) {
	t, err := s.Store.Tip(ctx, fromAuth, toAuth, amount)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, authRef(fromAuth), authRef(toAuth))
	return t, nil
}

func (s *CachedStore) SettleBet(ctx context.Context, b model.Bet) (*model.Bet, error) {
	settled, err := s.Store.SettleBet(ctx, b)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, authRef(b.AuthID), model.BankrollRef)
	return settled, nil
}

func (s *CachedStore) MakeWithdrawal(ctx context.Context, in NewWithdrawal) (*model.Withdrawal, error) {
	w, err := s.Store.MakeWithdrawal(ctx, in)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, userRef(in.UserID))
	return w, nil
}

// Withdrawal transitions and the outbox pass through to the primary via the
// embedded Store: they never change a balance.

// --- Cache helpers ---

func (s *CachedStore) invalidate(ctx context.Context, refs ...model.AccountRef) {
	keys := make([]string, len(refs))
	for i, r := range refs {
		keys[i] = accountKey(r)
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("account cache invalidation failed", "keys", keys, "err", err)
	}
}

func accountKey(ref model.AccountRef) string { return fmt.Sprintf("account:%s:%d", ref.Kind, ref.ID) }
func userRef(id int64) model.AccountRef      { return model.AccountRef{Kind: model.KindUser, ID: id} }
func authRef(id int64) model.AccountRef      { return model.AccountRef{Kind: model.KindAuth, ID: id} }
