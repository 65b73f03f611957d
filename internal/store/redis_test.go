package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/bankroll/settlement-engine/internal/apperr"
	"github.com/bankroll/settlement-engine/internal/model"
)

// unreachableRedis points at a closed port so every cache call fails fast.
func unreachableRedis(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

// liveRedis starts an in-process Redis server.
func liveRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestCachedStore_ReadThroughAndInvalidate(t *testing.T) {
	primary := newLedger(t, map[model.AccountRef]int64{alice: 100})
	mr, rdb := liveRedis(t)
	s := NewCachedStore(primary, rdb, time.Minute)
	ctx := context.Background()

	if got := balance(t, s, alice); got != 100 {
		t.Fatalf("alice = %d, want 100", got)
	}
	if !mr.Exists(accountKey(alice)) {
		t.Fatal("a miss should populate the cache")
	}

	// A hit is served without touching the primary.
	primary.accounts[alice].Balance = 999
	if got := balance(t, s, alice); got != 100 {
		t.Errorf("cached alice = %d, want 100", got)
	}
	primary.accounts[alice].Balance = 100

	if _, err := s.Transfer(ctx, alice.ID, bob.ID, 30, ""); err != nil {
		t.Fatal(err)
	}
	if mr.Exists(accountKey(alice)) {
		t.Error("a write should drop the touched rows")
	}
	if got := balance(t, s, alice); got != 70 {
		t.Errorf("alice after transfer = %d, want 70", got)
	}

	if _, err := s.Deposit(ctx, alice.ID, 5, "tx-1"); err != nil {
		t.Fatal(err)
	}
	if got := balance(t, s, alice); got != 75 {
		t.Errorf("alice after deposit = %d, want 75", got)
	}
}

func TestCachedStore_BankrollIgnoresCache(t *testing.T) {
	primary := newLedger(t, map[model.AccountRef]int64{aliceAuth: 100, model.BankrollRef: 5000})
	mr, rdb := liveRedis(t)
	s := NewCachedStore(primary, rdb, time.Minute)
	ctx := context.Background()

	// A stale row written back after a commit, or left by a failed delete.
	if err := mr.Set(accountKey(model.BankrollRef), `{"ref":{"kind":"bankroll","id":1},"balance":1000000}`); err != nil {
		t.Fatal(err)
	}
	if got, err := s.Bankroll(ctx); err != nil || got != 5000 {
		t.Fatalf("bankroll = %d, %v; want 5000 from the primary", got, err)
	}

	if _, err := s.SettleBet(ctx, model.Bet{ID: "b1", AuthID: aliceAuth.ID, Wager: 10, Profit: 10}); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Bankroll(ctx); got != 4990 {
		t.Errorf("bankroll after paying a win = %d, want 4990", got)
	}
}

func TestCachedStore_FallsThroughWhenCacheIsDown(t *testing.T) {
	primary := newLedger(t, map[model.AccountRef]int64{alice: 100, model.BankrollRef: 5000})
	s := NewCachedStore(primary, unreachableRedis(t), time.Minute)
	ctx := context.Background()

	if got := balance(t, s, alice); got != 100 {
		t.Errorf("alice = %d, want 100", got)
	}
	if got, err := s.Bankroll(ctx); err != nil || got != 5000 {
		t.Errorf("bankroll = %d, %v; want 5000", got, err)
	}

	if _, err := s.Transfer(ctx, alice.ID, bob.ID, 40, ""); err != nil {
		t.Fatalf("writes must not depend on the cache: %v", err)
	}
	if got := balance(t, s, bob); got != 40 {
		t.Errorf("bob = %d, want 40", got)
	}
}

func TestCachedStore_PrimaryErrorsPassThrough(t *testing.T) {
	primary := newLedger(t, nil)
	s := NewCachedStore(primary, unreachableRedis(t), time.Minute)

	_, err := s.GetAccount(context.Background(), model.AccountRef{Kind: model.KindUser, ID: 42})
	expectKind(t, err, apperr.ErrNotFound)

	_, err = s.Transfer(context.Background(), alice.ID, bob.ID, 1, "")
	expectKind(t, err, apperr.ErrInsufficientBalance)
}

func TestAccountKey(t *testing.T) {
	if got := accountKey(aliceAuth); got != "account:auth:100" {
		t.Errorf("accountKey = %q", got)
	}
}
