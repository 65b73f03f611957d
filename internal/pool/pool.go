// Package pool owns the database connection pool used by the ledger.
//
// A Pool is an explicit handle: it is opened with an injectable Opener and
// closed by its owner. Every money-touching operation leases exactly one
// connection through WithConn or WithTx and hands it back before returning.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bankroll/settlement-engine/internal/apperr"
	"github.com/bankroll/settlement-engine/internal/metrics"
)

const op = "pool"

// SQLSTATE codes the pool treats as transient.
const (
	CodeDeadlock      = "40P01"
	CodeSerialization = "40001"
)

// Defaults for the retry loop.
const (
	DefaultMaxRetries = 8
	DefaultBaseDelay  = 75 * time.Millisecond
	DefaultMaxDelay   = 1200 * time.Millisecond
)

// ErrClosed is returned by Pool methods after Close.
var ErrClosed = errors.New("pool: closed")

// Lease is one connection checked out of a Source. Exactly one of Release or
// Destroy must be called when the caller is done with it.
type Lease interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row

	// Release returns the connection to the pool.
	Release()
	// Destroy closes the connection so it is never handed out again.
	Destroy(ctx context.Context) error
}

// Source hands out leases.
type Source interface {
	Acquire(ctx context.Context) (Lease, error)
	Close()
}

// Opener creates a Source. It runs once, inside Open.
type Opener func(ctx context.Context) (Source, error)

// Pool wraps a Source with the retry and transaction discipline the ledger
// relies on.
type Pool struct {
	src        Source
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	log        *slog.Logger
	closed     atomic.Bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithMaxRetries bounds the number of attempts WithConn makes. Values below
// one are treated as one.
func WithMaxRetries(n int) Option {
	return func(p *Pool) {
		if n < 1 {
			n = 1
		}
		p.maxRetries = n
	}
}

// WithBackoff sets the first retry delay and the cap it doubles up to.
func WithBackoff(base, ceiling time.Duration) Option {
	return func(p *Pool) {
		p.baseDelay = base
		p.maxDelay = ceiling
	}
}

// WithLogger replaces the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// Open runs opener and returns a ready Pool.
func Open(ctx context.Context, opener Opener, opts ...Option) (*Pool, error) {
	src, err := opener(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.Infrastructure, op+".open", err)
	}
	p := &Pool{
		src:        src,
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultBaseDelay,
		maxDelay:   DefaultMaxDelay,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close closes the underlying Source. It is safe to call more than once.
func (p *Pool) Close() {
	if p.closed.CompareAndSwap(false, true) {
		p.src.Close()
	}
}

// WithConn leases a connection, runs fn with it and releases it. If fn fails
// with a deadlock or serialization error the lease is released and fn runs
// again on a fresh lease, up to the configured number of attempts. fn must
// therefore be safe to repeat from the start.
func (p *Pool) WithConn(ctx context.Context, fn func(Lease) error) error {
	delay := p.baseDelay
	for attempt := 1; ; attempt++ {
		err := p.once(ctx, fn)
		code, retry := transientCode(err)
		if !retry {
			return err
		}
		metrics.TxRetries.WithLabelValues(code).Inc()
		if attempt >= p.maxRetries {
			return &apperr.Error{
				Kind: apperr.Infrastructure,
				Op:   op,
				Msg:  fmt.Sprintf("gave up after %d attempts", attempt),
				Err:  err,
			}
		}
		p.log.Warn("retrying transaction", "sqlstate", code, "attempt", attempt, "delay", delay)
		if err := sleepWithContext(ctx, delay); err != nil {
			return apperr.Wrap(apperr.Infrastructure, op, err)
		}
		if delay < p.maxDelay {
			delay = min(delay*2, p.maxDelay)
		}
	}
}

func (p *Pool) once(ctx context.Context, fn func(Lease) error) error {
	if p.closed.Load() {
		return apperr.Wrap(apperr.Infrastructure, op, ErrClosed)
	}
	l, err := p.src.Acquire(ctx)
	if err != nil {
		return apperr.Wrap(apperr.Infrastructure, op+".acquire", err)
	}
	h := &handle{Lease: l}
	defer h.Release()
	return fn(h)
}

// WithTx runs fn inside BEGIN/COMMIT on a leased connection, retrying the
// whole transaction on deadlock. Any error from fn rolls back. If the rollback
// itself fails the connection is in an unknown state: it is destroyed instead
// of being returned and the caller gets a PoolCorruption error.
func (p *Pool) WithTx(ctx context.Context, fn func(Lease) error) error {
	return p.WithConn(ctx, func(l Lease) error {
		start := time.Now()
		defer func() { metrics.TxLatency.Observe(time.Since(start).Seconds()) }()

		if _, err := l.Exec(ctx, "BEGIN"); err != nil {
			return apperr.Wrap(apperr.Infrastructure, op+".begin", err)
		}
		if err := fn(l); err != nil {
			return p.rollback(ctx, l, err)
		}
		if _, err := l.Exec(ctx, "COMMIT"); err != nil {
			// A failed COMMIT leaves the transaction aborted; clear it.
			return p.rollback(ctx, l, err)
		}
		return nil
	})
}

func (p *Pool) rollback(ctx context.Context, l Lease, cause error) error {
	// The caller's context may already be done; the rollback still has to run.
	rctx := context.WithoutCancel(ctx)
	if _, err := l.Exec(rctx, "ROLLBACK"); err != nil {
		evict(rctx, l)
		metrics.PoolEvictions.Inc()
		p.log.Error("rollback failed, connection evicted", "err", err, "cause", cause)
		return &apperr.Error{
			Kind: apperr.PoolCorruption,
			Op:   op + ".rollback",
			Msg:  "connection evicted after failed rollback",
			Err:  errors.Join(err, cause),
		}
	}
	return cause
}

// handle guarantees a lease is given back exactly once, either released or
// destroyed.
type handle struct {
	Lease
	done bool
}

func (h *handle) Release() {
	if !h.done {
		h.done = true
		h.Lease.Release()
	}
}

func (h *handle) Destroy(ctx context.Context) error {
	if h.done {
		return nil
	}
	h.done = true
	return h.Lease.Destroy(ctx)
}

func evict(ctx context.Context, l Lease) {
	if err := l.Destroy(ctx); err != nil {
		slog.Error("destroy evicted connection", "err", err)
	}
}

// transientCode reports whether err is a deadlock or serialization failure.
// A PoolCorruption error is never retried even if it wraps one.
func transientCode(err error) (string, bool) {
	if err == nil || apperr.KindOf(err) == apperr.PoolCorruption {
		return "", false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == CodeDeadlock || pgErr.Code == CodeSerialization) {
		return pgErr.Code, true
	}
	return "", false
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
