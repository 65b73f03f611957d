// Package apperr defines the closed error taxonomy of the settlement engine.
//
// Every failure that leaves the core is an *Error carrying one Kind. Callers
// branch with errors.Is against the kind sentinels (ErrInsufficientBalance,
// ErrBankrollTooSmall, ...) or with KindOf. Deadlock and serialization
// failures are retried inside the pool and never surface as their own kind;
// when retries are exhausted they become Infrastructure errors.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error. The set is closed: no other kinds exist.
type Kind uint8

const (
	// Infrastructure is the zero kind: store failures, exhausted retries,
	// anything that is not a typed business outcome.
	Infrastructure Kind = iota
	// Validation is a malformed input shape, rejected before any ledger work.
	Validation
	// InsufficientBalance means a guarded UPDATE affected zero rows.
	InsufficientBalance
	// BankrollTooSmall means the risk sizer refused the bet at every shift.
	BankrollTooSmall
	// PoolCorruption means a connection failed to roll back and was evicted.
	PoolCorruption
	// DuplicateIdempotencyKey means a caller-chosen id was already used.
	DuplicateIdempotencyKey
	// NotFound means a referenced account or record does not exist.
	NotFound
	// Conflict means a conditional state transition lost its race or is not
	// allowed from the current state.
	Conflict
)

var kindNames = [...]string{
	Infrastructure:          "infrastructure",
	Validation:              "validation",
	InsufficientBalance:     "insufficient_balance",
	BankrollTooSmall:        "bankroll_too_small",
	PoolCorruption:          "pool_corruption",
	DuplicateIdempotencyKey: "duplicate_idempotency_key",
	NotFound:                "not_found",
	Conflict:                "conflict",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error is the single error type returned by the core.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "store.transfer"
	Msg  string
	Err  error // underlying cause, if any
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind. This lets the
// bare kind sentinels below match any error of that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// Kind sentinels for errors.Is.
var (
	ErrInfrastructure          = &Error{Kind: Infrastructure}
	ErrValidation              = &Error{Kind: Validation}
	ErrInsufficientBalance     = &Error{Kind: InsufficientBalance}
	ErrBankrollTooSmall        = &Error{Kind: BankrollTooSmall}
	ErrPoolCorruption          = &Error{Kind: PoolCorruption}
	ErrDuplicateIdempotencyKey = &Error{Kind: DuplicateIdempotencyKey}
	ErrNotFound                = &Error{Kind: NotFound}
	ErrConflict                = &Error{Kind: Conflict}
)

// New returns an error of the given kind with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and operation to err. A nil err yields nil. An err
// that is already an *Error keeps its kind; only the operation is added when
// missing.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		if ae.Op == "" {
			cp := *ae
			cp.Op = op
			return &cp
		}
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err. Errors outside the taxonomy are
// Infrastructure.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Infrastructure
}
