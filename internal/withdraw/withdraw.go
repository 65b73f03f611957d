// Package withdraw drives queued withdrawals out to the external payment
// network.
//
// A withdrawal is processed in two short transactions with the network call
// between them, so no database transaction is held open while money moves:
//
//	dequeue (queued|failed → in_progress)
//	Sender.Send
//	success → success(reference)
//	ErrRetryable → failed
//	anything else → unknown_error
package withdraw

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bankroll/settlement-engine/internal/metrics"
	"github.com/bankroll/settlement-engine/internal/model"
)

// ErrRetryable marks a send failure that is known to have moved no funds.
// Senders wrap it; any other error leaves the outcome unknown.
var ErrRetryable = errors.New("withdraw: retryable send failure")

// Sender pays a withdrawal out and returns the network reference.
type Sender interface {
	Send(ctx context.Context, w model.Withdrawal) (reference string, err error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, w model.Withdrawal) (string, error)

func (f SenderFunc) Send(ctx context.Context, w model.Withdrawal) (string, error) {
	return f(ctx, w)
}

// Ledger is the slice of the store the processor needs.
type Ledger interface {
	DequeueWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error)
	SucceedWithdrawal(ctx context.Context, id, reference string) error
	FailWithdrawal(ctx context.Context, id string) error
	MarkWithdrawalUnknown(ctx context.Context, id string) error
	ListUnsuccessfulWithdrawals(ctx context.Context, olderThan time.Duration) ([]model.Withdrawal, error)
}

// Processor runs single withdrawals through the state machine.
type Processor struct {
	ledger Ledger
	sender Sender
}

func NewProcessor(ledger Ledger, sender Sender) *Processor {
	return &Processor{ledger: ledger, sender: sender}
}

// Process sends withdrawal id and records the outcome. The returned
// withdrawal carries the status it was left in. A Conflict error means the
// withdrawal was not in a dequeueable state (another worker owns it, or it
// is finished or parked).
func (p *Processor) Process(ctx context.Context, id string) (*model.Withdrawal, error) {
	w, err := p.ledger.DequeueWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	metrics.Withdrawals.WithLabelValues(string(model.WithdrawalInProgress)).Inc()

	ref, sendErr := p.sender.Send(ctx, *w)

	// The send already happened; recording it must not be lost to the
	// caller's cancellation.
	rctx := context.WithoutCancel(ctx)
	switch {
	case sendErr == nil && ref != "":
		err = p.ledger.SucceedWithdrawal(rctx, id, ref)
		w.Status, w.Reference = model.WithdrawalSuccess, ref
	case errors.Is(sendErr, ErrRetryable):
		err = p.ledger.FailWithdrawal(rctx, id)
		w.Status = model.WithdrawalFailed
	default:
		if sendErr == nil {
			sendErr = errors.New("sender returned no reference")
		}
		err = p.ledger.MarkWithdrawalUnknown(rctx, id)
		w.Status = model.WithdrawalUnknownError
	}
	if err != nil {
		// The withdrawal stays in_progress and shows up as stale in the
		// unsuccessful listing.
		slog.Error("withdrawal outcome not recorded",
			"id", id, "status", w.Status, "reference", ref, "send_err", sendErr, "err", err)
		return nil, err
	}

	metrics.Withdrawals.WithLabelValues(string(w.Status)).Inc()
	if sendErr != nil {
		slog.Warn("withdrawal send failed", "id", id, "status", w.Status, "err", sendErr)
	} else {
		slog.Info("withdrawal sent", "id", id, "reference", ref)
	}
	return w, nil
}
