package withdraw

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bankroll/settlement-engine/internal/apperr"
	"github.com/bankroll/settlement-engine/internal/model"
)

// Poller periodically re-drives withdrawals that are queued for longer than
// the stale threshold or sitting in failed. Withdrawals in unknown_error
// are never touched; an operator resolves those.
type Poller struct {
	proc     *Processor
	ledger   Ledger
	interval time.Duration
	stale    time.Duration

	mu          sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	running     bool
	nextAttempt map[string]time.Time
}

// NewPoller ticks every interval. Queued withdrawals younger than stale are
// left to whoever queued them.
func NewPoller(proc *Processor, ledger Ledger, interval, stale time.Duration) *Poller {
	return &Poller{
		proc:        proc,
		ledger:      ledger,
		interval:    interval,
		stale:       stale,
		nextAttempt: make(map[string]time.Time),
	}
}

func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.Tick(runCtx)
			}
		}
	}()

	slog.Info("withdrawal poller started", "interval", p.interval)
	return nil
}

// Stop cancels the loop and waits for the in-flight tick, or for ctx.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick runs one pass and reports how many withdrawals it processed.
func (p *Poller) Tick(ctx context.Context) int {
	ws, err := p.ledger.ListUnsuccessfulWithdrawals(ctx, p.stale)
	if err != nil {
		slog.Warn("list unsuccessful withdrawals failed", "err", err)
		return 0
	}
	p.forgetMissing(ws)

	now := time.Now()
	var n int
	for _, w := range ws {
		if !retryable(w) || !p.shouldAttempt(w.ID, now) {
			continue
		}
		if ctx.Err() != nil {
			return n
		}
		res, err := p.proc.Process(ctx, w.ID)
		switch {
		case errors.Is(err, apperr.ErrConflict):
			// Someone else dequeued it first.
			continue
		case err != nil:
			slog.Warn("re-drive withdrawal failed", "id", w.ID, "err", err)
			p.scheduleNext(w.ID)
			continue
		}
		n++
		if res.Status == model.WithdrawalFailed {
			p.scheduleNext(w.ID)
		} else {
			p.clearSchedule(w.ID)
		}
	}
	return n
}

// retryable is true for rows the listing returns that the poller may pick
// up. in_progress rows belong to a live worker or to a crash an operator
// must look at.
func retryable(w model.Withdrawal) bool {
	return w.Status == model.WithdrawalQueued || w.Status == model.WithdrawalFailed
}

func (p *Poller) shouldAttempt(id string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	next, ok := p.nextAttempt[id]
	return !ok || now.After(next)
}

func (p *Poller) scheduleNext(id string) {
	p.mu.Lock()
	p.nextAttempt[id] = time.Now().Add(p.interval)
	p.mu.Unlock()
}

func (p *Poller) clearSchedule(id string) {
	p.mu.Lock()
	delete(p.nextAttempt, id)
	p.mu.Unlock()
}

// forgetMissing drops backoff entries for withdrawals the listing no longer
// returns: finished, or moved on by another worker.
func (p *Poller) forgetMissing(ws []model.Withdrawal) {
	listed := make(map[string]struct{}, len(ws))
	for _, w := range ws {
		listed[w.ID] = struct{}{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.nextAttempt {
		if _, ok := listed[id]; !ok {
			delete(p.nextAttempt, id)
		}
	}
}
