// Package outbox delivers committed balance-change notifications.
//
// The ledger writes a notification row in the same transaction as the
// balance change it describes. The Relay polls those rows after commit,
// hands each one to every Publisher and only then marks it delivered.
// Delivery is therefore at-least-once: a crash between publish and mark
// repeats the notification, and consumers must tolerate that.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bankroll/settlement-engine/internal/metrics"
	"github.com/bankroll/settlement-engine/internal/model"
)

// DefaultBatch is how many notifications one relay pass reads at a time.
const DefaultBatch = 100

// Source is the part of the store the relay reads from.
type Source interface {
	PendingNotifications(ctx context.Context, limit int) ([]model.BalanceChange, error)
	MarkNotificationsDelivered(ctx context.Context, seqs []int64) error
}

// Publisher sends one notification somewhere. An error leaves the
// notification pending.
type Publisher interface {
	Publish(ctx context.Context, c model.BalanceChange) error
}

// Relay moves notifications from the outbox to the publishers.
type Relay struct {
	src      Source
	pubs     []Publisher
	interval time.Duration
	batch    int
	kick     chan struct{}
}

// NewRelay returns a relay polling src every interval.
func NewRelay(src Source, interval time.Duration, pubs ...Publisher) *Relay {
	return &Relay{
		src:      src,
		pubs:     pubs,
		interval: interval,
		batch:    DefaultBatch,
		kick:     make(chan struct{}, 1),
	}
}

// Kick wakes the relay without waiting for the next tick. It never blocks.
func (r *Relay) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run flushes on every tick or kick until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.kick:
		}
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("outbox flush failed", "err", err)
		}
	}
}

// Flush delivers everything pending and returns how many notifications were
// marked delivered. It stops at the first notification a publisher rejects,
// marking only what came before it, so commit order is preserved.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	var total int
	for {
		pending, err := r.src.PendingNotifications(ctx, r.batch)
		if err != nil {
			metrics.OutboxFailures.WithLabelValues("read").Inc()
			return total, fmt.Errorf("outbox: read pending: %w", err)
		}
		if len(pending) == 0 {
			return total, nil
		}

		delivered := make([]int64, 0, len(pending))
		var pubErr error
		for _, c := range pending {
			if pubErr = r.publish(ctx, c); pubErr != nil {
				break
			}
			delivered = append(delivered, c.Seq)
		}

		if len(delivered) > 0 {
			if err := r.src.MarkNotificationsDelivered(ctx, delivered); err != nil {
				metrics.OutboxFailures.WithLabelValues("mark").Inc()
				return total, fmt.Errorf("outbox: mark delivered: %w", err)
			}
			total += len(delivered)
			metrics.OutboxDelivered.Add(float64(len(delivered)))
		}
		if pubErr != nil {
			metrics.OutboxFailures.WithLabelValues("publish").Inc()
			return total, pubErr
		}
		if len(pending) < r.batch {
			return total, nil
		}
	}
}

func (r *Relay) publish(ctx context.Context, c model.BalanceChange) error {
	for _, p := range r.pubs {
		if err := p.Publish(ctx, c); err != nil {
			return fmt.Errorf("outbox: publish seq %d: %w", c.Seq, err)
		}
	}
	return nil
}
