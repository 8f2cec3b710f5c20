// Package outbox drains lifecycle events recorded by committed transactions
// and hands them to kafka. A publish failure leaves the row unsent for the
// next tick; the transition it describes is already durable either way.
package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/rideboard/internal/models"
	"github.com/example/rideboard/internal/observability"
	"github.com/example/rideboard/internal/storage"
)

// Sink is where drained events go. Satisfied by events.Producer.
type Sink interface {
	Publish(ctx context.Context, ev models.Event) error
}

type Publisher struct {
	Store    storage.Store
	Sink     Sink
	Logger   *slog.Logger
	Interval time.Duration
	Batch    int
}

// Run drains the outbox every Interval until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := p.PublishPending(ctx); err != nil {
				p.Logger.Warn("outbox drain failed", "published", n, "error", err)
			}
		}
	}
}

// PublishPending drains one batch and reports how many events were sent.
// It stops at the first publish error so ride-level ordering holds: an event
// is only marked sent after the broker accepted it.
func (p *Publisher) PublishPending(ctx context.Context) (int, error) {
	batch := p.Batch
	if batch <= 0 {
		batch = 100
	}
	pending, err := p.Store.UnsentEvents(ctx, batch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, ev := range pending {
		if err := p.Sink.Publish(ctx, ev); err != nil {
			observability.OutboxErrors.Inc()
			return sent, err
		}
		if err := p.Store.MarkEventSent(ctx, ev.ID); err != nil {
			// the event went out but the mark failed; the next tick will
			// resend it and the consumer's dedup absorbs the duplicate
			return sent, err
		}
		observability.OutboxPublished.Inc()
		sent++
	}
	return sent, nil
}
