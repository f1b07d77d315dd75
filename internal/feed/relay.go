// Package feed re-delivers outbox events to the realtime hub. Transitions
// write their event row inside the same transaction as the state change;
// the relay polls that table and republishes everything past its offset.
// Combined with the dispatcher's direct post-commit publish this gives
// at-least-once delivery (observers must tolerate duplicates) and
// per-token causal order, since rows are relayed in created_at order.
package feed

import (
	"context"
	"log"
	"time"

	"github.com/Ali5Raza/queue-management-system/internal/store"
)

type Publisher interface {
	Publish(event string, payload any)
}

type Source interface {
	ListOutboxEvents(ctx context.Context, after store.OutboxOffset, limit int) ([]store.OutboxEvent, error)
}

type Relay struct {
	source    Source
	publisher Publisher
	interval  time.Duration
	batchSize int
	offset    store.OutboxOffset
}

type Config struct {
	Interval  time.Duration
	BatchSize int
	// Start is the initial offset; events created before it are skipped.
	Start time.Time
}

func New(source Source, publisher Publisher, cfg Config) *Relay {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	return &Relay{
		source:    source,
		publisher: publisher,
		interval:  interval,
		batchSize: batch,
		offset:    store.OutboxOffset{LastEventTime: cfg.Start},
	}
}

func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				log.Printf("feed relay error: %v", err)
			}
		}
	}
}

// Sweep publishes one batch past the offset and advances it.
func (r *Relay) Sweep(ctx context.Context) (int, error) {
	events, err := r.source.ListOutboxEvents(ctx, r.offset, r.batchSize)
	if err != nil {
		return 0, err
	}
	for _, event := range events {
		r.publisher.Publish(event.Type, event.Payload)
		r.offset = store.OutboxOffset{LastEventTime: event.CreatedAt, LastEventID: event.EventID}
	}
	return len(events), nil
}
