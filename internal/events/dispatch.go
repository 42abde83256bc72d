package events

import (
	"context"
	"log"
	"time"
)

const (
	dispatchInterval = 2 * time.Second
	dispatchBatch    = 100
	maxRetryBackoff  = 5 * time.Minute
)

// Dispatcher drains the outbox into NATS. It runs until the context is
// cancelled; failed publishes stay in the outbox with an increasing
// retry backoff.
type Dispatcher struct {
	store     *Store
	publisher *Publisher
}

func NewDispatcher(store *Store, publisher *Publisher) *Dispatcher {
	return &Dispatcher{store: store, publisher: publisher}
}

// Run loops until ctx is done, publishing due outbox entries.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drain(ctx)
		}
	}
}

// Drain publishes everything currently due. Exposed for one-shot runs
// that want to flush events before exiting.
func (d *Dispatcher) Drain(ctx context.Context) {
	d.drain(ctx)
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		messages, err := d.store.Dequeue(ctx, dispatchBatch)
		if err != nil {
			log.Printf("events: dequeue: %v", err)
			return
		}
		if len(messages) == 0 {
			return
		}

		for _, msg := range messages {
			if err := d.publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				log.Printf("events: publish %s (id %d): %v", msg.Subject, msg.ID, err)
				if rerr := d.store.MarkRetry(ctx, msg.ID, retryBackoff(msg.Retries)); rerr != nil {
					log.Printf("events: mark retry %d: %v", msg.ID, rerr)
				}
				continue
			}
			if err := d.store.MarkPublished(ctx, msg.ID); err != nil {
				log.Printf("events: mark published %d: %v", msg.ID, err)
			}
		}
		if len(messages) < dispatchBatch {
			return
		}
	}
}

func retryBackoff(retries int) time.Duration {
	if retries > 8 {
		return maxRetryBackoff
	}
	backoff := time.Duration(1<<uint(retries)) * time.Second
	if backoff > maxRetryBackoff {
		return maxRetryBackoff
	}
	return backoff
}
