package persistence

import (
	"context"
	"database/sql"
	"time"

	"FolioLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Publisher delivers one outbox message downstream.
type Publisher interface {
	Publish(ctx context.Context, msg OutboxMessage) error
}

// OutboxWorker drains the outbox in batches and hands each message to a
// Publisher. Delivery is at-least-once: a message is marked published only
// after the publisher acknowledged it, and consumers dedup on the event id.
type OutboxWorker struct {
	writer       *OutboxWriter
	publisher    Publisher
	batchSize    int
	pollInterval time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
	now          func() time.Time
	wake         chan struct{}
}

func NewOutboxWorker(
	db *sql.DB,
	publisher Publisher,
	batchSize int,
	pollInterval time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *OutboxWorker {
	if batchSize <= 0 {
		batchSize = 100
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &OutboxWorker{
		writer:       NewOutboxWriter(db),
		publisher:    publisher,
		batchSize:    batchSize,
		pollInterval: pollInterval,
		metrics:      metrics,
		logger:       logger,
		now:          time.Now,
		wake:         make(chan struct{}, 1),
	}
}

// Wake asks Run to poll now instead of waiting for the next tick. It never
// blocks; wakes that arrive while one is pending are merged.
func (ow *OutboxWorker) Wake() {
	select {
	case ow.wake <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled. A full batch is followed immediately by
// another poll; an empty or failed one waits for the next tick, backing off
// exponentially while the publisher keeps failing.
func (ow *OutboxWorker) Run(ctx context.Context) error {
	backoff := ow.pollInterval
	const maxBackoff = 30 * time.Second

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-ow.wake:
			if backoff > ow.pollInterval {
				continue // publisher is failing; keep the backoff schedule
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		n, err := ow.Drain(ctx)
		switch {
		case err != nil:
			ow.logger.Warn().Err(err).Dur("backoff", backoff).Msg("outbox drain failed")
			timer.Reset(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		case n == ow.batchSize:
			backoff = ow.pollInterval
			timer.Reset(0)
		default:
			backoff = ow.pollInterval
			timer.Reset(ow.pollInterval)
		}
	}
}

// Drain publishes one batch and returns how many messages were published.
// Messages after the first failure stay pending to preserve per-subject order.
func (ow *OutboxWorker) Drain(ctx context.Context) (int, error) {
	start := time.Now()

	msgs, err := ow.writer.FetchPending(ctx, ow.batchSize)
	if err != nil {
		ow.recordFailure("fetch")
		return 0, err
	}
	if ow.metrics != nil {
		ow.metrics.OutboxPending.Set(float64(len(msgs)))
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	published := make([]string, 0, len(msgs))
	var publishErr error
	for _, msg := range msgs {
		if err := ow.publisher.Publish(ctx, msg); err != nil {
			publishErr = err
			ow.recordFailure("publish")
			if markErr := ow.writer.MarkFailed(ctx, msg.EventID, err); markErr != nil {
				ow.logger.Error().Err(markErr).Str("event_id", msg.EventID).Msg("record outbox failure")
			}
			break
		}
		published = append(published, msg.EventID)
	}

	if err := ow.writer.MarkPublished(ctx, published, ow.now()); err != nil {
		ow.recordFailure("ack")
		return 0, err
	}

	if ow.metrics != nil {
		ow.metrics.OutboxPublished.Add(float64(len(published)))
		ow.metrics.OutboxBatchDur.Observe(time.Since(start).Seconds())
	}

	return len(published), publishErr
}

func (ow *OutboxWorker) recordFailure(stage string) {
	if ow.metrics != nil {
		ow.metrics.OutboxFailures.WithLabelValues(stage).Inc()
	}
}
