package worker

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/shoplite/fulfillment/common/messaging"
	"github.com/shoplite/fulfillment/internal/repository"
)

// OutboxWorker drains the audit outbox to Kafka. Events are staged inside
// each transition's transaction and published here, so the trail never
// claims a transition that did not commit.
type OutboxWorker struct {
	outbox    repository.OutboxRepository
	publisher messaging.Publisher
	logger    *zap.Logger
	interval  time.Duration
	batchSize int
}

// NewOutboxWorker creates the worker.
func NewOutboxWorker(
	outbox repository.OutboxRepository,
	publisher messaging.Publisher,
	logger *zap.Logger,
	interval time.Duration,
) *OutboxWorker {
	return &OutboxWorker{
		outbox:    outbox,
		publisher: publisher,
		logger:    logger,
		interval:  interval,
		batchSize: 100,
	}
}

// Start runs the drain loop until ctx is cancelled.
func (w *OutboxWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("outbox worker started", zap.Duration("interval", w.interval))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("outbox worker stopped")
			return
		case <-ticker.C:
			if err := w.process(ctx); err != nil {
				w.logger.Error("failed to process outbox events", zap.Error(err))
			}
		}
	}
}

func (w *OutboxWorker) process(ctx context.Context) error {
	events, err := w.outbox.FindPending(ctx, w.batchSize)
	if err != nil {
		return err
	}

	if len(events) == 0 {
		return nil
	}

	w.logger.Debug("processing outbox events", zap.Int("count", len(events)))

	for _, event := range events {
		// The aggregate id keys the message so one order's trail stays on
		// one partition, in order.
		key := strconv.FormatInt(event.AggregateID, 10)
		if err := w.publisher.Publish(ctx, event.EventType, key, event.Payload); err != nil {
			w.logger.Error("failed to publish event",
				zap.Int64("eventId", event.ID),
				zap.String("eventType", event.EventType),
				zap.Error(err))
			continue
		}

		if err := w.outbox.MarkSent(ctx, event.ID); err != nil {
			w.logger.Error("failed to mark event as sent",
				zap.Int64("eventId", event.ID),
				zap.Error(err))
		}
	}

	return nil
}
