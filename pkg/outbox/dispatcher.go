package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"escrowengine/pkg/mq"
)

// Dispatcher drains the outbox and publishes events to the message broker.
// Delivery is best-effort: a broker outage delays notifications but never
// blocks or rolls back the state transition that queued them.
type Dispatcher struct {
	repo       *Repository
	publisher  *mq.Publisher
	logger     *zap.Logger
	maxRetries int
	interval   time.Duration
	batchSize  int
}

func NewDispatcher(
	repo *Repository,
	publisher *mq.Publisher,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		repo:       repo,
		publisher:  publisher,
		logger:     logger,
		maxRetries: 5,
		interval:   1 * time.Second,
		batchSize:  100,
	}
}

func (d *Dispatcher) WithMaxRetries(maxRetries int) *Dispatcher {
	d.maxRetries = maxRetries
	return d
}

func (d *Dispatcher) WithInterval(interval time.Duration) *Dispatcher {
	d.interval = interval
	return d
}

func (d *Dispatcher) WithBatchSize(batchSize int) *Dispatcher {
	d.batchSize = batchSize
	return d
}

// Start runs the dispatch loop until ctx is cancelled. Run in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("Starting outbox dispatcher",
		zap.Int("max_retries", d.maxRetries),
		zap.Duration("interval", d.interval),
		zap.Int("batch_size", d.batchSize),
	)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Outbox dispatcher stopped")
			return
		case <-ticker.C:
			d.processPendingEvents(ctx)
		}
	}
}

func (d *Dispatcher) processPendingEvents(ctx context.Context) {
	events, err := d.repo.GetPendingEvents(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("Failed to fetch pending outbox events", zap.Error(err))
		return
	}

	for _, event := range events {
		if err := d.publisher.Publish(event.RoutingKey, event.Payload); err != nil {
			d.logger.Error("Failed to publish outbox event",
				zap.Int64("event_id", event.ID),
				zap.String("routing_key", event.RoutingKey),
				zap.Error(err),
			)
			if markErr := d.repo.MarkAsFailed(ctx, event.ID, d.maxRetries); markErr != nil {
				d.logger.Error("Failed to mark outbox event as failed",
					zap.Int64("event_id", event.ID),
					zap.Error(markErr),
				)
			}
			continue
		}

		if err := d.repo.MarkAsSent(ctx, event.ID); err != nil {
			d.logger.Error("Failed to mark outbox event as sent",
				zap.Int64("event_id", event.ID),
				zap.Error(err),
			)
		}
	}
}
