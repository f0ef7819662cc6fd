package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// EventPublisher is the broker surface the dispatcher needs.
type EventPublisher interface {
	PublishRaw(routingKey string, body []byte) error
}

// Dispatcher polls the outbox and publishes due events until its context is
// cancelled.
type Dispatcher struct {
	repo       *Repository
	publisher  EventPublisher
	interval   time.Duration
	batchSize  int
	maxRetries int
	logger     *zap.Logger
}

func NewDispatcher(repo *Repository, publisher EventPublisher, interval time.Duration, batchSize, maxRetries int, logger *zap.Logger) *Dispatcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Dispatcher{
		repo:       repo,
		publisher:  publisher,
		interval:   interval,
		batchSize:  batchSize,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Run blocks, draining the outbox on every tick.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
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

func (d *Dispatcher) drain(ctx context.Context) {
	events, err := d.repo.PendingEvents(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("outbox poll failed", zap.Error(err))
		return
	}

	for _, event := range events {
		if ctx.Err() != nil {
			return
		}
		if err := d.publisher.PublishRaw(event.RoutingKey, event.Payload); err != nil {
			d.logger.Warn("outbox publish failed",
				zap.Int64("event_id", event.ID),
				zap.String("routing_key", event.RoutingKey),
				zap.Error(err))
			if err := d.repo.MarkAsFailed(ctx, event.ID, d.maxRetries); err != nil {
				d.logger.Error("outbox mark failed", zap.Int64("event_id", event.ID), zap.Error(err))
			}
			continue
		}
		if err := d.repo.MarkAsSent(ctx, event.ID); err != nil {
			d.logger.Error("outbox mark sent failed", zap.Int64("event_id", event.ID), zap.Error(err))
		}
	}
}
