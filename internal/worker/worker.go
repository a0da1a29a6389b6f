package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"order-processing/internal/broker"
	"order-processing/internal/models"
	"order-processing/internal/service"
)

const (
	// processedTTL bounds how long consumed event ids are remembered for
	// duplicate suppression.
	processedTTL = 24 * time.Hour

	// resumeDelay paces restarts of the consume loop after the broker
	// connection drops.
	resumeDelay = time.Second
)

// EventConsumer is the consume contract workers depend on.
type EventConsumer interface {
	ConsumeEvents(ctx context.Context, handler broker.EventHandler) error
}

// IdempotencyStore suppresses duplicate deliveries. Marking returns false
// when the event id was already seen.
type IdempotencyStore interface {
	MarkEventProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
}

// DurableIdempotencyStore is the database-backed record of processed
// events, consulted when the cache is unavailable.
type DurableIdempotencyStore interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// idempotencyGate checks the cache first and falls back to the durable
// store when the cache errors.
type idempotencyGate struct {
	cache   IdempotencyStore
	durable DurableIdempotencyStore
	logger  *zap.Logger
}

func (g *idempotencyGate) alreadyProcessed(ctx context.Context, event *models.Event) bool {
	first, err := g.cache.MarkEventProcessed(ctx, event.ID, processedTTL)
	if err == nil {
		if !first {
			g.logger.Info("Duplicate event skipped", zap.String("event_id", event.ID))
		}
		return !first
	}

	g.logger.Warn("Idempotency cache unavailable, falling back to database",
		zap.String("event_id", event.ID),
		zap.Error(err))

	if g.durable == nil {
		// At-least-once delivery: when in doubt, process.
		return false
	}

	seen, err := g.durable.IsEventProcessed(ctx, event.ID)
	if err != nil {
		g.logger.Warn("Durable idempotency check failed, processing anyway",
			zap.String("event_id", event.ID),
			zap.Error(err))
		return false
	}
	if seen {
		g.logger.Info("Duplicate event skipped", zap.String("event_id", event.ID))
		return true
	}

	if err := g.durable.MarkEventProcessed(ctx, event.ID, event.Type); err != nil {
		g.logger.Warn("Failed to record processed event",
			zap.String("event_id", event.ID),
			zap.Error(err))
	}
	return false
}

// runConsumer keeps consumption alive for the life of the process. When
// the broker drops, the manager re-establishes connection and topology
// and the consume call is reissued on the new channel; without the
// restart, a single reconnect would end consumption for good.
func runConsumer(ctx context.Context, consumer EventConsumer, handler broker.EventHandler, delay time.Duration, logger *zap.Logger) error {
	for {
		err := consumer.ConsumeEvents(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		logger.Warn("Consume loop ended, restarting", zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// InventoryWorker consumes order events and drives the inventory state
// machine.
type InventoryWorker struct {
	consumer  EventConsumer
	gate      idempotencyGate
	inventory *service.InventoryService
	logger    *zap.Logger

	resumeDelay time.Duration
}

// NewInventoryWorker creates a new inventory worker
func NewInventoryWorker(consumer EventConsumer, cache IdempotencyStore, durable DurableIdempotencyStore, inventory *service.InventoryService, logger *zap.Logger) *InventoryWorker {
	return &InventoryWorker{
		consumer:    consumer,
		gate:        idempotencyGate{cache: cache, durable: durable, logger: logger},
		inventory:   inventory,
		logger:      logger,
		resumeDelay: resumeDelay,
	}
}

// Start consumes until the context is cancelled, restarting the consume
// loop after broker reconnects.
func (w *InventoryWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting inventory worker")
	return runConsumer(ctx, w.consumer, w.handle, w.resumeDelay, w.logger)
}

func (w *InventoryWorker) handle(ctx context.Context, event *models.Event) error {
	if w.gate.alreadyProcessed(ctx, event) {
		return nil
	}

	switch event.Type {
	case models.EventTypeOrderCreated:
		return w.inventory.ProcessOrderCreated(ctx, event)
	case models.EventTypeOrderCancelled:
		return w.inventory.ProcessOrderCancelled(ctx, event)
	}
	return nil
}

// NotificationWorker consumes order events and sends the corresponding
// customer notifications.
type NotificationWorker struct {
	consumer      EventConsumer
	gate          idempotencyGate
	notifications *service.NotificationService
	logger        *zap.Logger

	resumeDelay time.Duration
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer EventConsumer, cache IdempotencyStore, durable DurableIdempotencyStore, notifications *service.NotificationService, logger *zap.Logger) *NotificationWorker {
	return &NotificationWorker{
		consumer:      consumer,
		gate:          idempotencyGate{cache: cache, durable: durable, logger: logger},
		notifications: notifications,
		logger:        logger,
		resumeDelay:   resumeDelay,
	}
}

// Start consumes until the context is cancelled, restarting the consume
// loop after broker reconnects.
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	return runConsumer(ctx, w.consumer, w.handle, w.resumeDelay, w.logger)
}

func (w *NotificationWorker) handle(ctx context.Context, event *models.Event) error {
	if w.gate.alreadyProcessed(ctx, event) {
		return nil
	}
	return w.notifications.ProcessOrderEvent(ctx, event)
}
