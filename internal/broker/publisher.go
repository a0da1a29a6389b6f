package broker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"order-processing/internal/models"
	"order-processing/internal/resilience"
)

// EventSink is the publish contract services depend on.
type EventSink interface {
	PublishEvent(ctx context.Context, event *models.Event, routingKey string) (bool, error)
}

// Publisher builds domain events and publishes them through the manager,
// retrying transient failures with exponential backoff. Exhausted retries
// are logged, never surfaced: business writes already committed by the
// time a publish runs, so delivery stays best-effort.
type Publisher struct {
	sink    EventSink
	source  string
	retrier *resilience.RetryHandler
	logger  *zap.Logger
}

// NewPublisher creates a publisher for the given emitting service.
func NewPublisher(sink EventSink, source string, logger *zap.Logger) *Publisher {
	retrier := resilience.NewRetryHandler(resilience.RetryConfig{
		MaxAttempts: 3,
		Backoff:     time.Second,
		MaxBackoff:  10 * time.Second,
		Jitter:      true,
	}, logger)

	return &Publisher{
		sink:    sink,
		source:  source,
		retrier: retrier,
		logger:  logger,
	}
}

// Publish wraps the payload in an envelope and publishes it under the
// event type as routing key.
func (p *Publisher) Publish(ctx context.Context, eventType string, payload interface{}) {
	event, err := models.NewEvent(eventType, p.source, payload)
	if err != nil {
		p.logger.Error("Failed to build event",
			zap.String("type", eventType),
			zap.Error(err))
		return
	}

	err = p.retrier.Execute(ctx, "publish "+eventType, func(ctx context.Context) error {
		_, publishErr := p.sink.PublishEvent(ctx, event, "")
		return publishErr
	})
	if err != nil {
		p.logger.Error("Event publish failed after retries",
			zap.String("event_id", event.ID),
			zap.String("type", eventType),
			zap.Error(err))
	}
}
