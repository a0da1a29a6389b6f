package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"order-processing/config"
	"order-processing/internal/domainerr"
	"order-processing/internal/models"
	"order-processing/internal/resilience"
	"order-processing/internal/util"
)

// Manager owns one AMQP connection and channel. It declares the topic
// exchange, the service queue with its dead-letter pair, publishes events
// behind a circuit breaker, and reconnects with exponential backoff when
// the connection drops.
type Manager struct {
	config  config.BrokerConfig
	logger  *zap.Logger
	breaker *resilience.CircuitBreaker

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool

	reconnectAttempts int

	dial func(url string) (*amqp.Connection, error) // test seam
}

// EventHandler processes one consumed event. A returned error nacks the
// delivery; validation errors are dead-lettered instead of requeued.
type EventHandler func(ctx context.Context, event *models.Event) error

// NewManager creates a manager for the given topology. The publish path is
// guarded by a dedicated circuit breaker (threshold 3, timeout 30s).
func NewManager(cfg config.BrokerConfig, logger *zap.Logger) *Manager {
	breaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{
		Name:      "broker-publish",
		Threshold: 3,
		Timeout:   30 * time.Second,
	}, logger)

	return &Manager{
		config:  cfg,
		logger:  logger,
		breaker: breaker,
		dial:    amqp.Dial,
	}
}

// Connect dials the broker and declares the exchange, queue, bindings and
// dead-letter topology. Connection failures are returned to the caller.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectLocked(ctx)
}

func (m *Manager) connectLocked(ctx context.Context) error {
	conn, err := m.dial(m.config.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to broker at %s: %w", m.config.URL, err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if m.config.Prefetch > 0 {
		if err := channel.Qos(m.config.Prefetch, 0, false); err != nil {
			_ = conn.Close()
			return fmt.Errorf("failed to set prefetch: %w", err)
		}
	}

	if err := m.declareTopology(channel); err != nil {
		_ = conn.Close()
		return err
	}

	m.conn = conn
	m.channel = channel
	m.reconnectAttempts = 0

	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	go m.watchConnection(closeCh)

	m.logger.Info("Broker connected",
		zap.String("exchange", m.config.Exchange),
		zap.String("queue", m.config.Queue),
		zap.String("binding_key", m.config.BindingKey))

	return nil
}

func (m *Manager) declareTopology(channel *amqp.Channel) error {
	if err := channel.ExchangeDeclare(
		m.config.Exchange, "topic", m.config.Durable, false, false, false, nil,
	); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", m.config.Exchange, err)
	}

	queueArgs := amqp.Table{}
	if m.config.DeadLetterExchange != "" {
		queueArgs["x-dead-letter-exchange"] = m.config.DeadLetterExchange
		queueArgs["x-dead-letter-routing-key"] = m.config.DeadLetterRoutingKey
	}
	if m.config.MessageTTL > 0 {
		queueArgs["x-message-ttl"] = int64(m.config.MessageTTL / time.Millisecond)
	}

	if _, err := channel.QueueDeclare(
		m.config.Queue, m.config.Durable, false, false, false, queueArgs,
	); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", m.config.Queue, err)
	}

	if err := channel.QueueBind(
		m.config.Queue, m.config.BindingKey, m.config.Exchange, false, nil,
	); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", m.config.Queue, err)
	}

	if m.config.DeadLetterExchange != "" {
		if err := channel.ExchangeDeclare(
			m.config.DeadLetterExchange, "topic", m.config.Durable, false, false, false, nil,
		); err != nil {
			return fmt.Errorf("failed to declare dead-letter exchange: %w", err)
		}

		dlqName := m.config.Queue + ".dlq"
		if _, err := channel.QueueDeclare(dlqName, m.config.Durable, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare dead-letter queue: %w", err)
		}

		if err := channel.QueueBind(
			dlqName, m.config.DeadLetterRoutingKey, m.config.DeadLetterExchange, false, nil,
		); err != nil {
			return fmt.Errorf("failed to bind dead-letter queue: %w", err)
		}
	}

	return nil
}

// watchConnection schedules a reconnect when the connection drops.
func (m *Manager) watchConnection(closeCh chan *amqp.Error) {
	err, ok := <-closeCh
	if !ok || err == nil {
		// Clean shutdown via Close.
		return
	}

	m.logger.Warn("Broker connection lost", zap.Error(err))
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.reconnectAttempts++
	attempts := m.reconnectAttempts
	m.mu.Unlock()

	if attempts > m.config.MaxReconnectAttempts {
		m.logger.Error("Broker reconnection attempts exhausted, giving up",
			zap.Int("attempts", attempts-1))
		return
	}

	delay := ReconnectDelay(m.config.ReconnectDelay, attempts)
	m.logger.Info("Scheduling broker reconnect",
		zap.Int("attempt", attempts),
		zap.Duration("delay", delay))
	util.BrokerReconnectsTotal.Inc()

	time.Sleep(delay)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	err := m.connectLocked(context.Background())
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("Broker reconnect failed", zap.Error(err))
		m.scheduleReconnect()
	}
}

// ReconnectDelay computes the backoff before the given reconnect attempt:
// base * 2^(attempt-1).
func ReconnectDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// PublishEvent serializes the envelope and publishes it under the given
// routing key, defaulting to the event type. The publish runs inside the
// manager's circuit breaker. The returned bool reports whether the broker
// accepted the message; false with an error means backpressure or failure,
// not guaranteed loss.
func (m *Manager) PublishEvent(ctx context.Context, event *models.Event, routingKey string) (bool, error) {
	m.mu.Lock()
	channel := m.channel
	m.mu.Unlock()

	if channel == nil {
		return false, domainerr.ErrChannelNotReady
	}

	if routingKey == "" {
		routingKey = event.Type
	}

	body, err := json.Marshal(event)
	if err != nil {
		return false, fmt.Errorf("failed to serialize event %s: %w", event.ID, err)
	}

	deliveryMode := amqp.Transient
	if m.config.Persistent {
		deliveryMode = amqp.Persistent
	}

	publishErr := m.breaker.Execute(ctx, func(ctx context.Context) error {
		return channel.PublishWithContext(ctx, m.config.Exchange, routingKey, false, false, amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  deliveryMode,
			MessageId:     event.ID,
			CorrelationId: event.CorrelationID,
			Timestamp:     event.Timestamp,
			Headers: amqp.Table{
				"x-event-version": event.Version,
				"x-event-source":  event.Source,
			},
			Body: body,
		})
	})

	if publishErr != nil {
		util.EventsPublishFailedTotal.WithLabelValues(event.Type).Inc()
		return false, fmt.Errorf("failed to publish event %s: %w", event.ID, publishErr)
	}

	util.EventsPublishedTotal.WithLabelValues(event.Type).Inc()
	m.logger.Debug("Event published",
		zap.String("event_id", event.ID),
		zap.String("type", event.Type),
		zap.String("routing_key", routingKey))

	return true, nil
}

// ConsumeEvents starts the at-least-once consume loop with manual
// acknowledgment. Handler failures nack with requeue, except validation
// failures, which are dead-lettered and dropped to avoid poison loops.
// The loop drains in-flight deliveries before returning on cancellation.
func (m *Manager) ConsumeEvents(ctx context.Context, handler EventHandler) error {
	m.mu.Lock()
	channel := m.channel
	m.mu.Unlock()

	if channel == nil {
		return domainerr.ErrChannelNotReady
	}

	deliveries, err := channel.Consume(m.config.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming from %s: %w", m.config.Queue, err)
	}

	m.logger.Info("Consuming events", zap.String("queue", m.config.Queue))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				// Channel closed, reconnect logic will re-establish; the
				// caller decides whether to restart consumption.
				return fmt.Errorf("delivery channel closed for queue %s", m.config.Queue)
			}
			m.handleDelivery(ctx, delivery, handler)
		}
	}
}

func (m *Manager) handleDelivery(ctx context.Context, delivery amqp.Delivery, handler EventHandler) {
	var event models.Event
	if err := json.Unmarshal(delivery.Body, &event); err != nil {
		m.logger.Error("Failed to parse event envelope, dead-lettering",
			zap.String("message_id", delivery.MessageId),
			zap.Error(err))
		util.EventsConsumedTotal.WithLabelValues("unknown", "parse_error").Inc()
		m.deadLetterRaw(ctx, delivery, "unparseable envelope")
		_ = delivery.Ack(false)
		return
	}

	if err := handler(ctx, &event); err != nil {
		if domainerr.IsValidation(err) {
			m.logger.Warn("Validation failure, dropping message",
				zap.String("event_id", event.ID),
				zap.String("type", event.Type),
				zap.Error(err))
			util.EventsConsumedTotal.WithLabelValues(event.Type, "rejected").Inc()
			m.deadLetterAndAck(ctx, delivery, &event, err.Error())
			return
		}

		retries := deliveryRetries(delivery)
		if m.config.MaxRetries > 0 && retries >= m.config.MaxRetries {
			m.logger.Error("Retry limit exceeded, dead-lettering",
				zap.String("event_id", event.ID),
				zap.String("type", event.Type),
				zap.Int("retries", retries),
				zap.Error(err))
			util.EventsConsumedTotal.WithLabelValues(event.Type, "exhausted").Inc()
			m.deadLetterAndAck(ctx, delivery, &event, fmt.Sprintf("retry limit exceeded: %v", err))
			return
		}

		m.logger.Error("Handler failed, requeueing",
			zap.String("event_id", event.ID),
			zap.String("type", event.Type),
			zap.Int("retries", retries),
			zap.Error(err))
		util.EventsConsumedTotal.WithLabelValues(event.Type, "requeued").Inc()
		if rqErr := m.republish(ctx, delivery, retries+1); rqErr != nil {
			// Broker-side requeue keeps the message but cannot count the
			// attempt.
			_ = delivery.Nack(false, true)
			return
		}
		_ = delivery.Ack(false)
		return
	}

	util.EventsConsumedTotal.WithLabelValues(event.Type, "acked").Inc()
	_ = delivery.Ack(false)
}

// deadLetterAndAck removes a delivery from its queue after the enriched
// copy reaches the dead-letter exchange. When the explicit publish fails,
// the nack lets the queue's x-dead-letter-exchange args route the original
// instead, so exactly one copy survives either way.
func (m *Manager) deadLetterAndAck(ctx context.Context, delivery amqp.Delivery, event *models.Event, reason string) {
	if err := m.PublishToDeadLetter(ctx, event, reason); err != nil {
		m.logger.Error("Dead-letter publish failed, rejecting to queue DLX",
			zap.String("event_id", event.ID),
			zap.Error(err))
		_ = delivery.Nack(false, false)
		return
	}
	_ = delivery.Ack(false)
}

// retryCountHeader carries the consume attempt count across redeliveries.
// Nack-requeue preserves headers as-is, so capping retries requires
// republishing with the incremented count and acking the original.
const retryCountHeader = "x-retry-count"

func deliveryRetries(delivery amqp.Delivery) int {
	switch v := delivery.Headers[retryCountHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// republish returns a delivery to its exchange under the original routing
// key with the attempt count bumped.
func (m *Manager) republish(ctx context.Context, delivery amqp.Delivery, retries int) error {
	m.mu.Lock()
	channel := m.channel
	m.mu.Unlock()

	if channel == nil {
		return domainerr.ErrChannelNotReady
	}

	headers := amqp.Table{}
	for k, v := range delivery.Headers {
		headers[k] = v
	}
	headers[retryCountHeader] = int32(retries)

	return channel.PublishWithContext(ctx, delivery.Exchange, delivery.RoutingKey, false, false, amqp.Publishing{
		ContentType:   delivery.ContentType,
		DeliveryMode:  delivery.DeliveryMode,
		MessageId:     delivery.MessageId,
		CorrelationId: delivery.CorrelationId,
		Timestamp:     delivery.Timestamp,
		Headers:       headers,
		Body:          delivery.Body,
	})
}

// PublishToDeadLetter republishes the event to the dead-letter exchange
// augmented with failure metadata. Without a configured dead-letter
// exchange this logs and drops rather than failing.
func (m *Manager) PublishToDeadLetter(ctx context.Context, event *models.Event, reason string) error {
	if m.config.DeadLetterExchange == "" {
		m.logger.Warn("No dead-letter exchange configured, dropping event",
			zap.String("event_id", event.ID),
			zap.String("reason", reason))
		return nil
	}

	m.mu.Lock()
	channel := m.channel
	m.mu.Unlock()

	if channel == nil {
		return domainerr.ErrChannelNotReady
	}

	dlqEvent := DeadLetterEvent(event, reason)
	body, err := json.Marshal(dlqEvent)
	if err != nil {
		return fmt.Errorf("failed to serialize dead-letter event: %w", err)
	}

	err = channel.PublishWithContext(ctx, m.config.DeadLetterExchange, m.config.DeadLetterRoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    dlqEvent.ID,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to dead-letter exchange: %w", err)
	}

	util.EventsDeadLetteredTotal.WithLabelValues(reason).Inc()
	m.logger.Info("Event dead-lettered",
		zap.String("event_id", event.ID),
		zap.String("reason", reason))

	return nil
}

func (m *Manager) deadLetterRaw(ctx context.Context, delivery amqp.Delivery, reason string) {
	if err := m.PublishToDeadLetter(ctx, rawEvent(delivery.MessageId, delivery.Body, m.config.Queue), reason); err != nil {
		m.logger.Error("Failed to dead-letter unparseable message", zap.Error(err))
	}
}

// rawEvent wraps a body that failed to parse in a valid envelope. The
// body is quoted into a JSON string: embedding the invalid bytes as a
// RawMessage would make the envelope itself unserializable.
func rawEvent(messageID string, body []byte, source string) *models.Event {
	quoted, _ := json.Marshal(string(body))

	event := &models.Event{
		ID:        messageID,
		Type:      "unknown",
		Version:   models.EventVersion,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Data:      quoted,
	}
	if event.ID == "" {
		event.ID = fmt.Sprintf("raw-%d", time.Now().UnixNano())
	}
	return event
}

// DeadLetterEvent derives the dead-letter copy of an event: a dlq- prefixed
// id and metadata recording the failure reason and original identity.
func DeadLetterEvent(event *models.Event, reason string) *models.Event {
	metadata := make(map[string]interface{}, len(event.Metadata)+3)
	for k, v := range event.Metadata {
		metadata[k] = v
	}
	metadata["dlq.reason"] = reason
	metadata["dlq.original_id"] = event.ID
	metadata["dlq.failed_at"] = time.Now().UTC().Format(time.RFC3339)

	copied := *event
	copied.ID = "dlq-" + event.ID
	copied.Metadata = metadata
	return &copied
}

// Close shuts down the channel and then the connection. A channel close
// failure does not prevent the connection close attempt.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true

	var channelErr error
	if m.channel != nil {
		channelErr = m.channel.Close()
		m.channel = nil
	}

	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			return err
		}
		m.conn = nil
	}

	return channelErr
}

// IsConnected reports whether a connection currently exists. It does not
// probe liveness.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil && !m.conn.IsClosed()
}
