package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"order-processing/config"
	"order-processing/internal/domainerr"
	"order-processing/internal/models"
)

func TestDeadLetterEvent(t *testing.T) {
	event, err := models.NewEvent(models.EventTypeOrderCreated, "order-service", models.OrderEventData{OrderID: "o1"})
	require.NoError(t, err)
	event.Metadata = map[string]interface{}{"origin": "api"}

	dlq := DeadLetterEvent(event, "handler validation failed")

	assert.Equal(t, "dlq-"+event.ID, dlq.ID)
	assert.Equal(t, event.Type, dlq.Type)
	assert.Equal(t, "handler validation failed", dlq.Metadata["dlq.reason"])
	assert.Equal(t, event.ID, dlq.Metadata["dlq.original_id"])
	assert.NotEmpty(t, dlq.Metadata["dlq.failed_at"])
	assert.Equal(t, "api", dlq.Metadata["origin"], "original metadata is preserved")

	// The original envelope is untouched.
	assert.Equal(t, 1, len(event.Metadata))
	assert.NotContains(t, event.ID, "dlq-")
}

func TestReconnectDelayDoubles(t *testing.T) {
	base := time.Second
	assert.Equal(t, time.Second, ReconnectDelay(base, 1))
	assert.Equal(t, 2*time.Second, ReconnectDelay(base, 2))
	assert.Equal(t, 4*time.Second, ReconnectDelay(base, 3))
	assert.Equal(t, 512*time.Second, ReconnectDelay(base, 10))
}

func TestPublishWithoutChannel(t *testing.T) {
	manager := NewManager(config.BrokerConfig{Exchange: "e-commerce.events"}, zap.NewNop())

	event, err := models.NewEvent(models.EventTypeOrderCreated, "order-service", models.OrderEventData{OrderID: "o1"})
	require.NoError(t, err)

	accepted, err := manager.PublishEvent(context.Background(), event, "")
	assert.False(t, accepted)
	assert.ErrorIs(t, err, domainerr.ErrChannelNotReady)
}

func TestConsumeWithoutChannel(t *testing.T) {
	manager := NewManager(config.BrokerConfig{Queue: "orders.queue"}, zap.NewNop())

	err := manager.ConsumeEvents(context.Background(), func(ctx context.Context, event *models.Event) error {
		return nil
	})
	assert.ErrorIs(t, err, domainerr.ErrChannelNotReady)
}

func TestDeadLetterWithoutExchangeIsNoOp(t *testing.T) {
	manager := NewManager(config.BrokerConfig{Queue: "orders.queue"}, zap.NewNop())

	event, err := models.NewEvent(models.EventTypeOrderCreated, "order-service", models.OrderEventData{OrderID: "o1"})
	require.NoError(t, err)

	assert.NoError(t, manager.PublishToDeadLetter(context.Background(), event, "no consumers"))
}

func TestIsConnectedWithoutConnection(t *testing.T) {
	manager := NewManager(config.BrokerConfig{}, zap.NewNop())
	assert.False(t, manager.IsConnected())
}

// fakeAcknowledger records ack/nack decisions per delivery.
type fakeAcknowledger struct {
	acks  int
	nacks []bool // requeue flag per nack
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.acks++
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.nacks = append(a.nacks, requeue)
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	a.nacks = append(a.nacks, requeue)
	return nil
}

func eventDelivery(t *testing.T, ack amqp.Acknowledger, headers amqp.Table) amqp.Delivery {
	t.Helper()
	event, err := models.NewEvent(models.EventTypeOrderCreated, "order-service", models.OrderEventData{OrderID: "o1"})
	require.NoError(t, err)
	body, err := json.Marshal(event)
	require.NoError(t, err)

	return amqp.Delivery{
		Acknowledger: ack,
		MessageId:    event.ID,
		Headers:      headers,
		Body:         body,
	}
}

func TestRawDeadLetterSerializes(t *testing.T) {
	// A body that failed envelope parsing must still produce a valid
	// dead-letter payload.
	event := rawEvent("m1", []byte(`{"truncated`), "orders.queue")
	dlq := DeadLetterEvent(event, "unparseable envelope")

	body, err := json.Marshal(dlq)
	require.NoError(t, err)

	var decoded models.Event
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "dlq-m1", decoded.ID)
	assert.Equal(t, "unparseable envelope", decoded.Metadata["dlq.reason"])

	// The original bytes survive as a quoted string.
	var raw string
	require.NoError(t, json.Unmarshal(decoded.Data, &raw))
	assert.Equal(t, `{"truncated`, raw)
}

func TestHandleDeliveryAcksUnparseableAfterDeadLetter(t *testing.T) {
	manager := NewManager(config.BrokerConfig{Queue: "orders.queue"}, zap.NewNop())
	ack := &fakeAcknowledger{}
	delivery := amqp.Delivery{Acknowledger: ack, MessageId: "m1", Body: []byte(`{"truncated`)}

	handled := false
	manager.handleDelivery(context.Background(), delivery, func(ctx context.Context, event *models.Event) error {
		handled = true
		return nil
	})

	assert.False(t, handled)
	assert.Equal(t, 1, ack.acks)
	assert.Empty(t, ack.nacks)
}

func TestHandleDeliveryRetryCap(t *testing.T) {
	manager := NewManager(config.BrokerConfig{Queue: "orders.queue", MaxRetries: 3}, zap.NewNop())

	// At the cap the message is dead-lettered and removed, not requeued.
	ack := &fakeAcknowledger{}
	delivery := eventDelivery(t, ack, amqp.Table{"x-retry-count": int32(3)})
	manager.handleDelivery(context.Background(), delivery, func(ctx context.Context, event *models.Event) error {
		return errors.New("downstream unavailable")
	})
	assert.Equal(t, 1, ack.acks)
	assert.Empty(t, ack.nacks)

	// Below the cap the delivery goes back to the queue. The counting
	// republish needs a channel, so here it falls back to broker requeue.
	ack = &fakeAcknowledger{}
	delivery = eventDelivery(t, ack, nil)
	manager.handleDelivery(context.Background(), delivery, func(ctx context.Context, event *models.Event) error {
		return errors.New("downstream unavailable")
	})
	assert.Equal(t, 0, ack.acks)
	assert.Equal(t, []bool{true}, ack.nacks)
}

func TestHandleDeliveryValidationAcksAfterDeadLetter(t *testing.T) {
	manager := NewManager(config.BrokerConfig{Queue: "orders.queue"}, zap.NewNop())
	ack := &fakeAcknowledger{}
	delivery := eventDelivery(t, ack, nil)

	manager.handleDelivery(context.Background(), delivery, func(ctx context.Context, event *models.Event) error {
		return fmt.Errorf("%w: bad payload", domainerr.ErrValidation)
	})

	// One copy only: acked here, never nacked into the queue's DLX too.
	assert.Equal(t, 1, ack.acks)
	assert.Empty(t, ack.nacks)
}

func TestHandleDeliveryValidationFallsBackToQueueDLX(t *testing.T) {
	// With a dead-letter exchange configured but no channel, the explicit
	// publish fails and the nack lets the queue's DLX args route the
	// original.
	manager := NewManager(config.BrokerConfig{
		Queue:              "orders.queue",
		DeadLetterExchange: "orders.dlx",
	}, zap.NewNop())
	ack := &fakeAcknowledger{}
	delivery := eventDelivery(t, ack, nil)

	manager.handleDelivery(context.Background(), delivery, func(ctx context.Context, event *models.Event) error {
		return fmt.Errorf("%w: bad payload", domainerr.ErrValidation)
	})

	assert.Equal(t, 0, ack.acks)
	assert.Equal(t, []bool{false}, ack.nacks)
}

func TestDeliveryRetries(t *testing.T) {
	assert.Equal(t, 0, deliveryRetries(amqp.Delivery{}))
	assert.Equal(t, 2, deliveryRetries(amqp.Delivery{Headers: amqp.Table{"x-retry-count": int32(2)}}))
	assert.Equal(t, 4, deliveryRetries(amqp.Delivery{Headers: amqp.Table{"x-retry-count": int64(4)}}))
}
