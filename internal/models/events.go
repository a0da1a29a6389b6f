package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types. The type doubles as the routing key on the topic exchange.
const (
	EventTypeOrderCreated      = "order.created"
	EventTypeOrderUpdated      = "order.updated"
	EventTypeOrderCancelled    = "order.cancelled"
	EventTypeInventoryReserved = "inventory.reserved"
	EventTypeInventoryReleased = "inventory.released"
	EventTypeInventoryUpdated  = "inventory.updated"
	EventTypeInventoryLow      = "inventory.low"
	EventTypeNotificationSent  = "notification.sent"
)

// EventVersion is the envelope schema version carried on every event.
const EventVersion = "1.0.0"

// Event is the envelope every service publishes and consumes. The shape of
// Data depends on Type; decode it with the typed helpers below.
type Event struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Version       string                 `json:"version"`
	Timestamp     time.Time              `json:"timestamp"`
	Source        string                 `json:"source"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Data          json.RawMessage        `json:"data"`
}

// NewEvent builds an envelope with a fresh id and the given payload.
func NewEvent(eventType, source string, payload interface{}) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Version:   EventVersion,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Data:      data,
	}, nil
}

// OrderEventData is the payload for order.* events.
type OrderEventData struct {
	OrderID    string      `json:"order_id"`
	CustomerID string      `json:"customer_id"`
	Items      []OrderItem `json:"items"`
	Total      float64     `json:"total"`
	Status     string      `json:"status"`
	Reason     string      `json:"reason,omitempty"`
}

// InventoryEventData is the payload for inventory.* events.
type InventoryEventData struct {
	ProductID string `json:"product_id"`
	SKU       string `json:"sku,omitempty"`
	OrderID   string `json:"order_id,omitempty"`
	Quantity  int    `json:"quantity,omitempty"`
	Stock     int    `json:"stock_quantity"`
	Reserved  int    `json:"reserved_quantity"`
	Available int    `json:"available_quantity"`
}

// NotificationEventData is the payload for notification.* events.
type NotificationEventData struct {
	NotificationID string `json:"notification_id"`
	RecipientID    string `json:"recipient_id"`
	Type           string `json:"type"`
	Template       string `json:"template"`
	Status         string `json:"status"`
}

// DecodeOrderData unmarshals the envelope payload as order data.
func (e *Event) DecodeOrderData() (*OrderEventData, error) {
	var data OrderEventData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to decode order event data: %w", err)
	}
	return &data, nil
}

// DecodeInventoryData unmarshals the envelope payload as inventory data.
func (e *Event) DecodeInventoryData() (*InventoryEventData, error) {
	var data InventoryEventData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to decode inventory event data: %w", err)
	}
	return &data, nil
}

// DecodeNotificationData unmarshals the envelope payload as notification data.
func (e *Event) DecodeNotificationData() (*NotificationEventData, error) {
	var data NotificationEventData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to decode notification event data: %w", err)
	}
	return &data, nil
}
