package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"order-processing/internal/domainerr"
	"order-processing/internal/models"
	"order-processing/internal/util"
)

// EventPublisher is the event-emission contract for services. Publishing is
// best-effort: implementations retry internally and log exhausted failures.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload interface{})
}

// OrderStore is the persistence contract for orders.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	UpdateOrder(ctx context.Context, order *models.Order) error
	GetOrdersByCustomer(ctx context.Context, customerID string) ([]models.Order, error)
	GetOrdersByStatus(ctx context.Context, status string) ([]models.Order, error)
}

// OrderService drives the order lifecycle state machine and emits order
// events for downstream services.
type OrderService struct {
	store     OrderStore
	publisher EventPublisher
	logger    *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(store OrderStore, publisher EventPublisher, logger *zap.Logger) *OrderService {
	return &OrderService{
		store:     store,
		publisher: publisher,
		logger:    logger,
	}
}

// CreateOrder validates the items, persists the order as pending and
// publishes order.created. Event publication is decoupled from the write:
// a failed publish never fails the creation.
func (s *OrderService) CreateOrder(ctx context.Context, customerID string, items []models.OrderItem, metadata map[string]interface{}) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if customerID == "" {
		return nil, fmt.Errorf("%w: customer_id is required", domainerr.ErrValidation)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: order items are required", domainerr.ErrValidation)
	}
	for i, item := range items {
		if item.ProductID == "" {
			return nil, fmt.Errorf("%w: item %d is missing product_id", domainerr.ErrValidation, i)
		}
		if item.Quantity < 1 {
			return nil, fmt.Errorf("%w: item %d quantity must be at least 1", domainerr.ErrValidation, i)
		}
		if item.Price < 0 {
			return nil, fmt.Errorf("%w: item %d price must not be negative", domainerr.ErrValidation, i)
		}
	}

	order := &models.Order{
		OrderID:    uuid.New().String(),
		CustomerID: customerID,
		Items:      items,
		Total:      models.ComputeTotal(items),
		Status:     models.OrderStatusPending,
		Metadata:   metadata,
	}

	if err := s.store.CreateOrder(ctx, order); err != nil {
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.String("order_id", order.OrderID),
		zap.String("customer_id", order.CustomerID),
		zap.Float64("total", order.Total))

	s.publisher.Publish(ctx, models.EventTypeOrderCreated, s.eventData(order, ""))

	return order, nil
}

// UpdateOrderStatus applies a transition from the lifecycle table and
// publishes order.updated. Transitions outside the table fail without
// mutating the stored status.
func (s *OrderService) UpdateOrderStatus(ctx context.Context, orderID, newStatus string, metadata map[string]interface{}) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.UpdateOrderStatus")
	defer span.End()

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if !models.CanTransition(order.Status, newStatus) {
		return nil, fmt.Errorf("%w: %s -> %s", domainerr.ErrInvalidTransition, order.Status, newStatus)
	}

	previous := order.Status
	order.Status = newStatus
	mergeMetadata(order, metadata)

	if err := s.store.UpdateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to update order: %w", err)
	}

	util.OrderTransitionsTotal.WithLabelValues(previous, newStatus).Inc()
	s.logger.Info("Order status updated",
		zap.String("order_id", orderID),
		zap.String("from", previous),
		zap.String("to", newStatus))

	s.publisher.Publish(ctx, models.EventTypeOrderUpdated, s.eventData(order, ""))

	return order, nil
}

// CancelOrder cancels an order that has not shipped. The reason and
// cancellation time are recorded in the order metadata.
func (s *OrderService) CancelOrder(ctx context.Context, orderID, reason string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CancelOrder")
	defer span.End()

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if order.Status == models.OrderStatusCancelled {
		return nil, fmt.Errorf("%w: %s", domainerr.ErrAlreadyCancelled, orderID)
	}
	if !models.IsCancellable(order.Status) {
		return nil, fmt.Errorf("%w: order %s is %s", domainerr.ErrCannotCancel, orderID, order.Status)
	}

	order.Status = models.OrderStatusCancelled
	mergeMetadata(order, map[string]interface{}{
		"cancellation_reason": reason,
		"cancelled_at":        time.Now().UTC().Format(time.RFC3339),
	})

	if err := s.store.UpdateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to cancel order: %w", err)
	}

	util.OrdersCancelledTotal.Inc()
	s.logger.Info("Order cancelled",
		zap.String("order_id", orderID),
		zap.String("reason", reason))

	s.publisher.Publish(ctx, models.EventTypeOrderCancelled, s.eventData(order, reason))

	return order, nil
}

// GetOrder retrieves an order by ID
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return s.store.GetOrder(ctx, orderID)
}

// GetOrdersByCustomer retrieves a customer's orders, newest first.
func (s *OrderService) GetOrdersByCustomer(ctx context.Context, customerID string) ([]models.Order, error) {
	return s.store.GetOrdersByCustomer(ctx, customerID)
}

// GetOrdersByStatus retrieves orders in a status, newest first.
func (s *OrderService) GetOrdersByStatus(ctx context.Context, status string) ([]models.Order, error) {
	return s.store.GetOrdersByStatus(ctx, status)
}

func (s *OrderService) eventData(order *models.Order, reason string) models.OrderEventData {
	return models.OrderEventData{
		OrderID:    order.OrderID,
		CustomerID: order.CustomerID,
		Items:      order.Items,
		Total:      order.Total,
		Status:     order.Status,
		Reason:     reason,
	}
}

func mergeMetadata(order *models.Order, metadata map[string]interface{}) {
	if len(metadata) == 0 {
		return
	}
	if order.Metadata == nil {
		order.Metadata = make(map[string]interface{}, len(metadata))
	}
	for k, v := range metadata {
		order.Metadata[k] = v
	}
}
