package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"order-processing/internal/domainerr"
	"order-processing/internal/models"
)

// orderRow mirrors the orders table; items and metadata are JSONB columns.
type orderRow struct {
	OrderID    string    `db:"order_id"`
	CustomerID string    `db:"customer_id"`
	Items      []byte    `db:"items"`
	Total      float64   `db:"total"`
	Status     string    `db:"status"`
	Metadata   []byte    `db:"metadata"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r *orderRow) toModel() (*models.Order, error) {
	order := &models.Order{
		OrderID:    r.OrderID,
		CustomerID: r.CustomerID,
		Total:      r.Total,
		Status:     r.Status,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if err := json.Unmarshal(r.Items, &order.Items); err != nil {
		return nil, fmt.Errorf("failed to decode order items: %w", err)
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &order.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode order metadata: %w", err)
		}
	}
	return order, nil
}

// CreateOrder persists a new order with its items and metadata.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	items, err := json.Marshal(order.Items)
	if err != nil {
		return fmt.Errorf("failed to encode order items: %w", err)
	}
	metadata, err := marshalMetadata(order.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO orders (order_id, customer_id, items, total, status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`

	row := s.db.QueryRowxContext(ctx, query,
		order.OrderID, order.CustomerID, items, order.Total, order.Status, metadata)
	return row.Scan(&order.CreatedAt, &order.UpdatedAt)
}

// GetOrder retrieves an order by ID
func (s *Store) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	var row orderRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM orders WHERE order_id = $1", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domainerr.ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

// UpdateOrder persists a status change together with merged metadata.
func (s *Store) UpdateOrder(ctx context.Context, order *models.Order) error {
	metadata, err := marshalMetadata(order.Metadata)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = $1, metadata = $2, updated_at = NOW() WHERE order_id = $3",
		order.Status, metadata, order.OrderID)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", domainerr.ErrOrderNotFound, order.OrderID)
	}
	return nil
}

// GetOrdersByCustomer retrieves a customer's orders, newest first.
func (s *Store) GetOrdersByCustomer(ctx context.Context, customerID string) ([]models.Order, error) {
	var rows []orderRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM orders WHERE customer_id = $1 ORDER BY created_at DESC", customerID)
	if err != nil {
		return nil, err
	}
	return rowsToOrders(rows)
}

// GetOrdersByStatus retrieves orders in a status, newest first.
func (s *Store) GetOrdersByStatus(ctx context.Context, status string) ([]models.Order, error) {
	var rows []orderRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM orders WHERE status = $1 ORDER BY created_at DESC", status)
	if err != nil {
		return nil, err
	}
	return rowsToOrders(rows)
}

func rowsToOrders(rows []orderRow) ([]models.Order, error) {
	orders := make([]models.Order, 0, len(rows))
	for i := range rows {
		order, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, nil
}

func marshalMetadata(metadata map[string]interface{}) ([]byte, error) {
	if metadata == nil {
		return []byte("{}"), nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return encoded, nil
}
