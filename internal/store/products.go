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

// productRow mirrors the products table; reservations is a JSONB column.
type productRow struct {
	ProductID     string    `db:"product_id"`
	SKU           string    `db:"sku"`
	Name          string    `db:"name"`
	Price         float64   `db:"price"`
	StockQuantity int       `db:"stock_quantity"`
	ReservedQty   int       `db:"reserved_quantity"`
	Category      string    `db:"category"`
	IsActive      bool      `db:"is_active"`
	Reservations  []byte    `db:"reservations"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (r *productRow) toModel() (*models.Product, error) {
	product := &models.Product{
		ProductID:     r.ProductID,
		SKU:           r.SKU,
		Name:          r.Name,
		Price:         r.Price,
		StockQuantity: r.StockQuantity,
		ReservedQty:   r.ReservedQty,
		Category:      r.Category,
		IsActive:      r.IsActive,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if len(r.Reservations) > 0 {
		if err := json.Unmarshal(r.Reservations, &product.Reservations); err != nil {
			return nil, fmt.Errorf("failed to decode reservations: %w", err)
		}
	}
	return product, nil
}

// CreateProduct persists a new product.
func (s *Store) CreateProduct(ctx context.Context, product *models.Product) error {
	reservations, err := json.Marshal(product.Reservations)
	if err != nil {
		return fmt.Errorf("failed to encode reservations: %w", err)
	}

	query := `
		INSERT INTO products (product_id, sku, name, price, stock_quantity, reserved_quantity, category, is_active, reservations)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`

	row := s.db.QueryRowxContext(ctx, query,
		product.ProductID, product.SKU, product.Name, product.Price,
		product.StockQuantity, product.ReservedQty, product.Category,
		product.IsActive, reservations)
	return row.Scan(&product.CreatedAt, &product.UpdatedAt)
}

// GetProduct retrieves a product by ID
func (s *Store) GetProduct(ctx context.Context, productID string) (*models.Product, error) {
	var row productRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM products WHERE product_id = $1", productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domainerr.ErrProductNotFound, productID)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

// GetProducts retrieves all products
func (s *Store) GetProducts(ctx context.Context) ([]models.Product, error) {
	var rows []productRow
	err := s.db.SelectContext(ctx, &rows, "SELECT * FROM products ORDER BY product_id")
	if err != nil {
		return nil, err
	}

	products := make([]models.Product, 0, len(rows))
	for i := range rows {
		product, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		products = append(products, *product)
	}
	return products, nil
}

// UpdateProductStock sets the absolute stock quantity.
func (s *Store) UpdateProductStock(ctx context.Context, productID string, stockQuantity int) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE products SET stock_quantity = $1, updated_at = NOW() WHERE product_id = $2",
		stockQuantity, productID)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", domainerr.ErrProductNotFound, productID)
	}
	return nil
}

// ReserveStockTx atomically reserves stock for an order inside a
// transaction with a row lock, closing the check-then-increment race.
// Returns the updated product, or domainerr.ErrInsufficientStock without
// mutation when available quantity is short.
func (s *Store) ReserveStockTx(ctx context.Context, productID, orderID string, quantity int) (*models.Product, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var row productRow
	err = tx.GetContext(ctx, &row,
		"SELECT * FROM products WHERE product_id = $1 FOR UPDATE", productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domainerr.ErrProductNotFound, productID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock product: %w", err)
	}

	product, err := row.toModel()
	if err != nil {
		return nil, err
	}

	if product.Available() < quantity {
		return nil, fmt.Errorf("%w: available=%d, requested=%d",
			domainerr.ErrInsufficientStock, product.Available(), quantity)
	}

	product.ReservedQty += quantity
	product.Reservations = append(product.Reservations, models.Reservation{
		OrderID:    orderID,
		Quantity:   quantity,
		ReservedAt: time.Now().UTC(),
	})

	if err := updateReservations(ctx, tx, product); err != nil {
		return nil, err
	}
	return product, tx.Commit()
}

// ReleaseStockTx releases the reservation held by an order. The released
// quantity is taken from the stored reservation record; fallbackQuantity
// is used only when no record exists. Reserved quantity floors at zero.
func (s *Store) ReleaseStockTx(ctx context.Context, productID, orderID string, fallbackQuantity int) (*models.Product, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var row productRow
	err = tx.GetContext(ctx, &row,
		"SELECT * FROM products WHERE product_id = $1 FOR UPDATE", productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domainerr.ErrProductNotFound, productID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock product: %w", err)
	}

	product, err := row.toModel()
	if err != nil {
		return nil, err
	}

	quantity := fallbackQuantity
	if reservation, ok := product.ReservationFor(orderID); ok {
		quantity = reservation.Quantity
	}

	product.ReservedQty -= quantity
	if product.ReservedQty < 0 {
		product.ReservedQty = 0
	}

	remaining := product.Reservations[:0]
	for _, r := range product.Reservations {
		if r.OrderID != orderID {
			remaining = append(remaining, r)
		}
	}
	product.Reservations = remaining

	if err := updateReservations(ctx, tx, product); err != nil {
		return nil, err
	}
	return product, tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func updateReservations(ctx context.Context, tx execer, product *models.Product) error {
	reservations, err := json.Marshal(product.Reservations)
	if err != nil {
		return fmt.Errorf("failed to encode reservations: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE products SET reserved_quantity = $1, reservations = $2, updated_at = NOW() WHERE product_id = $3",
		product.ReservedQty, reservations, product.ProductID)
	if err != nil {
		return fmt.Errorf("failed to update reservations: %w", err)
	}
	return nil
}
