package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"order-processing/internal/domainerr"
	"order-processing/internal/models"
	"order-processing/internal/util"
)

// ProductStore is the persistence contract for products and reservations.
type ProductStore interface {
	CreateProduct(ctx context.Context, product *models.Product) error
	GetProduct(ctx context.Context, productID string) (*models.Product, error)
	GetProducts(ctx context.Context) ([]models.Product, error)
	UpdateProductStock(ctx context.Context, productID string, stockQuantity int) error
	ReserveStockTx(ctx context.Context, productID, orderID string, quantity int) (*models.Product, error)
	ReleaseStockTx(ctx context.Context, productID, orderID string, fallbackQuantity int) (*models.Product, error)
}

// InventoryCache is the atomic fast path for reservations. A nil cache
// falls through to the database transaction.
type InventoryCache interface {
	ReserveStock(ctx context.Context, productID, orderID string, quantity int) (reserved, cached bool, err error)
	ReleaseStock(ctx context.Context, productID, orderID string, fallbackQuantity int) (released int, cached bool, err error)
	InitInventory(ctx context.Context, productID string, stock, reserved int) error
}

// InventoryService reserves and releases stock in reaction to order events
// and emits inventory events.
type InventoryService struct {
	store     ProductStore
	cache     InventoryCache
	publisher EventPublisher
	logger    *zap.Logger
}

// NewInventoryService creates a new inventory service
func NewInventoryService(store ProductStore, cache InventoryCache, publisher EventPublisher, logger *zap.Logger) *InventoryService {
	return &InventoryService{
		store:     store,
		cache:     cache,
		publisher: publisher,
		logger:    logger,
	}
}

// ReserveInventory reserves quantity for an order. Returns false without
// mutation when available stock is short. The cache gate and the row-locked
// database transaction both check-and-increment atomically, so concurrent
// reservations for one product cannot both pass a stale read.
func (s *InventoryService) ReserveInventory(ctx context.Context, productID string, quantity int, orderID string) (bool, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.ReserveInventory")
	defer span.End()

	start := time.Now()
	defer func() {
		util.ReservationLatency.Observe(time.Since(start).Seconds())
	}()

	if quantity < 1 {
		return false, fmt.Errorf("%w: quantity must be at least 1", domainerr.ErrValidation)
	}

	product, err := s.store.GetProduct(ctx, productID)
	if err != nil {
		return false, err
	}
	if !product.IsActive {
		return false, fmt.Errorf("%w: %s", domainerr.ErrProductInactive, productID)
	}

	if s.cache != nil {
		reserved, cached, err := s.cache.ReserveStock(ctx, productID, orderID, quantity)
		if err != nil {
			s.logger.Warn("Cache reservation failed, using database path",
				zap.String("product_id", productID),
				zap.Error(err))
		} else if cached && !reserved {
			util.ReservationsTotal.WithLabelValues("insufficient").Inc()
			return false, nil
		}
	}

	product, err = s.store.ReserveStockTx(ctx, productID, orderID, quantity)
	if err != nil {
		// Undo the hold taken by the cache gate: the database did not
		// record the reservation.
		if s.cache != nil {
			_, _, _ = s.cache.ReleaseStock(ctx, productID, orderID, quantity)
		}
		if errors.Is(err, domainerr.ErrInsufficientStock) {
			util.ReservationsTotal.WithLabelValues("insufficient").Inc()
			return false, nil
		}
		util.ReservationsTotal.WithLabelValues("error").Inc()
		return false, err
	}

	util.ReservationsTotal.WithLabelValues("reserved").Inc()
	s.logger.Info("Inventory reserved",
		zap.String("product_id", productID),
		zap.String("order_id", orderID),
		zap.Int("quantity", quantity))

	s.publisher.Publish(ctx, models.EventTypeInventoryReserved, s.eventData(product, orderID, quantity))

	return true, nil
}

// ReleaseInventory releases the reservation held by an order. The released
// quantity is derived from the stored reservation record; the caller's
// quantity is a fallback for records that no longer exist. Reserved
// quantity floors at zero.
func (s *InventoryService) ReleaseInventory(ctx context.Context, productID string, quantity int, orderID string) error {
	ctx, span := util.StartSpan(ctx, "InventoryService.ReleaseInventory")
	defer span.End()

	if s.cache != nil {
		if _, _, err := s.cache.ReleaseStock(ctx, productID, orderID, quantity); err != nil {
			s.logger.Warn("Cache release failed",
				zap.String("product_id", productID),
				zap.Error(err))
		}
	}

	product, err := s.store.ReleaseStockTx(ctx, productID, orderID, quantity)
	if err != nil {
		return err
	}

	util.ReleasesTotal.Inc()
	s.logger.Info("Inventory released",
		zap.String("product_id", productID),
		zap.String("order_id", orderID))

	s.publisher.Publish(ctx, models.EventTypeInventoryReleased, s.eventData(product, orderID, quantity))

	return nil
}

// CreateProduct persists a catalog product and seeds the cache.
func (s *InventoryService) CreateProduct(ctx context.Context, product *models.Product) (*models.Product, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.CreateProduct")
	defer span.End()

	if product.SKU == "" || product.Name == "" {
		return nil, fmt.Errorf("%w: sku and name are required", domainerr.ErrValidation)
	}
	if product.Price < 0 {
		return nil, fmt.Errorf("%w: price must not be negative", domainerr.ErrValidation)
	}
	if product.StockQuantity < 0 {
		return nil, fmt.Errorf("%w: stock quantity must not be negative", domainerr.ErrValidation)
	}

	if product.ProductID == "" {
		product.ProductID = uuid.New().String()
	}

	if err := s.store.CreateProduct(ctx, product); err != nil {
		return nil, fmt.Errorf("failed to create product: %w", err)
	}

	s.syncCache(ctx, product)
	s.logger.Info("Product created",
		zap.String("product_id", product.ProductID),
		zap.String("sku", product.SKU))

	s.publishStockEvents(ctx, product)

	return product, nil
}

// UpdateProductStock sets the absolute stock level and publishes
// inventory.updated, plus inventory.low when availability drops to the
// threshold.
func (s *InventoryService) UpdateProductStock(ctx context.Context, productID string, stockQuantity int) (*models.Product, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.UpdateProductStock")
	defer span.End()

	if stockQuantity < 0 {
		return nil, fmt.Errorf("%w: stock quantity must not be negative", domainerr.ErrValidation)
	}

	if err := s.store.UpdateProductStock(ctx, productID, stockQuantity); err != nil {
		return nil, err
	}

	product, err := s.store.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}

	s.syncCache(ctx, product)
	s.publishStockEvents(ctx, product)

	return product, nil
}

// GetProduct retrieves a product by ID
func (s *InventoryService) GetProduct(ctx context.Context, productID string) (*models.Product, error) {
	return s.store.GetProduct(ctx, productID)
}

// ProcessOrderCreated reserves stock for every item in a created order.
// When one reservation fails, reservations already made for the order are
// released before the error is returned.
func (s *InventoryService) ProcessOrderCreated(ctx context.Context, event *models.Event) error {
	ctx, span := util.StartSpan(ctx, "InventoryService.ProcessOrderCreated")
	defer span.End()

	data, err := event.DecodeOrderData()
	if err != nil {
		return fmt.Errorf("%w: %v", domainerr.ErrValidation, err)
	}

	reserved := make([]models.OrderItem, 0, len(data.Items))
	for _, item := range data.Items {
		ok, err := s.ReserveInventory(ctx, item.ProductID, item.Quantity, data.OrderID)
		if err != nil {
			s.compensate(ctx, data.OrderID, reserved)
			return fmt.Errorf("failed to reserve product %s for order %s: %w", item.ProductID, data.OrderID, err)
		}
		if !ok {
			s.compensate(ctx, data.OrderID, reserved)
			return fmt.Errorf("%w: product %s for order %s", domainerr.ErrInsufficientStock, item.ProductID, data.OrderID)
		}
		reserved = append(reserved, item)
	}

	return nil
}

// ProcessOrderCancelled releases stock for every item in a cancelled
// order. Releases are best-effort: one failure does not abort the rest.
func (s *InventoryService) ProcessOrderCancelled(ctx context.Context, event *models.Event) error {
	ctx, span := util.StartSpan(ctx, "InventoryService.ProcessOrderCancelled")
	defer span.End()

	data, err := event.DecodeOrderData()
	if err != nil {
		return fmt.Errorf("%w: %v", domainerr.ErrValidation, err)
	}

	for _, item := range data.Items {
		if err := s.ReleaseInventory(ctx, item.ProductID, item.Quantity, data.OrderID); err != nil {
			s.logger.Error("Failed to release inventory",
				zap.String("product_id", item.ProductID),
				zap.String("order_id", data.OrderID),
				zap.Error(err))
		}
	}

	return nil
}

// compensate rolls back reservations already made for an order.
func (s *InventoryService) compensate(ctx context.Context, orderID string, reserved []models.OrderItem) {
	for _, item := range reserved {
		if err := s.ReleaseInventory(ctx, item.ProductID, item.Quantity, orderID); err != nil {
			s.logger.Error("Failed to compensate reservation",
				zap.String("product_id", item.ProductID),
				zap.String("order_id", orderID),
				zap.Error(err))
		}
	}
}

// SyncInventoryToCache seeds cached counters for all products.
func (s *InventoryService) SyncInventoryToCache(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}

	products, err := s.store.GetProducts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load products: %w", err)
	}

	for i := range products {
		product := &products[i]
		if err := s.cache.InitInventory(ctx, product.ProductID, product.StockQuantity, product.ReservedQty); err != nil {
			s.logger.Error("Failed to seed inventory cache",
				zap.String("product_id", product.ProductID),
				zap.Error(err))
		}
	}

	s.logger.Info("Inventory cache synced", zap.Int("count", len(products)))
	return nil
}

func (s *InventoryService) syncCache(ctx context.Context, product *models.Product) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InitInventory(ctx, product.ProductID, product.StockQuantity, product.ReservedQty); err != nil {
		s.logger.Warn("Failed to sync inventory cache",
			zap.String("product_id", product.ProductID),
			zap.Error(err))
	}
}

func (s *InventoryService) publishStockEvents(ctx context.Context, product *models.Product) {
	s.publisher.Publish(ctx, models.EventTypeInventoryUpdated, s.eventData(product, "", 0))
	if product.Available() <= models.LowStockThreshold {
		s.publisher.Publish(ctx, models.EventTypeInventoryLow, s.eventData(product, "", 0))
	}
}

func (s *InventoryService) eventData(product *models.Product, orderID string, quantity int) models.InventoryEventData {
	return models.InventoryEventData{
		ProductID: product.ProductID,
		SKU:       product.SKU,
		OrderID:   orderID,
		Quantity:  quantity,
		Stock:     product.StockQuantity,
		Reserved:  product.ReservedQty,
		Available: product.Available(),
	}
}
