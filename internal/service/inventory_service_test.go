package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"order-processing/internal/domainerr"
	"order-processing/internal/models"
)

// fakeProductStore is an in-memory ProductStore with the same
// check-then-mutate semantics as the row-locked database transactions.
type fakeProductStore struct {
	products   map[string]*models.Product
	reserveErr error
}

func newFakeProductStore() *fakeProductStore {
	return &fakeProductStore{products: make(map[string]*models.Product)}
}

func (s *fakeProductStore) add(product *models.Product) {
	copied := *product
	s.products[product.ProductID] = &copied
}

func (s *fakeProductStore) CreateProduct(ctx context.Context, product *models.Product) error {
	s.add(product)
	return nil
}

func (s *fakeProductStore) GetProduct(ctx context.Context, productID string) (*models.Product, error) {
	product, ok := s.products[productID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domainerr.ErrProductNotFound, productID)
	}
	copied := *product
	return &copied, nil
}

func (s *fakeProductStore) GetProducts(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	for _, product := range s.products {
		products = append(products, *product)
	}
	return products, nil
}

func (s *fakeProductStore) UpdateProductStock(ctx context.Context, productID string, stockQuantity int) error {
	product, ok := s.products[productID]
	if !ok {
		return fmt.Errorf("%w: %s", domainerr.ErrProductNotFound, productID)
	}
	product.StockQuantity = stockQuantity
	return nil
}

func (s *fakeProductStore) ReserveStockTx(ctx context.Context, productID, orderID string, quantity int) (*models.Product, error) {
	if s.reserveErr != nil {
		return nil, s.reserveErr
	}
	product, ok := s.products[productID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domainerr.ErrProductNotFound, productID)
	}
	if product.Available() < quantity {
		return nil, fmt.Errorf("%w: product %s has %d available, requested %d",
			domainerr.ErrInsufficientStock, productID, product.Available(), quantity)
	}
	product.ReservedQty += quantity
	product.Reservations = append(product.Reservations, models.Reservation{
		OrderID:    orderID,
		Quantity:   quantity,
		ReservedAt: time.Now().UTC(),
	})
	copied := *product
	return &copied, nil
}

func (s *fakeProductStore) ReleaseStockTx(ctx context.Context, productID, orderID string, fallbackQuantity int) (*models.Product, error) {
	product, ok := s.products[productID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domainerr.ErrProductNotFound, productID)
	}
	quantity := fallbackQuantity
	if reservation, ok := product.ReservationFor(orderID); ok {
		quantity = reservation.Quantity
	}
	product.ReservedQty -= quantity
	if product.ReservedQty < 0 {
		product.ReservedQty = 0
	}
	kept := product.Reservations[:0]
	for _, r := range product.Reservations {
		if r.OrderID != orderID {
			kept = append(kept, r)
		}
	}
	product.Reservations = kept
	copied := *product
	return &copied, nil
}

// fakeCache is an InventoryCache whose verdicts are scripted per product.
type fakeCache struct {
	// verdicts maps product ID to the reserved result; absent products
	// report cached=false.
	verdicts map[string]bool
	released []string
}

func (c *fakeCache) ReserveStock(ctx context.Context, productID, orderID string, quantity int) (bool, bool, error) {
	reserved, cached := c.verdicts[productID]
	return reserved, cached, nil
}

func (c *fakeCache) ReleaseStock(ctx context.Context, productID, orderID string, fallbackQuantity int) (int, bool, error) {
	c.released = append(c.released, productID)
	return fallbackQuantity, true, nil
}

func (c *fakeCache) InitInventory(ctx context.Context, productID string, stock, reserved int) error {
	return nil
}

func testProduct(id string, stock, reserved int) *models.Product {
	return &models.Product{
		ProductID:     id,
		SKU:           "SKU-" + id,
		Name:          "product " + id,
		Price:         9.99,
		StockQuantity: stock,
		ReservedQty:   reserved,
		IsActive:      true,
	}
}

func newTestInventoryService(cache InventoryCache) (*InventoryService, *fakeProductStore, *fakePublisher) {
	store := newFakeProductStore()
	publisher := &fakePublisher{}
	return NewInventoryService(store, cache, publisher, zap.NewNop()), store, publisher
}

func TestReserveInventory(t *testing.T) {
	svc, store, publisher := newTestInventoryService(nil)
	store.add(testProduct("p1", 10, 0))

	ok, err := svc.ReserveInventory(context.Background(), "p1", 3, "o1")
	require.NoError(t, err)
	assert.True(t, ok)

	product, _ := store.GetProduct(context.Background(), "p1")
	assert.Equal(t, 3, product.ReservedQty)
	assert.Equal(t, 7, product.Available())
	reservation, found := product.ReservationFor("o1")
	require.True(t, found)
	assert.Equal(t, 3, reservation.Quantity)
	assert.Equal(t, models.EventTypeInventoryReserved, publisher.lastType())
}

func TestReserveInventoryInsufficientStock(t *testing.T) {
	svc, store, publisher := newTestInventoryService(nil)
	store.add(testProduct("p1", 5, 3))

	ok, err := svc.ReserveInventory(context.Background(), "p1", 4, "o1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Counters untouched, no event published.
	product, _ := store.GetProduct(context.Background(), "p1")
	assert.Equal(t, 3, product.ReservedQty)
	assert.Empty(t, publisher.events)
}

func TestReserveInventoryInactiveProduct(t *testing.T) {
	svc, store, _ := newTestInventoryService(nil)
	product := testProduct("p1", 10, 0)
	product.IsActive = false
	store.add(product)

	_, err := svc.ReserveInventory(context.Background(), "p1", 1, "o1")
	assert.ErrorIs(t, err, domainerr.ErrProductInactive)
}

func TestReserveInventoryUnknownProduct(t *testing.T) {
	svc, _, _ := newTestInventoryService(nil)

	_, err := svc.ReserveInventory(context.Background(), "missing", 1, "o1")
	assert.ErrorIs(t, err, domainerr.ErrProductNotFound)
}

func TestReserveInventoryCacheGateRejects(t *testing.T) {
	cache := &fakeCache{verdicts: map[string]bool{"p1": false}}
	svc, store, _ := newTestInventoryService(cache)
	store.add(testProduct("p1", 10, 0))

	ok, err := svc.ReserveInventory(context.Background(), "p1", 2, "o1")
	require.NoError(t, err)
	assert.False(t, ok)

	// The database path is never reached.
	product, _ := store.GetProduct(context.Background(), "p1")
	assert.Equal(t, 0, product.ReservedQty)
}

func TestReserveInventoryReleasesCacheOnStaleGate(t *testing.T) {
	// The cache approves but the database has no stock left.
	cache := &fakeCache{verdicts: map[string]bool{"p1": true}}
	svc, store, _ := newTestInventoryService(cache)
	store.add(testProduct("p1", 2, 2))

	ok, err := svc.ReserveInventory(context.Background(), "p1", 1, "o1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{"p1"}, cache.released)
}

func TestReserveInventoryReleasesCacheOnStoreError(t *testing.T) {
	// The cache approves, then the database write fails outright; the
	// cached hold must not outlive the missing database reservation.
	cache := &fakeCache{verdicts: map[string]bool{"p1": true}}
	svc, store, _ := newTestInventoryService(cache)
	store.add(testProduct("p1", 10, 0))
	store.reserveErr = errors.New("connection reset")

	_, err := svc.ReserveInventory(context.Background(), "p1", 2, "o1")
	require.Error(t, err)
	assert.Equal(t, []string{"p1"}, cache.released)
}

func TestReleaseInventoryDerivesQuantityFromReservation(t *testing.T) {
	svc, store, publisher := newTestInventoryService(nil)
	store.add(testProduct("p1", 10, 0))

	_, err := svc.ReserveInventory(context.Background(), "p1", 4, "o1")
	require.NoError(t, err)

	// Caller passes a wrong quantity; the stored record wins.
	err = svc.ReleaseInventory(context.Background(), "p1", 1, "o1")
	require.NoError(t, err)

	product, _ := store.GetProduct(context.Background(), "p1")
	assert.Equal(t, 0, product.ReservedQty)
	_, found := product.ReservationFor("o1")
	assert.False(t, found)
	assert.Equal(t, models.EventTypeInventoryReleased, publisher.lastType())
}

func TestReleaseInventoryFloorsAtZero(t *testing.T) {
	svc, store, _ := newTestInventoryService(nil)
	store.add(testProduct("p1", 10, 1))

	// No reservation record for o9, fallback quantity exceeds reserved.
	err := svc.ReleaseInventory(context.Background(), "p1", 5, "o9")
	require.NoError(t, err)

	product, _ := store.GetProduct(context.Background(), "p1")
	assert.Equal(t, 0, product.ReservedQty)
}

func TestUpdateProductStockPublishesLowStock(t *testing.T) {
	svc, store, publisher := newTestInventoryService(nil)
	store.add(testProduct("p1", 100, 0))

	product, err := svc.UpdateProductStock(context.Background(), "p1", 8)
	require.NoError(t, err)
	assert.Equal(t, 8, product.StockQuantity)

	var types []string
	for _, e := range publisher.events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{models.EventTypeInventoryUpdated, models.EventTypeInventoryLow}, types)
}

func TestUpdateProductStockRejectsNegative(t *testing.T) {
	svc, store, _ := newTestInventoryService(nil)
	store.add(testProduct("p1", 100, 0))

	_, err := svc.UpdateProductStock(context.Background(), "p1", -1)
	assert.ErrorIs(t, err, domainerr.ErrValidation)
}

func TestCreateProductValidation(t *testing.T) {
	svc, _, _ := newTestInventoryService(nil)

	_, err := svc.CreateProduct(context.Background(), &models.Product{Name: "no sku"})
	assert.ErrorIs(t, err, domainerr.ErrValidation)

	_, err = svc.CreateProduct(context.Background(), &models.Product{SKU: "S", Name: "n", Price: -1})
	assert.ErrorIs(t, err, domainerr.ErrValidation)

	_, err = svc.CreateProduct(context.Background(), &models.Product{SKU: "S", Name: "n", StockQuantity: -1})
	assert.ErrorIs(t, err, domainerr.ErrValidation)
}

func orderCreatedEvent(t *testing.T, orderID string, items []models.OrderItem) *models.Event {
	t.Helper()
	event, err := models.NewEvent(models.EventTypeOrderCreated, "test", models.OrderEventData{
		OrderID:    orderID,
		CustomerID: "c1",
		Items:      items,
		Status:     models.OrderStatusPending,
	})
	require.NoError(t, err)
	return event
}

func TestProcessOrderCreated(t *testing.T) {
	svc, store, _ := newTestInventoryService(nil)
	store.add(testProduct("p1", 10, 0))
	store.add(testProduct("p2", 10, 0))

	event := orderCreatedEvent(t, "o1", []models.OrderItem{
		{ProductID: "p1", Quantity: 2, Price: 5},
		{ProductID: "p2", Quantity: 3, Price: 5},
	})

	require.NoError(t, svc.ProcessOrderCreated(context.Background(), event))

	p1, _ := store.GetProduct(context.Background(), "p1")
	p2, _ := store.GetProduct(context.Background(), "p2")
	assert.Equal(t, 2, p1.ReservedQty)
	assert.Equal(t, 3, p2.ReservedQty)
}

func TestProcessOrderCreatedCompensatesOnPartialFailure(t *testing.T) {
	svc, store, _ := newTestInventoryService(nil)
	store.add(testProduct("p1", 10, 0))
	store.add(testProduct("p2", 1, 1))

	event := orderCreatedEvent(t, "o1", []models.OrderItem{
		{ProductID: "p1", Quantity: 2, Price: 5},
		{ProductID: "p2", Quantity: 3, Price: 5},
	})

	err := svc.ProcessOrderCreated(context.Background(), event)
	assert.ErrorIs(t, err, domainerr.ErrInsufficientStock)

	// The p1 reservation made before the failure is rolled back.
	p1, _ := store.GetProduct(context.Background(), "p1")
	assert.Equal(t, 0, p1.ReservedQty)
	_, found := p1.ReservationFor("o1")
	assert.False(t, found)
}

func TestProcessOrderCreatedBadPayload(t *testing.T) {
	svc, _, _ := newTestInventoryService(nil)

	event, err := models.NewEvent(models.EventTypeOrderCreated, "test", map[string]interface{}{
		"items": "not a list",
	})
	require.NoError(t, err)

	err = svc.ProcessOrderCreated(context.Background(), event)
	assert.ErrorIs(t, err, domainerr.ErrValidation)
}

func TestProcessOrderCancelled(t *testing.T) {
	svc, store, _ := newTestInventoryService(nil)
	store.add(testProduct("p1", 10, 0))
	store.add(testProduct("p2", 10, 0))

	created := orderCreatedEvent(t, "o1", []models.OrderItem{
		{ProductID: "p1", Quantity: 2, Price: 5},
		{ProductID: "p2", Quantity: 3, Price: 5},
	})
	require.NoError(t, svc.ProcessOrderCreated(context.Background(), created))

	cancelled, err := models.NewEvent(models.EventTypeOrderCancelled, "test", models.OrderEventData{
		OrderID: "o1",
		Items: []models.OrderItem{
			{ProductID: "p1", Quantity: 2, Price: 5},
			{ProductID: "p2", Quantity: 3, Price: 5},
		},
	})
	require.NoError(t, err)
	require.NoError(t, svc.ProcessOrderCancelled(context.Background(), cancelled))

	p1, _ := store.GetProduct(context.Background(), "p1")
	p2, _ := store.GetProduct(context.Background(), "p2")
	assert.Equal(t, 0, p1.ReservedQty)
	assert.Equal(t, 0, p2.ReservedQty)
}

func TestProcessOrderCancelledBestEffort(t *testing.T) {
	svc, store, _ := newTestInventoryService(nil)
	store.add(testProduct("p2", 10, 3))

	// p1 does not exist; the p2 release still happens.
	event, err := models.NewEvent(models.EventTypeOrderCancelled, "test", models.OrderEventData{
		OrderID: "o1",
		Items: []models.OrderItem{
			{ProductID: "p1", Quantity: 2, Price: 5},
			{ProductID: "p2", Quantity: 3, Price: 5},
		},
	})
	require.NoError(t, err)
	require.NoError(t, svc.ProcessOrderCancelled(context.Background(), event))

	p2, _ := store.GetProduct(context.Background(), "p2")
	assert.Equal(t, 0, p2.ReservedQty)
}
