package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderTransitionTable(t *testing.T) {
	valid := [][2]string{
		{OrderStatusPending, OrderStatusConfirmed},
		{OrderStatusPending, OrderStatusCancelled},
		{OrderStatusConfirmed, OrderStatusProcessing},
		{OrderStatusConfirmed, OrderStatusCancelled},
		{OrderStatusProcessing, OrderStatusShipped},
		{OrderStatusProcessing, OrderStatusCancelled},
		{OrderStatusShipped, OrderStatusDelivered},
	}
	for _, tc := range valid {
		assert.True(t, CanTransition(tc[0], tc[1]), "%ss -> %s should be allowed", tc[0], tc[1])
	}

	invalid := [][2]string{
		{OrderStatusPending, OrderStatusDelivered},
		{OrderStatusPending, OrderStatusShipped},
		{OrderStatusConfirmed, OrderStatusShipped},
		{OrderStatusShipped, OrderStatusCancelled},
		{OrderStatusDelivered, OrderStatusPending},
		{OrderStatusCancelled, OrderStatusPending},
		{OrderStatusDelivered, OrderStatusCancelled},
	}
	for _, tc := range invalid {
		assert.False(t, CanTransition(tc[0], tc[1]), "%s -> %s should be rejected", tc[0], tc[1])
	}
}

func TestIsCancellable(t *testing.T) {
	assert.True(t, IsCancellable(OrderStatusPending))
	assert.True(t, IsCancellable(OrderStatusConfirmed))
	assert.True(t, IsCancellable(OrderStatusProcessing))
	assert.False(t, IsCancellable(OrderStatusShipped))
	assert.False(t, IsCancellable(OrderStatusDelivered))
	assert.False(t, IsCancellable(OrderStatusCancelled))
}

func TestComputeTotal(t *testing.T) {
	items := []OrderItem{
		{ProductID: "p1", Price: 50, Quantity: 2},
		{ProductID: "p2", Price: 100, Quantity: 1},
	}

	assert.Equal(t, 200.0, ComputeTotal(items))
	assert.True(t, TotalMatches(200.0, items))
	assert.True(t, TotalMatches(200.005, items))
	assert.False(t, TotalMatches(200.02, items))
}

func TestProductAvailable(t *testing.T) {
	product := &Product{StockQuantity: 10, ReservedQty: 3}
	assert.Equal(t, 7, product.Available())

	// Derived availability floors at zero even if counters drift.
	product.ReservedQty = 12
	assert.Equal(t, 0, product.Available())
}

func TestReservationFor(t *testing.T) {
	product := &Product{
		Reservations: []Reservation{
			{OrderID: "o1", Quantity: 2},
			{OrderID: "o2", Quantity: 5},
		},
	}

	reservation, ok := product.ReservationFor("o2")
	assert.True(t, ok)
	assert.Equal(t, 5, reservation.Quantity)

	_, ok = product.ReservationFor("o3")
	assert.False(t, ok)
}
