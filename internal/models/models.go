package models

import (
	"math"
	"time"
)

// Order statuses
const (
	OrderStatusPending    = "pending"
	OrderStatusConfirmed  = "confirmed"
	OrderStatusProcessing = "processing"
	OrderStatusShipped    = "shipped"
	OrderStatusDelivered  = "delivered"
	OrderStatusCancelled  = "cancelled"
)

// orderTransitions is the allowed status transition table. Delivered and
// cancelled are terminal.
var orderTransitions = map[string][]string{
	OrderStatusPending:    {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed:  {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:    {OrderStatusDelivered},
	OrderStatusDelivered:  {},
	OrderStatusCancelled:  {},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to string) bool {
	for _, allowed := range orderTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsCancellable reports whether an order in the given status may still be
// cancelled. Shipped and delivered orders cannot.
func IsCancellable(status string) bool {
	switch status {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusProcessing:
		return true
	}
	return false
}

// Order represents a customer order
type Order struct {
	OrderID    string                 `db:"order_id" json:"order_id"`
	CustomerID string                 `db:"customer_id" json:"customer_id"`
	Items      []OrderItem            `json:"items"`
	Total      float64                `db:"total" json:"total"`
	Status     string                 `db:"status" json:"status"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt  time.Time              `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time              `db:"updated_at" json:"updated_at"`
}

// OrderItem represents a line item in an order
type OrderItem struct {
	ProductID string  `db:"product_id" json:"product_id"`
	Name      string  `db:"name" json:"name"`
	Quantity  int     `db:"quantity" json:"quantity"`
	Price     float64 `db:"price" json:"price"`
}

// ComputeTotal returns the sum of price*quantity across items.
func ComputeTotal(items []OrderItem) float64 {
	var total float64
	for _, item := range items {
		total += item.Price * float64(item.Quantity)
	}
	return total
}

// TotalMatches checks a stored total against the recomputed one within
// a 0.01 tolerance.
func TotalMatches(total float64, items []OrderItem) bool {
	return math.Abs(total-ComputeTotal(items)) < 0.01
}

// Reservation is a hold against available stock tied to one order.
type Reservation struct {
	OrderID    string    `json:"order_id"`
	Quantity   int       `json:"quantity"`
	ReservedAt time.Time `json:"reserved_at"`
}

// Product represents a catalog product with its stock counters.
// Available quantity is derived, never stored: use Available().
type Product struct {
	ProductID     string        `db:"product_id" json:"product_id"`
	SKU           string        `db:"sku" json:"sku"`
	Name          string        `db:"name" json:"name"`
	Price         float64       `db:"price" json:"price"`
	StockQuantity int           `db:"stock_quantity" json:"stock_quantity"`
	ReservedQty   int           `db:"reserved_quantity" json:"reserved_quantity"`
	Category      string        `db:"category" json:"category"`
	IsActive      bool          `db:"is_active" json:"is_active"`
	Reservations  []Reservation `json:"reservations,omitempty"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at" json:"updated_at"`
}

// Available returns the derived available quantity, floored at zero.
func (p *Product) Available() int {
	available := p.StockQuantity - p.ReservedQty
	if available < 0 {
		return 0
	}
	return available
}

// ReservationFor returns the reservation for the given order, if any.
func (p *Product) ReservationFor(orderID string) (Reservation, bool) {
	for _, r := range p.Reservations {
		if r.OrderID == orderID {
			return r, true
		}
	}
	return Reservation{}, false
}

// LowStockThreshold triggers inventory.low events when available stock
// drops to or below it.
const LowStockThreshold = 10

// Notification statuses
const (
	NotificationStatusPending = "pending"
	NotificationStatusSent    = "sent"
	NotificationStatusFailed  = "failed"
)

// Notification channels
const (
	NotificationTypeEmail = "email"
	NotificationTypeSMS   = "sms"
	NotificationTypePush  = "push"
)

// MaxNotificationAttempts caps failed-notification retries.
const MaxNotificationAttempts = 3

// Notification represents a delivery record for one recipient.
type Notification struct {
	NotificationID string                 `db:"notification_id" json:"notification_id"`
	RecipientID    string                 `db:"recipient_id" json:"recipient_id"`
	Type           string                 `db:"type" json:"type"`
	Template       string                 `db:"template" json:"template"`
	Content        map[string]interface{} `json:"content,omitempty"`
	Status         string                 `db:"status" json:"status"`
	Attempts       int                    `db:"attempts" json:"attempts"`
	SentAt         *time.Time             `db:"sent_at" json:"sent_at,omitempty"`
	FailedAt       *time.Time             `db:"failed_at" json:"failed_at,omitempty"`
	ErrorMessage   string                 `db:"error_message" json:"error_message,omitempty"`
	CreatedAt      time.Time              `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time              `db:"updated_at" json:"updated_at"`
}

// NotificationStats aggregates notification counts by status.
type NotificationStats struct {
	Total   int `db:"total" json:"total"`
	Pending int `db:"pending" json:"pending"`
	Sent    int `db:"sent" json:"sent"`
	Failed  int `db:"failed" json:"failed"`
}
