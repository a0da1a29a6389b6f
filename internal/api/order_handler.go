package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"order-processing/internal/domainerr"
	"order-processing/internal/models"
	"order-processing/internal/service"
)

// OrderHandler contains order HTTP handlers
type OrderHandler struct {
	orders *service.OrderService
}

// NewOrderHandler creates a new order handler
func NewOrderHandler(orders *service.OrderService) *OrderHandler {
	return &OrderHandler{orders: orders}
}

// SetupRoutes sets up order HTTP routes
func (h *OrderHandler) SetupRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders", h.listOrders)
		v1.GET("/orders/:id", h.getOrder)
		v1.PUT("/orders/:id/status", h.updateStatus)
		v1.POST("/orders/:id/cancel", h.cancelOrder)
	}
}

type createOrderRequest struct {
	CustomerID string                 `json:"customer_id" binding:"required"`
	Items      []models.OrderItem     `json:"items" binding:"required"`
	Metadata   map[string]interface{} `json:"metadata"`
}

func (h *OrderHandler) createOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("%w: %v", domainerr.ErrValidation, err))
		return
	}

	order, err := h.orders.CreateOrder(c.Request.Context(), req.CustomerID, req.Items, req.Metadata)
	if err != nil {
		respondError(c, err)
		return
	}

	respondOK(c, http.StatusCreated, order)
}

func (h *OrderHandler) getOrder(c *gin.Context) {
	order, err := h.orders.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	respondOK(c, http.StatusOK, order)
}

type updateStatusRequest struct {
	Status   string                 `json:"status" binding:"required"`
	Metadata map[string]interface{} `json:"metadata"`
}

func (h *OrderHandler) updateStatus(c *gin.Context) {
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("%w: %v", domainerr.ErrValidation, err))
		return
	}

	order, err := h.orders.UpdateOrderStatus(c.Request.Context(), c.Param("id"), req.Status, req.Metadata)
	if err != nil {
		respondError(c, err)
		return
	}

	respondOK(c, http.StatusOK, order)
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

func (h *OrderHandler) cancelOrder(c *gin.Context) {
	var req cancelOrderRequest
	_ = c.ShouldBindJSON(&req)

	order, err := h.orders.CancelOrder(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	respondOK(c, http.StatusOK, order)
}

func (h *OrderHandler) listOrders(c *gin.Context) {
	ctx := c.Request.Context()

	if customerID := c.Query("customer_id"); customerID != "" {
		orders, err := h.orders.GetOrdersByCustomer(ctx, customerID)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, http.StatusOK, orders)
		return
	}

	if status := c.Query("status"); status != "" {
		orders, err := h.orders.GetOrdersByStatus(ctx, status)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, http.StatusOK, orders)
		return
	}

	respondError(c, fmt.Errorf("%w: customer_id or status query parameter is required", domainerr.ErrValidation))
}
