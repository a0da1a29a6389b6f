package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"order-processing/internal/domainerr"
	"order-processing/internal/models"
	"order-processing/internal/service"
)

// InventoryHandler contains product and inventory HTTP handlers
type InventoryHandler struct {
	inventory *service.InventoryService
}

// NewInventoryHandler creates a new inventory handler
func NewInventoryHandler(inventory *service.InventoryService) *InventoryHandler {
	return &InventoryHandler{inventory: inventory}
}

// SetupRoutes sets up inventory HTTP routes
func (h *InventoryHandler) SetupRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		v1.POST("/products", h.createProduct)
		v1.GET("/products/:id", h.getProduct)
		v1.PUT("/products/:id/stock", h.updateStock)
		v1.POST("/products/:id/reserve", h.reserve)
		v1.POST("/products/:id/release", h.release)
	}
}

type createProductRequest struct {
	SKU           string  `json:"sku" binding:"required"`
	Name          string  `json:"name" binding:"required"`
	Price         float64 `json:"price"`
	StockQuantity int     `json:"stock_quantity"`
	Category      string  `json:"category"`
}

func (h *InventoryHandler) createProduct(c *gin.Context) {
	var req createProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("%w: %v", domainerr.ErrValidation, err))
		return
	}

	product, err := h.inventory.CreateProduct(c.Request.Context(), &models.Product{
		SKU:           req.SKU,
		Name:          req.Name,
		Price:         req.Price,
		StockQuantity: req.StockQuantity,
		Category:      req.Category,
		IsActive:      true,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	respondOK(c, http.StatusCreated, product)
}

func (h *InventoryHandler) getProduct(c *gin.Context) {
	product, err := h.inventory.GetProduct(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	respondOK(c, http.StatusOK, gin.H{
		"product":            product,
		"available_quantity": product.Available(),
	})
}

type updateStockRequest struct {
	StockQuantity *int `json:"stock_quantity" binding:"required"`
}

func (h *InventoryHandler) updateStock(c *gin.Context) {
	var req updateStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("%w: %v", domainerr.ErrValidation, err))
		return
	}

	product, err := h.inventory.UpdateProductStock(c.Request.Context(), c.Param("id"), *req.StockQuantity)
	if err != nil {
		respondError(c, err)
		return
	}

	respondOK(c, http.StatusOK, product)
}

type reservationRequest struct {
	OrderID  string `json:"order_id" binding:"required"`
	Quantity int    `json:"quantity" binding:"required,min=1"`
}

func (h *InventoryHandler) reserve(c *gin.Context) {
	var req reservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("%w: %v", domainerr.ErrValidation, err))
		return
	}

	reserved, err := h.inventory.ReserveInventory(c.Request.Context(), c.Param("id"), req.Quantity, req.OrderID)
	if err != nil {
		respondError(c, err)
		return
	}

	respondOK(c, http.StatusOK, gin.H{"reserved": reserved})
}

func (h *InventoryHandler) release(c *gin.Context) {
	var req reservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("%w: %v", domainerr.ErrValidation, err))
		return
	}

	if err := h.inventory.ReleaseInventory(c.Request.Context(), c.Param("id"), req.Quantity, req.OrderID); err != nil {
		respondError(c, err)
		return
	}

	respondOK(c, http.StatusOK, gin.H{"released": true})
}
