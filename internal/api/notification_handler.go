package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"order-processing/internal/domainerr"
	"order-processing/internal/service"
)

// NotificationHandler contains notification HTTP handlers
type NotificationHandler struct {
	notifications *service.NotificationService
}

// NewNotificationHandler creates a new notification handler
func NewNotificationHandler(notifications *service.NotificationService) *NotificationHandler {
	return &NotificationHandler{notifications: notifications}
}

// SetupRoutes sets up notification HTTP routes
func (h *NotificationHandler) SetupRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		v1.POST("/notifications", h.send)
		v1.GET("/notifications", h.list)
		v1.GET("/notifications/stats", h.stats)
		v1.GET("/notifications/:id", h.get)
		v1.POST("/notifications/:id/retry", h.retry)
	}
}

func (h *NotificationHandler) send(c *gin.Context) {
	var req service.SendNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("%w: %v", domainerr.ErrValidation, err))
		return
	}

	notification, err := h.notifications.SendNotification(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	respondOK(c, http.StatusCreated, notification)
}

func (h *NotificationHandler) get(c *gin.Context) {
	notification, err := h.notifications.GetNotification(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	respondOK(c, http.StatusOK, notification)
}

func (h *NotificationHandler) list(c *gin.Context) {
	recipientID := c.Query("recipient_id")
	if recipientID == "" {
		respondError(c, fmt.Errorf("%w: recipient_id query parameter is required", domainerr.ErrValidation))
		return
	}

	notifications, err := h.notifications.GetNotificationsByRecipient(c.Request.Context(), recipientID)
	if err != nil {
		respondError(c, err)
		return
	}

	respondOK(c, http.StatusOK, notifications)
}

func (h *NotificationHandler) retry(c *gin.Context) {
	notification, err := h.notifications.RetryNotification(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	respondOK(c, http.StatusOK, notification)
}

func (h *NotificationHandler) stats(c *gin.Context) {
	stats, err := h.notifications.GetStats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	respondOK(c, http.StatusOK, stats)
}
