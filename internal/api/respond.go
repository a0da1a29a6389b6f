package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"order-processing/internal/domainerr"
	"order-processing/internal/util"
)

// Response is the standard envelope for every JSON response.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func respondOK(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Response{Success: true, Data: data})
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case domainerr.IsValidation(err):
		status = http.StatusBadRequest
	case domainerr.IsNotFound(err):
		status = http.StatusNotFound
	}

	c.JSON(status, Response{
		Success: false,
		Error:   domainerr.Code(err),
		Message: err.Error(),
	})
}

// HealthChecker reports connectivity of a service dependency.
type HealthChecker func(ctx *gin.Context) bool

// SetupBase wires the middleware, health and metrics endpoints shared by
// every service binary.
func SetupBase(router *gin.Engine, brokerUp, storeUp HealthChecker) {
	started := time.Now()

	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "healthy",
			"uptime":   time.Since(started).Seconds(),
			"broker":   brokerUp(c),
			"database": storeUp(c),
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
