package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"order-processing/config"
	"order-processing/internal/api"
	"order-processing/internal/broker"
	"order-processing/internal/redisclient"
	"order-processing/internal/service"
	"order-processing/internal/store"
	"order-processing/internal/util"
	"order-processing/internal/worker"
)

func main() {
	// The inventory queue binds to order events: reservations and
	// releases react to the order lifecycle.
	cfg := config.Load("inventory-service", "order.*")

	if err := util.InitLogger(cfg.Server.Name, cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting inventory service")

	tp, err := util.InitTracer("inventory-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	manager := broker.NewManager(cfg.Broker, logger)
	if err := manager.Connect(context.Background()); err != nil {
		log.Fatalf("Failed to connect to broker: %v", err)
	}
	defer manager.Close()
	log.Println("Broker connected")

	publisher := broker.NewPublisher(manager, "inventory-service", logger)
	inventoryService := service.NewInventoryService(db, redisClient, publisher, logger)

	if err := inventoryService.SyncInventoryToCache(context.Background()); err != nil {
		log.Printf("Failed to sync inventory cache: %v", err)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	inventoryWorker := worker.NewInventoryWorker(manager, redisClient, db, inventoryService, logger)
	go func() {
		if err := inventoryWorker.Start(workerCtx); err != nil && err != context.Canceled {
			log.Printf("Inventory worker error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	api.SetupBase(router,
		func(*gin.Context) bool { return manager.IsConnected() },
		func(c *gin.Context) bool { return db.Ping(c.Request.Context()) == nil })
	api.NewInventoryHandler(inventoryService).SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()

	log.Println("Server exited")
}
