package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/reserve_stock.lua
var reserveStockScript string

//go:embed scripts/release_stock.lua
var releaseStockScript string

// NotCached is returned by the Lua scripts when a product has no cached
// inventory; callers fall back to the database path.
const NotCached = -1

type Client struct {
	rdb           *redis.Client
	reserveScript *redis.Script
	releaseScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		reserveScript: redis.NewScript(reserveStockScript),
		releaseScript: redis.NewScript(releaseStockScript),
	}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func inventoryKey(productID string) string {
	return fmt.Sprintf("inventory:%s", productID)
}

func reservationsKey(productID string) string {
	return fmt.Sprintf("reservations:%s", productID)
}

// ReserveStock atomically reserves stock for an order via Lua script.
// cached=false means the product has no cached inventory and the caller
// must fall back to the database path.
func (c *Client) ReserveStock(ctx context.Context, productID, orderID string, quantity int) (reserved, cached bool, err error) {
	result, err := c.reserveScript.Run(ctx, c.rdb,
		[]string{inventoryKey(productID), reservationsKey(productID)},
		quantity, orderID).Result()
	if err != nil {
		return false, false, fmt.Errorf("reserve stock script failed: %w", err)
	}

	code, ok := result.(int64)
	if !ok {
		return false, false, fmt.Errorf("unexpected script result type %T", result)
	}

	if code == NotCached {
		return false, false, nil
	}
	return code == 1, true, nil
}

// ReleaseStock atomically releases an order's reservation via Lua script.
// The released quantity comes from the stored reservation record;
// fallbackQuantity applies only when no record exists. Returns the
// quantity released and whether the product was cached.
func (c *Client) ReleaseStock(ctx context.Context, productID, orderID string, fallbackQuantity int) (released int, cached bool, err error) {
	result, err := c.releaseScript.Run(ctx, c.rdb,
		[]string{inventoryKey(productID), reservationsKey(productID)},
		orderID, fallbackQuantity).Result()
	if err != nil {
		return 0, false, fmt.Errorf("release stock script failed: %w", err)
	}

	quantity, ok := result.(int64)
	if !ok {
		return 0, false, fmt.Errorf("unexpected script result type %T", result)
	}

	if quantity == NotCached {
		return 0, false, nil
	}
	return int(quantity), true, nil
}

// InitInventory seeds the cached counters for a product.
func (c *Client) InitInventory(ctx context.Context, productID string, stock, reserved int) error {
	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, inventoryKey(productID), "stock", stock)
	pipe.HSet(ctx, inventoryKey(productID), "reserved", reserved)

	_, err := pipe.Exec(ctx)
	return err
}

// MarkEventProcessed records an event id for idempotent consumption.
// Returns false when the event was already processed.
func (c *Client) MarkEventProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("processed:%s", eventID), "1", ttl).Result()
}

// Ping probes the Redis connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
