package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chainsyncstore/chainsync-edge/internal/domain"
)

// RedisProductCache keys barcode lookups per store. Misses and Redis errors
// both fall through to the local store, so failures here only cost latency.
type RedisProductCache struct {
	client *redis.Client
}

func NewRedisProductCache(ctx context.Context, addr, password string, db int) (*RedisProductCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &RedisProductCache{client: client}, nil
}

func (c *RedisProductCache) key(storeID, barcode string) string {
	return "edge:barcode:" + storeID + ":" + barcode
}

func (c *RedisProductCache) Get(ctx context.Context, storeID, barcode string) (*domain.Product, bool) {
	raw, err := c.client.Get(ctx, c.key(storeID, barcode)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("[cache] redis get failed: %v", err)
		}
		return nil, false
	}

	var product domain.Product
	if err := json.Unmarshal(raw, &product); err != nil {
		log.Printf("[cache] corrupt barcode entry, dropping: %v", err)
		c.client.Del(ctx, c.key(storeID, barcode))
		return nil, false
	}
	return &product, true
}

func (c *RedisProductCache) Set(ctx context.Context, storeID, barcode string, product domain.Product, ttl time.Duration) {
	raw, err := json.Marshal(product)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(storeID, barcode), raw, ttl).Err(); err != nil {
		log.Printf("[cache] redis set failed: %v", err)
	}
}

// Invalidate drops every barcode entry for the store. Called after a catalog
// refresh replaces the product mirror.
func (c *RedisProductCache) Invalidate(ctx context.Context, storeID string) {
	var cursor uint64
	pattern := "edge:barcode:" + storeID + ":*"
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			log.Printf("[cache] redis scan failed: %v", err)
			return
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				log.Printf("[cache] redis del failed: %v", err)
				return
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

func (c *RedisProductCache) Close() error {
	return c.client.Close()
}
