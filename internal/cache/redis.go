package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/backstage/services/production/config"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// RedisCache provides read-side caching using Redis
type RedisCache struct {
	client  *redis.Client
	enabled bool
}

// NewRedisCache creates a new Redis cache
func NewRedisCache(cfg config.RedisConfig) (*RedisCache, error) {
	if !cfg.Enabled {
		return &RedisCache{enabled: false}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return &RedisCache{
		client:  client,
		enabled: true,
	}, nil
}

// Get retrieves a value from cache
func (c *RedisCache) Get(ctx context.Context, key string, value interface{}) error {
	if !c.enabled {
		return errors.New("cache is disabled")
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return errors.Wrap(err, "key not found in cache")
		}
		return errors.Wrap(err, "failed to get value from Redis")
	}

	if err := json.Unmarshal(data, value); err != nil {
		return errors.Wrap(err, "failed to unmarshal cached value")
	}
	return nil
}

// Set stores a value in cache with optional expiration
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if !c.enabled {
		return errors.New("cache is disabled")
	}

	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "failed to marshal value for caching")
	}

	if err := c.client.Set(ctx, key, data, expiration).Err(); err != nil {
		return errors.Wrap(err, "failed to set value in Redis")
	}
	return nil
}

// Delete removes a key from cache
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if !c.enabled {
		return nil
	}
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return errors.Wrap(err, "failed to delete value from Redis")
	}
	return nil
}

// OrderCacheKey generates a cache key for a production order snapshot
func OrderCacheKey(id uuid.UUID) string {
	return fmt.Sprintf("order:%s", id.String())
}

// DefectTypesCacheKey is the key holding the active defect type catalog
func DefectTypesCacheKey() string {
	return "defect-types:active"
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	if !c.enabled || c.client == nil {
		return nil
	}

	return c.client.Close()
}
