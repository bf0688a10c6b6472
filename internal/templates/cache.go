package templates

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"artmarket-notifier/internal/models"

	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "email_template:"

// Cache keeps active templates in Redis. A nil *Cache is a valid, always-missing cache.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if client == nil {
		return nil
	}
	return &Cache{client: client, ttl: ttl}
}

func cacheKey(code string) string {
	return cacheKeyPrefix + code
}

// Get returns (nil, nil) on a miss.
func (c *Cache) Get(ctx context.Context, code string) (*models.Template, error) {
	if c == nil {
		return nil, nil
	}
	val, err := c.client.Get(ctx, cacheKey(code)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var t models.Template
	if err := json.Unmarshal([]byte(val), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Cache) Set(ctx context.Context, t *models.Template) error {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKey(t.Code), data, c.ttl).Err()
}

func (c *Cache) Invalidate(ctx context.Context, code string) error {
	if c == nil {
		return nil
	}
	return c.client.Del(ctx, cacheKey(code)).Err()
}
