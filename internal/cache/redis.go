// Package cache keeps candidate-safe exam summaries in Redis, keyed by access code.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/pavelanni/examlink/internal/model"
)

const (
	keyPrefix  = "examlink:exam:"
	DefaultTTL = 5 * time.Minute
)

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to addr and checks the connection.
func NewRedisCache(ctx context.Context, addr string, ttl time.Duration) (*RedisCache, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return &RedisCache{client: client, ttl: ttl}, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func summaryKey(accessCode string) string {
	return keyPrefix + accessCode
}

// GetSummary returns the cached summary, or nil on a miss.
func (c *RedisCache) GetSummary(ctx context.Context, accessCode string) (*model.ExamSummary, error) {
	data, err := c.client.Get(ctx, summaryKey(accessCode)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s model.ExamSummary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode cached summary: %w", err)
	}
	return &s, nil
}

func (c *RedisCache) SetSummary(ctx context.Context, accessCode string, s model.ExamSummary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, summaryKey(accessCode), data, c.ttl).Err()
}

func (c *RedisCache) Invalidate(ctx context.Context, accessCode string) error {
	return c.client.Del(ctx, summaryKey(accessCode)).Err()
}
