package idemcache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"rutapos/core/internal/domain"
)

type RedisResultCache struct {
	client *redis.Client
}

func NewRedisResultCache(addr string, password string, db int) *RedisResultCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisResultCache{client: client}
}

func (c *RedisResultCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisResultCache) Close() error {
	return c.client.Close()
}

func (c *RedisResultCache) Get(ctx context.Context, actionID string) (*domain.SubmitResponse, bool, error) {
	val, err := c.client.Get(ctx, key(actionID)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var resp domain.SubmitResponse
	if err := json.Unmarshal([]byte(val), &resp); err != nil {
		return nil, false, err
	}
	return &resp, true, nil
}

func (c *RedisResultCache) Set(ctx context.Context, actionID string, resp *domain.SubmitResponse, ttl time.Duration) error {
	if resp == nil {
		return nil
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key(actionID), payload, ttl).Err()
}

func key(actionID string) string {
	return "action-result:" + actionID
}
