package settings

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"clubpass-bot/internal/models"
)

const redisKey = "clubpass:settings"

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context) (models.Settings, bool, error) {
	raw, err := c.rdb.Get(ctx, redisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Settings{}, false, nil
	}
	if err != nil {
		return models.Settings{}, false, err
	}
	var s models.Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		return models.Settings{}, false, err
	}
	return s, true, nil
}

func (c *RedisCache) Set(ctx context.Context, s models.Settings) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, redisKey, raw, c.ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context) error {
	return c.rdb.Del(ctx, redisKey).Err()
}
