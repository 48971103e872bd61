package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"rss-digest/internal/domain"
)

// RedisCache реализует domain.Cache через Redis.
// Нужен, когда несколько экземпляров сервиса делят один каталог данных.
type RedisCache struct {
	client *redis.Client
	prefix string
}

var _ domain.Cache = (*RedisCache)(nil)

// NewRedis создаёт кэш. prefix добавляется ко всем ключам.
func NewRedis(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

// Once выполняет функцию, если ключ ещё не задан.
// При ошибке fn ключ снимается, чтобы следующая попытка прошла.
func (c *RedisCache) Once(key string, ttl time.Duration, fn func() error) error {
	ctx := context.Background()
	ok, err := c.client.SetNX(ctx, c.prefix+key, "1", ttl).Result()
	if err != nil {
		return fmt.Errorf("cache: setnx: %w", err)
	}
	if !ok {
		return nil
	}
	if err := fn(); err != nil {
		_ = c.client.Del(ctx, c.prefix+key).Err()
		return err
	}
	return nil
}

// Ping проверяет соединение.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
