package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"conveyor/internal/config"
)

// redisBackend adapts a go-redis client to the Backend interface.
type redisBackend struct {
	client *redis.Client
}

func newRedisBackend(cfg config.Cache) *redisBackend {
	return &redisBackend{
		client: redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			DB:           cfg.RedisDB,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  2 * time.Second,
			WriteTimeout: 2 * time.Second,
			MaxRetries:   0,
		}),
	}
}

func (b *redisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (b *redisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl).Err()
}

func (b *redisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *redisBackend) Close() error {
	return b.client.Close()
}
