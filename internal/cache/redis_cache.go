package cache

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"kasirinaja/terminal/internal/store"
)

// RedisKV backs the snapshot cache with a Redis instance shared by the tills
// of one store. Entries expire after ttl so a dead terminal cannot pin a shift.
type RedisKV struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisKV(addr string, password string, db int, ttl time.Duration) *RedisKV {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisKV{client: client, ttl: ttl}
}

func (c *RedisKV) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisKV) Close() error {
	return c.client.Close()
}

func (c *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (c *RedisKV) Put(ctx context.Context, key string, value []byte) error {
	return c.client.Set(ctx, key, value, c.ttl).Err()
}

func (c *RedisKV) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}
