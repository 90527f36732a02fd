package dedupe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisGuard implements Guard with SET NX and a TTL.
type RedisGuard struct {
	client *redis.Client
	prefix string
}

// NewRedisGuard connects to redisURL and checks the connection.
func NewRedisGuard(redisURL string) (*RedisGuard, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisGuardWithClient(client), nil
}

// NewRedisGuardWithClient creates a guard from an existing client.
func NewRedisGuardWithClient(client *redis.Client) *RedisGuard {
	return &RedisGuard{client: client, prefix: "helpdesk:dedupe:"}
}

func (g *RedisGuard) key(k string) string {
	return g.prefix + k
}

func (g *RedisGuard) Claim(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return ok, nil
}

func (g *RedisGuard) Lookup(ctx context.Context, key string) (string, bool, error) {
	value, err := g.client.Get(ctx, g.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup %s: %w", key, err)
	}
	return value, true, nil
}

func (g *RedisGuard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, g.key(key)).Err(); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

// Ping checks if Redis is reachable.
func (g *RedisGuard) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (g *RedisGuard) Close() error {
	return g.client.Close()
}
