package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const tokenPrefix = "provider:token:"

// TokenCache shares vendor access tokens between worker processes so that each
// process does not authenticate separately.
type TokenCache struct {
	client *redis.Client
}

func NewTokenCache(client *redis.Client) *TokenCache {
	return &TokenCache{client: client}
}

// Get returns "" with no error on a miss. A hit comes with the entry's remaining ttl.
func (c *TokenCache) Get(ctx context.Context, provider string) (string, time.Duration, error) {
	key := tokenPrefix + provider
	pipe := c.client.Pipeline()
	get := pipe.Get(ctx, key)
	pttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return "", 0, fmt.Errorf("read cached token: %w", err)
	}

	token, err := get.Result()
	if errors.Is(err, redis.Nil) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("read cached token: %w", err)
	}
	// -1 (no expiry) and -2 (gone since GET) are both unusable.
	ttl := pttl.Val()
	if ttl <= 0 {
		return "", 0, nil
	}
	return token, ttl, nil
}

func (c *TokenCache) Set(ctx context.Context, provider, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := c.client.Set(ctx, tokenPrefix+provider, token, ttl).Err(); err != nil {
		return fmt.Errorf("cache token: %w", err)
	}
	return nil
}

func (c *TokenCache) Delete(ctx context.Context, provider string) error {
	return c.client.Del(ctx, tokenPrefix+provider).Err()
}
