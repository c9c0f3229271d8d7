package tokenstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the refresh token in Redis so several daemons can share one sign-in.
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

// Compile-time check to ensure RedisStore implements TokenStore
var _ TokenStore = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore that stores the token under prefix+Key.
func NewRedisStore(client redis.UniversalClient, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}

	return &RedisStore{
		client: client,
		key:    prefix + Key,
	}, nil
}

// Read returns the token stored in Redis. Returns ErrNotFound if the key is missing or empty.
func (r *RedisStore) Read(ctx context.Context) (string, error) {
	token, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) || (err == nil && token == "") {
		return "", fmt.Errorf("redis key %s: %w", r.key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("reading redis key %s: %w", r.key, err)
	}
	return token, nil
}

// Write stores the token without expiry. The remote API owns refresh-token lifetime.
func (r *RedisStore) Write(ctx context.Context, token string) error {
	if err := r.client.Set(ctx, r.key, token, 0).Err(); err != nil {
		return fmt.Errorf("writing redis key %s: %w", r.key, err)
	}
	return nil
}

// Clear deletes the key. Deleting a missing key is not an error.
func (r *RedisStore) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("deleting redis key %s: %w", r.key, err)
	}
	return nil
}
