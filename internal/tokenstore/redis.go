package tokenstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps credentials under a single key so several headless
// processes can share one dashboard session.
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

// Compile-time check to ensure RedisStore implements TokenStore
var _ TokenStore = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore using an existing client.
func NewRedisStore(client redis.UniversalClient, key string) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if key == "" {
		return nil, fmt.Errorf("key cannot be empty")
	}

	return &RedisStore{
		client: client,
		key:    key,
	}, nil
}

// Read returns the credentials stored under the configured key.
func (r *RedisStore) Read(ctx context.Context) (Credentials, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Credentials{}, ErrNoCredentials
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("reading %s: %w", r.key, err)
	}
	return unmarshalCredentials(data)
}

// Write stores the credentials without expiry; the server decides token lifetime.
func (r *RedisStore) Write(ctx context.Context, creds Credentials) error {
	data, err := marshalCredentials(creds)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("writing %s: %w", r.key, err)
	}
	return nil
}

// Clear deletes the key.
func (r *RedisStore) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("deleting %s: %w", r.key, err)
	}
	return nil
}
