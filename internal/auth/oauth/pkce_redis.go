package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisVerifierStore keeps verifiers in Redis so any replica can complete
// a callback.
type RedisVerifierStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisVerifierStore returns a store using client. Keys are prefixed
// with "pkce:".
func NewRedisVerifierStore(client redis.UniversalClient) *RedisVerifierStore {
	return &RedisVerifierStore{client: client, prefix: "pkce:"}
}

// OpenRedis parses a redis:// URL and pings the server.
func OpenRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (s *RedisVerifierStore) key(state string) string {
	return s.prefix + state
}

func (s *RedisVerifierStore) Put(ctx context.Context, state, verifier string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(state), verifier, ttl).Err(); err != nil {
		return fmt.Errorf("redis set verifier: %w", err)
	}
	return nil
}

func (s *RedisVerifierStore) Take(ctx context.Context, state string) (string, error) {
	v, err := s.client.GetDel(ctx, s.key(state)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrVerifierNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis getdel verifier: %w", err)
	}
	return v, nil
}
