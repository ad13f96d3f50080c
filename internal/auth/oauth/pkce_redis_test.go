//go:build redis

package oauth

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func redisURL(t *testing.T) string {
	t.Helper()
	if u := os.Getenv("REDIS_URL"); u != "" {
		return u
	}
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "docker.io/redis:7-alpine")
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	u, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("redis connection string: %v", err)
	}
	return u
}

func TestRedisVerifierStore(t *testing.T) {
	ctx := context.Background()
	client, err := OpenRedis(ctx, redisURL(t))
	if err != nil {
		t.Fatalf("OpenRedis() error: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	s := NewRedisVerifierStore(client)
	if err := s.Put(ctx, "state-1", "verifier-1", time.Minute); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	ttl, err := client.TTL(ctx, "pkce:state-1").Result()
	if err != nil || ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL = %v, %v", ttl, err)
	}

	v, err := s.Take(ctx, "state-1")
	if err != nil || v != "verifier-1" {
		t.Fatalf("Take() = %q, %v", v, err)
	}
	if _, err := s.Take(ctx, "state-1"); !errors.Is(err, ErrVerifierNotFound) {
		t.Errorf("second Take() error = %v, want ErrVerifierNotFound", err)
	}
}
