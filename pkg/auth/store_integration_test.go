//go:build integration

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: endpoint,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestRedisStore_Integration_SaveLoad(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	store := NewRedisStore(redisClient, "")
	ctx := context.Background()

	// Empty store reports no token.
	if _, err := store.Load(ctx); err != ErrNoToken {
		t.Fatalf("Load() on empty store error = %v, want ErrNoToken", err)
	}

	saved := &Token{
		AccessToken: "redis-token",
		TokenType:   "Bearer",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := store.Save(ctx, saved); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.AccessToken != saved.AccessToken {
		t.Errorf("AccessToken = %q, want %q", loaded.AccessToken, saved.AccessToken)
	}
}

func TestRedisStore_Integration_TTLTracksExpiry(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	store := NewRedisStore(redisClient, "fhir:auth:token:ttl-test")
	ctx := context.Background()

	tok := &Token{
		AccessToken: "short-lived",
		TokenType:   "Bearer",
		ExpiresAt:   time.Now().Add(2 * time.Second),
	}
	if err := store.Save(ctx, tok); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	ttl := redisClient.TTL(ctx, "fhir:auth:token:ttl-test").Val()
	if ttl <= 0 || ttl > 2*time.Second {
		t.Errorf("TTL = %v, want within (0, 2s]", ttl)
	}

	// An already-expired token must not be written.
	expired := &Token{AccessToken: "stale", ExpiresAt: time.Now().Add(-time.Minute)}
	if err := store.Save(ctx, expired); err != nil {
		t.Fatalf("Save() of expired token error = %v", err)
	}
	if loaded, err := store.Load(ctx); err == nil && loaded.AccessToken == "stale" {
		t.Error("expired token must not be persisted")
	}
}
