package cache

import (
	"context"
	"fmt"
	"os/exec"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

// checkDockerAvailable checks if Docker is available and running
func checkDockerAvailable() bool {
	cmd := exec.Command("docker", "info")
	return cmd.Run() == nil
}

func setupRedis(t *testing.T) (*redis.Client, func()) {
	if !checkDockerAvailable() {
		t.Skip("Docker is not available, skipping integration test")
	}
	ctx := context.Background()

	container, err := tcredis.Run(ctx,
		"docker.io/redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("* Ready to accept connections").
				WithOccurrence(1).
				WithStartupTimeout(time.Minute),
		),
	)
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	client, err := NewRedisClient(ctx, Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	require.NoError(t, err)

	return client, func() {
		_ = client.Close()
		_ = container.Terminate(ctx)
	}
}

// exerciseCache runs the behaviour every Cache implementation shares.
func exerciseCache(t *testing.T, c Cache) {
	ctx := context.Background()
	key := InFlightKey("s1", 3)

	_, err := c.Get(ctx, key)
	assert.ErrorIs(t, err, ErrMiss)

	ok, err := c.SetNX(ctx, key, "task-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SetNX(ctx, key, "task-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second marker must not replace the first")

	v, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "task-a", v)

	require.NoError(t, c.Set(ctx, ResultKey("s1", 3), `{"narrative":"x"}`, time.Minute))
	require.NoError(t, c.Delete(ctx, key, ResultKey("s1", 3)))
	_, err = c.Get(ctx, key)
	assert.ErrorIs(t, err, ErrMiss)
	require.NoError(t, c.Delete(ctx))
}

func TestMemoryCache(t *testing.T) {
	exerciseCache(t, NewMemory(nil))
}

func TestMemoryCacheExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemory(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	now = now.Add(59 * time.Second)
	v, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	now = now.Add(time.Second)
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)

	ok, err := c.SetNX(ctx, "k", "w", 0)
	require.NoError(t, err)
	assert.True(t, ok, "expired key can be claimed again")

	now = now.Add(24 * time.Hour)
	v, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "w", v, "zero ttl never expires")
}

func TestRedisCache(t *testing.T) {
	client, cleanup := setupRedis(t)
	defer cleanup()

	exerciseCache(t, NewRedis(client))
}

func TestRedisCacheTTL(t *testing.T) {
	client, cleanup := setupRedis(t)
	defer cleanup()
	ctx := context.Background()

	c := NewRedis(client)
	require.NoError(t, c.Set(ctx, "short", "v", 100*time.Millisecond))
	time.Sleep(300 * time.Millisecond)
	_, err := c.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrMiss)
}
