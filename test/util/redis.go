package util

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/parley-ai/parley/pkg/kvstore"
)

var (
	// Shared Redis address for all tests in local dev
	sharedRedisAddr string
	redisOnce       sync.Once
	redisErr        error
)

// SetupTestRedis returns a kvstore.Store backed by a clean Redis instance.
// - CI: connects to an external Redis service container (CI_REDIS_ADDR).
// - Local: uses a shared testcontainer, started once per package.
// The logical database is flushed on acquisition, so tests in one package
// must not run in parallel against it.
func SetupTestRedis(t *testing.T) *kvstore.Store {
	t.Helper()
	ctx := context.Background()

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr(t)})
	require.NoError(t, rdb.FlushDB(ctx).Err(), "Failed to flush Redis test database")
	t.Cleanup(func() { _ = rdb.Close() })

	return kvstore.NewStoreFromClient(rdb)
}

func redisAddr(t *testing.T) string {
	t.Helper()

	if addr := os.Getenv("CI_REDIS_ADDR"); addr != "" {
		t.Log("Using external Redis from CI_REDIS_ADDR")
		return addr
	}

	redisOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared Redis testcontainer for all tests")

		c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor: wait.ForLog("Ready to accept connections").
					WithStartupTimeout(30 * time.Second),
			},
			Started: true,
		})
		if err != nil {
			redisErr = fmt.Errorf("failed to start redis container: %w", err)
			return
		}

		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			redisErr = fmt.Errorf("failed to resolve redis endpoint: %w", err)
			return
		}

		sharedRedisAddr = endpoint
		t.Logf("Shared Redis container ready: %s", sharedRedisAddr)
	})

	require.NoError(t, redisErr, "Failed to setup shared Redis container")
	return sharedRedisAddr
}
