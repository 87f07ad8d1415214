package kvstore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	// Shared Redis address for all tests in local dev
	sharedAddr   string
	redisOnce    sync.Once
	containerErr error
)

// redisAddr returns the address of a Redis instance for tests.
// - CI: connects to an external Redis service via CI_REDIS_ADDR
// - Local: starts a shared testcontainer (once per package)
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
			containerErr = fmt.Errorf("failed to start redis container: %w", err)
			return
		}

		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			containerErr = fmt.Errorf("failed to resolve redis endpoint: %w", err)
			return
		}

		sharedAddr = endpoint
		t.Logf("Shared Redis container ready: %s", sharedAddr)
	})

	require.NoError(t, containerErr, "Failed to setup shared Redis container")
	return sharedAddr
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr(t)})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStoreFromClient(rdb)
}

func TestKeyLayout(t *testing.T) {
	// The key layout is shared with operational tooling; changing it
	// silently invalidates live data.
	assert.Equal(t, "login_code:a@b.c", loginCodeKey("a@b.c"))
	assert.Equal(t, "refresh_token:tok-1", refreshTokenKey("tok-1"))
	assert.Equal(t, "user_pref:42:theme", userPrefKey(42, "theme"))
	assert.Equal(t, "session_summary:sess-1", sessionSummaryKey("sess-1"))
	assert.Equal(t, "tool_cache:get_weather:abc123", toolCacheKey("get_weather", "abc123"))
	assert.Equal(t, "rate_limit:user:42", rateLimitKey("user:42"))
}

func TestLoginCodeLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveLoginCode(ctx, "alice@example.com", "834201", 5*time.Minute))

	code, err := store.GetLoginCode(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "834201", code)

	// Reading must not consume the code.
	code, err = store.GetLoginCode(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "834201", code)

	require.NoError(t, store.DeleteLoginCode(ctx, "alice@example.com"))

	_, err = store.GetLoginCode(ctx, "alice@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoginCodeExpires(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveLoginCode(ctx, "bob@example.com", "111111", 500*time.Millisecond))
	time.Sleep(700 * time.Millisecond)

	_, err := store.GetLoginCode(ctx, "bob@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRefreshTokenRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveRefreshToken(ctx, "rt-alpha", 7, 7*24*time.Hour))

	userID, err := store.GetRefreshToken(ctx, "rt-alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(7), userID)

	require.NoError(t, store.DeleteRefreshToken(ctx, "rt-alpha"))

	_, err = store.GetRefreshToken(ctx, "rt-alpha")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetRefreshTokenCorruptValue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.set(ctx, refreshTokenKey("rt-bad"), "not-a-number", time.Minute))

	_, err := store.GetRefreshToken(ctx, "rt-bad")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestUserPrefRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetUserPref(ctx, 42, "theme")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SetUserPref(ctx, 42, "theme", "dark", 24*time.Hour))

	val, err := store.GetUserPref(ctx, 42, "theme")
	require.NoError(t, err)
	assert.Equal(t, "dark", val)

	// Prefs are scoped per user.
	_, err = store.GetUserPref(ctx, 43, "theme")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionSummaryClear(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetSessionSummary(ctx, "sess-sum", "Earlier the user asked about tides.", 2*time.Hour))

	text, err := store.GetSessionSummary(ctx, "sess-sum")
	require.NoError(t, err)
	assert.Equal(t, "Earlier the user asked about tides.", text)

	require.NoError(t, store.ClearSessionSummary(ctx, "sess-sum"))

	_, err = store.GetSessionSummary(ctx, "sess-sum")
	assert.ErrorIs(t, err, ErrNotFound)

	// Clearing an absent summary is a no-op, not an error.
	assert.NoError(t, store.ClearSessionSummary(ctx, "sess-sum"))
}

func TestToolResultCache(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetToolResult(ctx, "get_weather", "fp-1")
	assert.ErrorIs(t, err, ErrNotFound)

	payload := []byte(`{"temperature_c":21.5,"conditions":"clear"}`)
	require.NoError(t, store.SetToolResult(ctx, "get_weather", "fp-1", payload, time.Hour))

	got, err := store.GetToolResult(ctx, "get_weather", "fp-1")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// Same tool, different fingerprint misses.
	_, err = store.GetToolResult(ctx, "get_weather", "fp-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIncrWindowCounts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	window := time.Minute

	for want := int64(1); want <= 3; want++ {
		count, remaining, err := store.IncrWindow(ctx, "user:9001", window)
		require.NoError(t, err)
		assert.Equal(t, want, count)
		assert.Greater(t, remaining, time.Duration(0))
		assert.LessOrEqual(t, remaining, window)
	}

	// Scopes are independent counters.
	count, _, err := store.IncrWindow(ctx, "user:9002", window)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestIncrWindowResetsAfterExpiry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	window := time.Second

	count, _, err := store.IncrWindow(ctx, "user:9003", window)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	count, _, err = store.IncrWindow(ctx, "user:9003", window)
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	time.Sleep(1200 * time.Millisecond)

	count, _, err = store.IncrWindow(ctx, "user:9003", window)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "counter should reset once the window expires")
}
