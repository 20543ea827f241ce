package provider

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestRedisHintStoreRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	redisC, err := tcRedis.RunContainer(ctx, testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = redisC.Terminate(ctx) })

	host, err := redisC.Host(ctx)
	require.NoError(t, err)
	port, err := redisC.MappedPort(ctx, "6379")
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = rdb.Close() })

	s := NewRedisHintStore(rdb, "")
	_, ok, err := s.Load(ctx, "api.openai.com")
	require.NoError(t, err)
	assert.False(t, ok)

	now := time.Now().UTC().Truncate(time.Millisecond)
	info := RateLimitInfo{RemainingRequests: 0, RemainingTokens: -1, ResetRequests: now.Add(20 * time.Second), ObservedAt: now}
	require.NoError(t, s.Save(ctx, "api.openai.com", info, 20*time.Second))

	got, ok, err := s.Load(ctx, "api.openai.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, info.ResetRequests.Equal(got.ResetRequests))
	assert.Equal(t, 0, got.RemainingRequests)

	ttl, err := rdb.PTTL(ctx, "chatbridge:ratelimit:api.openai.com").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 20*time.Second)
}
