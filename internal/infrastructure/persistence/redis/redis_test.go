package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tempus-labs/tempus-crowdsale/internal/application/query"
	"github.com/tempus-labs/tempus-crowdsale/internal/infrastructure/messaging"
	"github.com/tempus-labs/tempus-crowdsale/pkg/circuitbreaker"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "crowdsale:status:abc", StatusKey("abc"))
	assert.Equal(t, "pubsub:tempus-crowdsale:events", EventsChannel(""))
	assert.Equal(t, "pubsub:staging:events", EventsChannel("staging"))
}

func TestConfig_Options(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Password = "secret"
	opts, err := cfg.Options()
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opts.Addr)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 10, opts.PoolSize)

	cfg.URL = "redis://:pw@cache.internal:6380/3"
	opts, err = cfg.Options()
	require.NoError(t, err)
	assert.Equal(t, "cache.internal:6380", opts.Addr)
	assert.Equal(t, "pw", opts.Password)
	assert.Equal(t, 3, opts.DB)
	assert.Equal(t, 3*time.Second, opts.ReadTimeout)

	cfg.URL = "http://not-redis"
	_, err = cfg.Options()
	assert.Error(t, err)
}

func TestStatusCache_BreakerOpensOnUnreachableRedis(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 100 * time.Millisecond,
	})
	t.Cleanup(func() { _ = client.Close() })

	breaker := circuitbreaker.CacheBreaker("status-cache", IsCacheFailure, nil)
	statuses := NewStatusCache(NewCacheFromClient(client), time.Minute, WithBreaker(breaker))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := statuses.GetStatus(ctx, "abc")
		require.Error(t, err)
		assert.NotErrorIs(t, err, circuitbreaker.ErrOpen)
	}
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State())

	_, err := statuses.GetStatus(ctx, "abc")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.ErrorIs(t, statuses.SetStatus(ctx, &query.StatusDTO{CrowdsaleID: "abc"}), circuitbreaker.ErrOpen)
}

func TestIsCacheFailure(t *testing.T) {
	assert.False(t, IsCacheFailure(nil))
	assert.False(t, IsCacheFailure(ErrCacheMiss))
	assert.True(t, IsCacheFailure(ErrCacheConnection))
}

// newTestCache connects to REDIS_TEST_URL, skipping when it is unset.
func newTestCache(t *testing.T) *Cache {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	cfg := DefaultConfig()
	cfg.URL = url
	cache, err := NewCache(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	return cache
}

func TestStatusCache_Integration(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	statuses := NewStatusCache(cache, time.Minute)

	id := "it-" + time.Now().Format("150405.000000")
	_, err := statuses.GetStatus(ctx, id)
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, statuses.SetStatus(ctx, &query.StatusDTO{CrowdsaleID: id, GlobalValueRaised: "500001", CurrentRoundID: 1}))

	got, err := statuses.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "500001", got.GlobalValueRaised)
	assert.Equal(t, 1, got.CurrentRoundID)

	ttl, err := cache.TTL(ctx, StatusKey(id))
	require.NoError(t, err)
	assert.True(t, ttl > 0 && ttl <= time.Minute)

	require.NoError(t, statuses.InvalidateStatus(ctx, id))
	_, err = statuses.GetStatus(ctx, id)
	assert.ErrorIs(t, err, ErrCacheMiss)

	assert.ErrorIs(t, statuses.SetStatus(ctx, nil), ErrCacheNilValue)
}

func TestPubSubClient_Integration(t *testing.T) {
	cache := newTestCache(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := NewPubSubClient(cache.Client())
	defer client.Close()

	channel := EventsChannel("it-" + time.Now().Format("150405.000000"))
	messages, err := client.Subscribe(ctx, channel)
	require.NoError(t, err)

	require.NoError(t, client.Publish(ctx, channel, `{"hello":"world"}`))

	select {
	case msg := <-messages:
		assert.Equal(t, messaging.RedisMessage{Channel: channel, Payload: `{"hello":"world"}`}, msg)
	case <-ctx.Done():
		t.Fatal("message not received")
	}
}
