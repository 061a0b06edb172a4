package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisStoreFromClient(client, DefaultNamespace, nil)
}

func TestRedisStoreSetGet(t *testing.T) {
	mr, s := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "checkout", "value", "true"))

	val, ok, err := s.Get(ctx, "checkout", "value")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "true", val)

	// One hash per flag under the namespace.
	assert.Equal(t, "true", mr.HGet("magick:features:checkout", "value"))

	_, ok, err = s.Get(ctx, "checkout", "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStoreGetAll(t *testing.T) {
	_, s := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, s.SetAll(ctx, "checkout", map[string]string{
		"value":  "true",
		"status": "active",
	}))

	attrs, ok, err := s.GetAll(ctx, "checkout")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]string{"value": "true", "status": "active"}, attrs)

	_, ok, err = s.GetAll(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStoreDeleteExistsNames(t *testing.T) {
	_, s := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", "value", "1"))
	require.NoError(t, s.Set(ctx, "b", "value", "2"))

	ok, err := s.Exists(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	names, err := s.Names(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, names)

	require.NoError(t, s.Delete(ctx, "a"))
	ok, err = s.Exists(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStorePublishSubscribe(t *testing.T) {
	_, s := newTestRedis(t)
	ctx := context.Background()

	pubsub := s.Subscribe(ctx)
	defer pubsub.Close()

	// Wait for the subscription before publishing.
	_, err := pubsub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Publish(ctx, "checkout"))

	select {
	case msg := <-pubsub.Channel():
		assert.Equal(t, InvalidationChannel, msg.Channel)
		assert.Equal(t, "checkout", msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for invalidation message")
	}
}

func TestRedisStoreUsageCounters(t *testing.T) {
	mr, s := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, s.IncrUsage(ctx, "checkout", 3))
	require.NoError(t, s.IncrUsage(ctx, "checkout", 2))

	n, err := s.UsageCount(ctx, "checkout")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	// Stats keys carry a TTL so stale counters age out.
	ttl := mr.TTL("magick:stats:checkout")
	assert.True(t, ttl > 0, "stats key should expire")

	counts, err := s.UsageCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"checkout": 5}, counts)
}

func TestRedisStoreDurationCounters(t *testing.T) {
	_, s := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, s.IncrDuration(ctx, "checkout", "enabled", 1.5, 3))
	require.NoError(t, s.IncrDuration(ctx, "checkout", "enabled", 0.5, 1))

	sum, count, err := s.Duration(ctx, "checkout", "enabled")
	require.NoError(t, err)
	assert.InDelta(t, 2.0, sum, 1e-9)
	assert.Equal(t, int64(4), count)
}

func TestRedisStoreClear(t *testing.T) {
	_, s := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", "value", "1"))
	require.NoError(t, s.Clear(ctx))

	names, err := s.Names(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}
