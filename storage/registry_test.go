package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, *RedisStore) {
	t.Helper()
	_, remote := newTestRedis(t)
	reg := NewRegistry(RegistryOptions{
		Local:  NewLocalStore(time.Minute),
		Remote: remote,
	})
	return reg, remote
}

func TestRegistryReadThrough(t *testing.T) {
	reg, remote := newTestRegistry(t)
	ctx := context.Background()

	// Seed the remote tier behind the registry's back.
	require.NoError(t, remote.SetAll(ctx, "checkout", map[string]string{"value": "true"}))

	attrs, ok, err := reg.GetAll(ctx, "checkout")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "true", attrs["value"])

	// The read warmed the local cache.
	assert.True(t, reg.Local().Exists("checkout"))
}

func TestRegistryWriteThrough(t *testing.T) {
	reg, remote := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.SetAll(ctx, "checkout", map[string]string{"value": "true"}))

	val, ok := reg.Local().Get("checkout", "value")
	require.True(t, ok)
	assert.Equal(t, "true", val)

	val, ok, err := remote.Get(ctx, "checkout", "value")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "true", val)
}

func TestRegistryLocalOnly(t *testing.T) {
	reg := NewRegistry(RegistryOptions{Local: NewLocalStore(time.Minute)})
	ctx := context.Background()

	require.NoError(t, reg.Set(ctx, "checkout", "value", "true"))
	val, ok, err := reg.Get(ctx, "checkout", "value")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "true", val)

	_, ok, err = reg.Get(ctx, "unknown", "value")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistryDelete(t *testing.T) {
	reg, remote := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.SetAll(ctx, "checkout", map[string]string{"value": "true"}))
	require.NoError(t, reg.Delete(ctx, "checkout"))

	assert.False(t, reg.Local().Exists("checkout"))
	ok, err := remote.Exists(ctx, "checkout")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistryReloadBypassesLocal(t *testing.T) {
	reg, remote := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.SetAll(ctx, "checkout", map[string]string{"value": "true"}))

	// Another process changed the remote tier; the local cache is stale.
	require.NoError(t, remote.SetAll(ctx, "checkout", map[string]string{"value": "false"}))
	val, _ := reg.Local().Get("checkout", "value")
	assert.Equal(t, "true", val)

	attrs, ok, err := reg.Reload(ctx, "checkout")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "false", attrs["value"])

	val, _ = reg.Local().Get("checkout", "value")
	assert.Equal(t, "false", val)
}

func TestRegistrySubscriberInvalidates(t *testing.T) {
	reg, remote := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.SetAll(ctx, "checkout", map[string]string{"value": "true"}))

	var mu sync.Mutex
	var got []string
	reg.Subscribe(func(name string) {
		mu.Lock()
		got = append(got, name)
		mu.Unlock()
	})
	defer reg.StopSubscriber()

	// Give the subscription time to attach.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, remote.Publish(ctx, "checkout"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == "checkout"
	}, 2*time.Second, 10*time.Millisecond)

	assert.False(t, reg.Local().Exists("checkout"), "invalidation drops the local entry")
}

func TestRegistrySubscriberDebounce(t *testing.T) {
	reg, remote := newTestRegistry(t)
	ctx := context.Background()

	var mu sync.Mutex
	count := 0
	reg.Subscribe(func(string) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	defer reg.StopSubscriber()

	time.Sleep(100 * time.Millisecond)

	// A burst of invalidations for one flag collapses into an immediate
	// delivery plus one trailing delivery when the window closes.
	for i := 0; i < 5; i++ {
		require.NoError(t, remote.Publish(ctx, "checkout"))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 2
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, count, "no further deliveries once the burst settled")
}

func TestRegistryStopSubscriberReturns(t *testing.T) {
	reg, remote := newTestRegistry(t)
	ctx := context.Background()

	var mu sync.Mutex
	received := 0
	reg.Subscribe(func(string) {
		mu.Lock()
		received++
		mu.Unlock()
	})

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, remote.Publish(ctx, "checkout"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received > 0
	}, 2*time.Second, 10*time.Millisecond, "subscription is live before stopping")

	stopped := make(chan struct{})
	go func() {
		reg.StopSubscriber()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("StopSubscriber did not return")
	}
}

func TestRegistryExistsChecksAllTiers(t *testing.T) {
	reg, remote := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, remote.SetAll(ctx, "checkout", map[string]string{"value": "true"}))

	ok, err := reg.Exists(ctx, "checkout")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = reg.Exists(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}
