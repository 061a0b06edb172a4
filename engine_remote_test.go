package magick

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magick-io/magick/storage"
)

// newRemoteEngine builds an engine whose registry carries a remote tier
// backed by the shared miniredis, with its invalidation subscriber running.
func newRemoteEngine(t *testing.T, mr *miniredis.Miniredis) *Engine {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	e := New(Options{Registry: storage.NewRegistry(storage.RegistryOptions{
		Local:  storage.NewLocalStore(time.Minute),
		Remote: storage.NewRedisStoreFromClient(client, "", nil),
	})})
	t.Cleanup(func() { require.NoError(t, e.Close()) })
	return e
}

func TestEngineCrossProcessInvalidation(t *testing.T) {
	mr := miniredis.RunT(t)
	writer := newRemoteEngine(t, mr)
	reader := newRemoteEngine(t, mr)

	wf, err := writer.Register("checkout", FlagOptions{})
	require.NoError(t, err)
	_, err = reader.Register("checkout", FlagOptions{})
	require.NoError(t, err)
	require.False(t, reader.Enabled("checkout", Context{}))

	// Let both subscriptions attach and the registration burst settle.
	time.Sleep(150 * time.Millisecond)

	require.NoError(t, wf.Enable())

	assert.Eventually(t, func() bool {
		return reader.Enabled("checkout", Context{})
	}, 2*time.Second, 10*time.Millisecond,
		"the published invalidation reloads the flag on the other engine")
}

func TestEngineCrossProcessDelete(t *testing.T) {
	mr := miniredis.RunT(t)
	writer := newRemoteEngine(t, mr)
	reader := newRemoteEngine(t, mr)

	wf, err := writer.Register("checkout", FlagOptions{})
	require.NoError(t, err)
	require.NoError(t, wf.Enable())
	_, err = reader.Register("checkout", FlagOptions{})
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)

	require.NoError(t, writer.Delete("checkout"))

	assert.Eventually(t, func() bool {
		ok, err := reader.Registry().Remote().Exists(context.Background(), "checkout")
		return err == nil && !ok
	}, 2*time.Second, 10*time.Millisecond,
		"the remote tier no longer knows the flag")
}
