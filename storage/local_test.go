package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStoreSetGet(t *testing.T) {
	s := NewLocalStore(time.Minute)

	s.Set("checkout", "value", "true")
	val, ok := s.Get("checkout", "value")
	require.True(t, ok)
	assert.Equal(t, "true", val)

	_, ok = s.Get("checkout", "missing")
	assert.False(t, ok)
	_, ok = s.Get("unknown", "value")
	assert.False(t, ok)
}

func TestLocalStoreGetAllReturnsCopy(t *testing.T) {
	s := NewLocalStore(time.Minute)
	s.SetAll("checkout", map[string]string{"value": "true", "status": "active"})

	attrs, ok := s.GetAll("checkout")
	require.True(t, ok)
	attrs["value"] = "false"

	val, ok := s.Get("checkout", "value")
	require.True(t, ok)
	assert.Equal(t, "true", val, "mutating the returned map must not affect the store")
}

func TestLocalStoreExpiry(t *testing.T) {
	s := NewLocalStore(time.Minute)
	base := time.Now()
	s.now = func() time.Time { return base }

	s.Set("checkout", "value", "true")

	s.now = func() time.Time { return base.Add(30 * time.Second) }
	assert.True(t, s.Exists("checkout"))

	s.now = func() time.Time { return base.Add(61 * time.Second) }
	_, ok := s.Get("checkout", "value")
	assert.False(t, ok, "entry should expire after the ttl")
	assert.False(t, s.Exists("checkout"))
}

func TestLocalStoreWriteRefreshesExpiry(t *testing.T) {
	s := NewLocalStore(time.Minute)
	base := time.Now()
	s.now = func() time.Time { return base }

	s.Set("checkout", "value", "true")

	s.now = func() time.Time { return base.Add(45 * time.Second) }
	s.Set("checkout", "status", "active")

	s.now = func() time.Time { return base.Add(90 * time.Second) }
	_, ok := s.Get("checkout", "value")
	assert.True(t, ok, "the second write should have refreshed the whole entry")
}

func TestLocalStoreDeleteAndClear(t *testing.T) {
	s := NewLocalStore(time.Minute)
	s.Set("a", "value", "1")
	s.Set("b", "value", "2")

	s.Delete("a")
	assert.False(t, s.Exists("a"))
	assert.True(t, s.Exists("b"))

	s.Clear()
	assert.Empty(t, s.Names())
}

func TestLocalStoreNames(t *testing.T) {
	s := NewLocalStore(time.Minute)
	s.Set("a", "value", "1")
	s.Set("b", "value", "2")
	assert.ElementsMatch(t, []string{"a", "b"}, s.Names())
}
