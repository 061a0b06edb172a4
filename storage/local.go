// Package storage implements the tiered flag registry: an in-process local
// cache, a Redis remote store with pub/sub invalidation, a relational
// durable store, and the read-through/write-through registry composing them.
package storage

import (
	"sync"
	"time"
)

// DefaultLocalTTL is how long a flag's attributes stay in the local cache
// without a refreshing write.
const DefaultLocalTTL = time.Hour

type localEntry struct {
	attrs     map[string]string
	expiresAt time.Time
}

// LocalStore is a thread-safe in-memory attribute cache with per-flag TTL.
// Expired entries are swept lazily on every operation.
type LocalStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*localEntry
	now     func() time.Time
}

// NewLocalStore creates a local store. A non-positive ttl falls back to
// DefaultLocalTTL.
func NewLocalStore(ttl time.Duration) *LocalStore {
	if ttl <= 0 {
		ttl = DefaultLocalTTL
	}
	return &LocalStore{
		ttl:     ttl,
		entries: make(map[string]*localEntry),
		now:     time.Now,
	}
}

// Get returns the serialized value of one attribute.
func (s *LocalStore) Get(name, key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep()

	entry, ok := s.entries[name]
	if !ok {
		return "", false
	}
	val, ok := entry.attrs[key]
	return val, ok
}

// GetAll returns a copy of every attribute cached for the flag.
func (s *LocalStore) GetAll(name string) (map[string]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep()

	entry, ok := s.entries[name]
	if !ok {
		return nil, false
	}
	attrs := make(map[string]string, len(entry.attrs))
	for k, v := range entry.attrs {
		attrs[k] = v
	}
	return attrs, true
}

// Set stores one attribute and refreshes the flag's expiry.
func (s *LocalStore) Set(name, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep()

	entry, ok := s.entries[name]
	if !ok {
		entry = &localEntry{attrs: make(map[string]string)}
		s.entries[name] = entry
	}
	entry.attrs[key] = value
	entry.expiresAt = s.now().Add(s.ttl)
}

// SetAll stores a batch of attributes and refreshes the flag's expiry.
func (s *LocalStore) SetAll(name string, attrs map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep()

	entry, ok := s.entries[name]
	if !ok {
		entry = &localEntry{attrs: make(map[string]string, len(attrs))}
		s.entries[name] = entry
	}
	for k, v := range attrs {
		entry.attrs[k] = v
	}
	entry.expiresAt = s.now().Add(s.ttl)
}

// Delete removes every cached attribute for the flag.
func (s *LocalStore) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, name)
}

// Exists reports whether the flag has unexpired cached attributes.
func (s *LocalStore) Exists(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep()

	_, ok := s.entries[name]
	return ok
}

// Names returns the cached flag names.
func (s *LocalStore) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep()

	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

// Clear drops every entry.
func (s *LocalStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*localEntry)
}

// sweep removes expired entries. Callers must hold the mutex.
func (s *LocalStore) sweep() {
	now := s.now()
	for name, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, name)
		}
	}
}
