package cache

import (
	"sync"
	"time"

	"github.com/smallbiznis/entitlements/internal/clock"
)

// Entry wraps a cached value with the time it was fetched and how long it stays fresh.
type Entry[V any] struct {
	Value     V
	FetchedAt time.Time
	TTL       time.Duration
}

// Fresh reports whether the entry is still inside its TTL at now. A zero TTL never expires.
func (e Entry[V]) Fresh(now time.Time) bool {
	if e.TTL <= 0 {
		return true
	}
	return now.Before(e.FetchedAt.Add(e.TTL))
}

// Cache is a concurrency-safe keyed cache that keeps expired entries around so
// callers can fall back to stale values.
type Cache[K comparable, V any] interface {
	// Get returns the value only while it is fresh.
	Get(key K) (V, bool)
	// Peek returns the entry regardless of freshness.
	Peek(key K) (Entry[V], bool)
	Set(key K, value V, ttl time.Duration)
	Delete(keys ...K)
	Clear()
	Len() int
}

type Option func(*options)

type options struct {
	clock clock.Clock
}

func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

type ttlCache[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]Entry[V]
	clock   clock.Clock
}

func NewTTLCache[K comparable, V any](opts ...Option) Cache[K, V] {
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	return &ttlCache[K, V]{
		entries: make(map[K]Entry[V]),
		clock:   o.clock,
	}
}

func (c *ttlCache[K, V]) Get(key K) (V, bool) {
	entry, ok := c.Peek(key)
	if !ok || !entry.Fresh(c.clock.Now()) {
		var zero V
		return zero, false
	}
	return entry.Value, true
}

func (c *ttlCache[K, V]) Peek(key K) (Entry[V], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	return entry, ok
}

func (c *ttlCache[K, V]) Set(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = Entry[V]{Value: value, FetchedAt: c.clock.Now(), TTL: ttl}
	c.mu.Unlock()
}

func (c *ttlCache[K, V]) Delete(keys ...K) {
	c.mu.Lock()
	for _, key := range keys {
		delete(c.entries, key)
	}
	c.mu.Unlock()
}

func (c *ttlCache[K, V]) Clear() {
	c.mu.Lock()
	c.entries = make(map[K]Entry[V])
	c.mu.Unlock()
}

func (c *ttlCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
