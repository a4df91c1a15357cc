package reqflow

import (
	"encoding/json"
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

// CacheEntry is a last-known-good response. Entries are replaced wholesale,
// never partially updated.
type CacheEntry struct {
	Key      RequestKey
	Value    json.RawMessage
	StoredAt time.Time
	TTL      time.Duration
	// Fresh is computed at read time: now - StoredAt < TTL.
	Fresh bool
}

// Cache stores responses keyed by RequestKey. Stale entries are kept until
// explicitly invalidated so callers can serve them while revalidating.
type Cache interface {
	Get(key RequestKey) (*CacheEntry, bool)
	Put(key RequestKey, value json.RawMessage, ttl time.Duration)
	// Restore writes entry back verbatim, StoredAt included.
	Restore(entry CacheEntry)
	Invalidate(key RequestKey)
	InvalidatePrefix(prefix string) int
	Len() int
	Clear()
}

// InMemoryCache is a sharded, process-local Cache. It has no size based
// eviction; a dashboard session holds dozens of keys, not millions.
type InMemoryCache struct {
	shards    []*cacheShard
	numShards int
	clock     Clock
}

type cacheShard struct {
	mu    sync.RWMutex
	store map[RequestKey]*CacheEntry
}

// NewInMemoryCache creates an empty cache on the wall clock.
func NewInMemoryCache() *InMemoryCache {
	return NewInMemoryCacheWithClock(SystemClock)
}

// NewInMemoryCacheWithClock creates an empty cache reading time from clock.
func NewInMemoryCacheWithClock(clock Clock) *InMemoryCache {
	numShards := 16
	shards := make([]*cacheShard, numShards)
	for i := range shards {
		shards[i] = &cacheShard{
			store: make(map[RequestKey]*CacheEntry),
		}
	}
	return &InMemoryCache{
		shards:    shards,
		numShards: numShards,
		clock:     clock,
	}
}

func (c *InMemoryCache) getShard(key RequestKey) *cacheShard {
	hash := fnv.New32a()
	hash.Write([]byte(key))
	return c.shards[hash.Sum32()%uint32(c.numShards)]
}

// Get returns a copy of the entry with Fresh evaluated against the clock.
func (c *InMemoryCache) Get(key RequestKey) (*CacheEntry, bool) {
	shard := c.getShard(key)
	shard.mu.RLock()
	entry, exists := shard.store[key]
	shard.mu.RUnlock()
	if !exists {
		return nil, false
	}

	out := *entry
	out.Fresh = c.clock.Now().Sub(entry.StoredAt) < entry.TTL
	return &out, true
}

// Put stores value under key, replacing any previous entry.
func (c *InMemoryCache) Put(key RequestKey, value json.RawMessage, ttl time.Duration) {
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	shard.store[key] = &CacheEntry{
		Key:      key,
		Value:    value,
		StoredAt: c.clock.Now(),
		TTL:      ttl,
	}
}

func (c *InMemoryCache) Restore(entry CacheEntry) {
	shard := c.getShard(entry.Key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry.Fresh = false
	shard.store[entry.Key] = &entry
}

// Invalidate removes key. Invalidating an absent key is a no-op.
func (c *InMemoryCache) Invalidate(key RequestKey) {
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	delete(shard.store, key)
}

// InvalidatePrefix removes every key in a resource family and returns how
// many entries were dropped.
func (c *InMemoryCache) InvalidatePrefix(prefix string) int {
	prefix = strings.TrimLeft(prefix, "/")
	removed := 0
	for _, shard := range c.shards {
		shard.mu.Lock()
		for key := range shard.store {
			if strings.HasPrefix(string(key), prefix) {
				delete(shard.store, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Len returns the number of stored entries, fresh or stale.
func (c *InMemoryCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.store)
		shard.mu.RUnlock()
	}
	return total
}

// Clear removes all cache entries.
func (c *InMemoryCache) Clear() {
	for _, shard := range c.shards {
		shard.mu.Lock()
		shard.store = make(map[RequestKey]*CacheEntry)
		shard.mu.Unlock()
	}
}
