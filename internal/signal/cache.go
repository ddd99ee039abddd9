package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/osa-ai/osa/pkg/models"
)

// Cache defaults.
const (
	defaultTTL        = 10 * time.Minute
	defaultShardCount = 16
	defaultShardSize  = 512
)

// CacheKey derives the cache key for a (channel, message) pair.
func CacheKey(channel, message string) string {
	sum := sha256.Sum256([]byte(channel + "\n" + message))
	return hex.EncodeToString(sum[:])
}

type cacheEntry struct {
	signal    models.Signal
	expiresAt time.Time
	createdAt time.Time
}

type cacheShard struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

// Cache is a sharded TTL cache for classified signals. Sharding keeps
// lock contention low under fan-in from many channels.
type Cache struct {
	shards  []*cacheShard
	ttl     time.Duration
	maxSize int // per shard

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCache creates a signal cache. ttl <= 0 selects the 10-minute
// default.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	shards := make([]*cacheShard, defaultShardCount)
	for i := range shards {
		shards[i] = &cacheShard{entries: make(map[string]*cacheEntry)}
	}
	return &Cache{
		shards:  shards,
		ttl:     ttl,
		maxSize: defaultShardSize,
	}
}

func (c *Cache) shard(key string) *cacheShard {
	// Keys are hex sha256 digests; the first byte is uniform.
	if len(key) == 0 {
		return c.shards[0]
	}
	return c.shards[int(key[0])%len(c.shards)]
}

// Get returns the cached signal for key if present and unexpired.
func (c *Cache) Get(key string) (models.Signal, bool) {
	s := c.shard(key)
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		c.misses.Add(1)
		return models.Signal{}, false
	}
	c.hits.Add(1)
	return entry.signal, true
}

// Set stores a signal under key with the configured TTL. When a shard
// is full the oldest entry is evicted.
func (c *Cache) Set(key string, sig models.Signal) {
	now := time.Now()
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key]; !exists && len(s.entries) >= c.maxSize {
		s.evictOldestLocked()
	}
	s.entries[key] = &cacheEntry{
		signal:    sig,
		expiresAt: now.Add(c.ttl),
		createdAt: now,
	}
}

func (s *cacheShard) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for k, e := range s.entries {
		if oldestKey == "" || e.createdAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = e.createdAt
		}
	}
	if oldestKey != "" {
		delete(s.entries, oldestKey)
	}
}

// Sweep removes expired entries across all shards and returns the
// number removed.
func (c *Cache) Sweep() int {
	now := time.Now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if now.After(e.expiresAt) {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// CacheStats reports hit/miss counters.
type CacheStats struct {
	Hits   uint64
	Misses uint64
	Size   int
}

// Stats returns current cache statistics.
func (c *Cache) Stats() CacheStats {
	size := 0
	for _, s := range c.shards {
		s.mu.RLock()
		size += len(s.entries)
		s.mu.RUnlock()
	}
	return CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Size:   size,
	}
}
