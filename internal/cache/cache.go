package cache

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kjstillabower/city-weather/internal/models"
)

// Backend names accepted in config (cache.backend).
const (
	BackendNone      = "none"
	BackendInMemory  = "in_memory"
	BackendMemcached = "memcached"
	BackendRedis     = "redis"
)

// Entry is a hot-cache copy of the newest valid snapshot for a city.
// It is only usable while now < ExpiresAt, the same rule the SQL store applies.
type Entry struct {
	Bundle     models.Bundle `json:"bundle"`
	LocationID int64         `json:"locationId"`
	ExpiresAt  time.Time     `json:"expiresAt"`
}

// Valid reports whether the entry may still be served at now.
func (e Entry) Valid(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Cache is a read-through layer in front of the snapshot store. Backends honor ExpiresAt:
// Get never returns an expired entry. Errors are informational; callers fall back to the store.
type Cache interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, entry Entry) error
	Ping(ctx context.Context) error
	Close() error
}

// LRUCache is a bounded in-process cache. Safe for concurrent use.
type LRUCache struct {
	entries *lru.Cache[string, Entry]
	now     func() time.Time
}

// NewLRUCache creates an in-memory cache holding at most size cities.
func NewLRUCache(size int) (*LRUCache, error) {
	if size <= 0 {
		return nil, fmt.Errorf("in-memory cache size must be positive, got %d", size)
	}
	entries, err := lru.New[string, Entry](size)
	if err != nil {
		return nil, fmt.Errorf("create lru cache: %w", err)
	}
	return &LRUCache{entries: entries, now: time.Now}, nil
}

// Get returns the entry for key unless it is missing or expired. Expired entries are evicted.
func (c *LRUCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	entry, ok := c.entries.Get(key)
	if !ok {
		return Entry{}, false, nil
	}
	if !entry.Valid(c.now()) {
		c.entries.Remove(key)
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Set stores entry, replacing any previous one for key. Already-expired entries are dropped.
func (c *LRUCache) Set(ctx context.Context, key string, entry Entry) error {
	if !entry.Valid(c.now()) {
		return nil
	}
	c.entries.Add(key, entry)
	return nil
}

func (c *LRUCache) Ping(ctx context.Context) error { return nil }

func (c *LRUCache) Close() error {
	c.entries.Purge()
	return nil
}

// Len reports the number of cached cities, expired or not.
func (c *LRUCache) Len() int { return c.entries.Len() }

// ttlSeconds converts an expiry into a whole-second TTL for remote backends, at least 1s.
func ttlSeconds(expiresAt, now time.Time) time.Duration {
	ttl := expiresAt.Sub(now).Truncate(time.Second)
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}
