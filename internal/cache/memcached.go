package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

const keyPrefix = "city-weather:"

// MemcachedCache implements Cache using memcached. Values are JSON-encoded entries.
type MemcachedCache struct {
	client *memcache.Client
	now    func() time.Time
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// use package defaults if zero.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int) *MemcachedCache {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client, now: time.Now}
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// memcached keys may not contain spaces or control characters.
func memcacheKey(k string) string {
	return keyPrefix + strings.ReplaceAll(k, " ", "_")
}

func (c *MemcachedCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	if ctx.Err() != nil {
		return Entry{}, false, ctx.Err()
	}
	item, err := c.client.Get(memcacheKey(key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("memcached get: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(item.Value, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("memcached decode: %w", err)
	}
	if !entry.Valid(c.now()) {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (c *MemcachedCache) Set(ctx context.Context, key string, entry Entry) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	now := c.now()
	if !entry.Valid(now) {
		return nil
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("memcached encode: %w", err)
	}
	return c.client.Set(&memcache.Item{
		Key:        memcacheKey(key),
		Value:      raw,
		Expiration: int32(ttlSeconds(entry.ExpiresAt, now) / time.Second),
	})
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedCache) Ping(ctx context.Context) error {
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
