package price

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores quotes for at most ttl. Entries carry their own ExpiresAt;
// the cache ttl also covers the stale window.
type Cache interface {
	Get(ctx context.Context, key string) (*Info, bool, error)
	Set(ctx context.Context, key string, info *Info, ttl time.Duration) error
}

type memoryEntry struct {
	info     Info
	deadline time.Time
}

// MemoryCache is a process-local cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache returns an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*Info, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.now().After(entry.deadline) {
		return nil, false, nil
	}
	info := entry.info
	return &info, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, info *Info, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{info: *info, deadline: c.now().Add(ttl)}
	return nil
}

// RedisCache shares quotes between processes.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// RedisCacheConfig describes the Redis connection.
type RedisCacheConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// NewRedisCache connects and pings Redis.
func NewRedisCache(ctx context.Context, cfg RedisCacheConfig) (*RedisCache, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return NewRedisCacheWithClient(client, cfg.Prefix), nil
}

// NewRedisCacheWithClient wraps an existing client.
func NewRedisCacheWithClient(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*Info, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, false, err
	}
	return &info, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, info *Info, ttl time.Duration) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+key, raw, ttl).Err()
}

// Close releases the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
