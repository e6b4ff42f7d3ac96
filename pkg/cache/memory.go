package cache

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// memoryCache 单节点内存计数缓存
type memoryCache struct {
	cache     *gocache.Cache
	keyPrefix string
	ttl       time.Duration
	mu        sync.Mutex // 保证读改写与 TTL 刷新的原子性
}

func newMemoryCache(cfg *Config) *memoryCache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	return &memoryCache{
		cache:     gocache.New(ttl, time.Minute),
		keyPrefix: cfg.KeyPrefix,
		ttl:       ttl,
	}
}

func (m *memoryCache) buildKey(key string) string {
	return m.keyPrefix + key
}

// IncrBy 增减计数并刷新 TTL
func (m *memoryCache) IncrBy(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if ttl == 0 {
		ttl = m.ttl
	}
	fullKey := m.buildKey(key)

	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	if v, ok := m.cache.Get(fullKey); ok {
		n, _ = v.(int64)
	}
	n += delta
	m.cache.Set(fullKey, n, ttl)
	return n, nil
}

// Get 读取计数
func (m *memoryCache) Get(_ context.Context, key string) (int64, error) {
	v, ok := m.cache.Get(m.buildKey(key))
	if !ok {
		return 0, nil
	}
	n, _ := v.(int64)
	return n, nil
}

// Delete 删除计数
func (m *memoryCache) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		m.cache.Delete(m.buildKey(k))
	}
	return nil
}

func (m *memoryCache) Ping(context.Context) error { return nil }

// Close 清空缓存
func (m *memoryCache) Close() error {
	m.cache.Flush()
	return nil
}
