// Package cache 提供带 TTL 的计数缓存，支持内存与 Redis 两种驱动。
package cache

import (
	"context"
	"time"
)

// Cache 计数缓存接口
type Cache interface {
	// IncrBy 原子增减计数并刷新 TTL，返回新值；ttl 为 0 时使用默认 TTL
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// Get 读取计数，不存在返回 0
	Get(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, keys ...string) error

	Ping(ctx context.Context) error
	Close() error
}
