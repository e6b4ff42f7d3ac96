package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient 按部署模式创建客户端并检测连通性
func NewRedisClient(ctx context.Context, cfg *RedisConfig) (redis.UniversalClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var client redis.UniversalClient
	switch cfg.Mode {
	case RedisCluster:
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        cfg.Addrs,
			Username:     cfg.Username,
			Password:     cfg.Password,
			PoolSize:     cfg.PoolSize,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	case RedisSentinel:
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.MasterName,
			SentinelAddrs: cfg.Addrs,
			Username:      cfg.Username,
			Password:      cfg.Password,
			DB:            cfg.DB,
			PoolSize:      cfg.PoolSize,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
		})
	default:
		client = redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, ErrCacheConnection.WithError(err)
	}
	return client, nil
}

// redisCache Redis 计数缓存
type redisCache struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

func newRedisCache(cfg *Config) (Cache, error) {
	client, err := NewRedisClient(context.Background(), cfg.Redis)
	if err != nil {
		return nil, err
	}
	return NewRedisCache(client, cfg.KeyPrefix, cfg.TTL), nil
}

// NewRedisCache 使用已有客户端创建缓存
func NewRedisCache(client redis.UniversalClient, keyPrefix string, ttl time.Duration) Cache {
	return &redisCache{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (r *redisCache) buildKey(key string) string {
	return r.keyPrefix + key
}

// IncrBy INCRBY 与 EXPIRE 在同一事务中执行
func (r *redisCache) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if ttl == 0 {
		ttl = r.ttl
	}
	fullKey := r.buildKey(key)

	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.IncrBy(ctx, fullKey, delta)
		if ttl > 0 {
			pipe.Expire(ctx, fullKey, ttl)
		}
		return nil
	})
	if err != nil {
		return 0, ErrCacheOperation.WithError(err)
	}
	return incr.Val(), nil
}

// Get 读取计数
func (r *redisCache) Get(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Get(ctx, r.buildKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, ErrCacheOperation.WithError(err)
	}
	return n, nil
}

// Delete 删除计数
func (r *redisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.buildKey(k)
	}
	if err := r.client.Del(ctx, full...).Err(); err != nil {
		return ErrCacheOperation.WithError(err)
	}
	return nil
}

// Ping 检测连接
func (r *redisCache) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return ErrCacheConnection.WithError(err)
	}
	return nil
}

// Close 关闭连接
func (r *redisCache) Close() error {
	return r.client.Close()
}
