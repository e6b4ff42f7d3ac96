package cache

import (
	"time"
)

// DriverType 驱动类型
type DriverType string

const (
	DriverRedis  DriverType = "redis"
	DriverMemory DriverType = "memory"
)

// RedisMode Redis 部署模式
type RedisMode string

const (
	RedisStandalone RedisMode = "standalone"
	RedisCluster    RedisMode = "cluster"
	RedisSentinel   RedisMode = "sentinel"
)

// Config 缓存配置
type Config struct {
	Driver    DriverType    `mapstructure:"driver"`
	KeyPrefix string        `mapstructure:"keyPrefix"`
	TTL       time.Duration `mapstructure:"ttl"` // 默认 TTL
	Redis     *RedisConfig  `mapstructure:"redis"`
}

// RedisConfig Redis 连接配置，relay 的 redis 驱动共用
type RedisConfig struct {
	Mode         RedisMode     `mapstructure:"mode"`
	Addr         string        `mapstructure:"addr"`  // 单机
	Addrs        []string      `mapstructure:"addrs"` // 集群/哨兵
	MasterName   string        `mapstructure:"masterName"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"poolSize"`
	DialTimeout  time.Duration `mapstructure:"dialTimeout"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Driver:    DriverMemory,
		KeyPrefix: "linkd:",
		TTL:       10 * time.Minute,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Mode:         RedisStandalone,
		Addr:         "localhost:6379",
		PoolSize:     50,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch c.Driver {
	case DriverMemory:
		return nil
	case DriverRedis:
		if c.Redis == nil {
			return ErrCacheInvalidConfig.WithMessage("redis config is required")
		}
		return c.Redis.Validate()
	default:
		return ErrCacheInvalidConfig.WithMessage("invalid driver type: " + string(c.Driver))
	}
}

// Validate 验证 Redis 配置
func (c *RedisConfig) Validate() error {
	switch c.Mode {
	case RedisStandalone, "":
		if c.Addr == "" {
			return ErrCacheInvalidConfig.WithMessage("redis addr is required for standalone mode")
		}
	case RedisCluster:
		if len(c.Addrs) == 0 {
			return ErrCacheInvalidConfig.WithMessage("redis cluster requires addrs")
		}
	case RedisSentinel:
		if len(c.Addrs) == 0 || c.MasterName == "" {
			return ErrCacheInvalidConfig.WithMessage("redis sentinel requires addrs and master name")
		}
	default:
		return ErrCacheInvalidConfig.WithMessage("invalid redis mode: " + string(c.Mode))
	}
	return nil
}
