package relay

import (
	"fmt"

	"github.com/multpex/linkd/pkg/cache"
)

// Driver 驱动类型
type Driver string

const (
	DriverNone   Driver = "none"
	DriverMemory Driver = "memory"
	DriverRedis  Driver = "redis"
	DriverKafka  Driver = "kafka"
	DriverAMQP   Driver = "amqp"
)

// Config 节点转发配置
type Config struct {
	Driver  Driver `mapstructure:"driver"`
	Channel string `mapstructure:"channel"` // redis 频道 / kafka topic / amqp exchange

	// DedupeCapacity 去重过滤器容量，超出后轮换
	DedupeCapacity uint `mapstructure:"dedupeCapacity"`

	Redis *cache.RedisConfig `mapstructure:"redis"`
	Kafka *KafkaConfig       `mapstructure:"kafka"`
	AMQP  *AMQPConfig        `mapstructure:"amqp"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	ClientID string   `mapstructure:"clientId"`
}

// AMQPConfig AMQP 配置
type AMQPConfig struct {
	URL string `mapstructure:"url"`
}

// DefaultConfig 返回默认配置（不启用转发）
func DefaultConfig() *Config {
	return &Config{
		Driver:         DriverNone,
		Channel:        "linkd.broadcast",
		DedupeCapacity: 100000,
	}
}

// Enabled 是否启用转发
func (c *Config) Enabled() bool {
	return c != nil && c.Driver != "" && c.Driver != DriverNone
}

// Validate 验证配置
func (c *Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.Channel == "" {
		return fmt.Errorf("%w: channel is required", ErrInvalidConfig)
	}
	switch c.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Redis == nil {
			return fmt.Errorf("%w: redis config is required", ErrInvalidConfig)
		}
		return c.Redis.Validate()
	case DriverKafka:
		if c.Kafka == nil || len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("%w: kafka brokers are required", ErrInvalidConfig)
		}
	case DriverAMQP:
		if c.AMQP == nil || c.AMQP.URL == "" {
			return fmt.Errorf("%w: amqp url is required", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown driver %q", ErrInvalidConfig, c.Driver)
	}
	return nil
}
