package relay

import (
	"context"
	"fmt"

	"github.com/multpex/linkd/pkg/cache"
	"github.com/multpex/linkd/pkg/logger"
)

// New 按配置创建转发通道，返回的 Relay 已由 Guard 包装
func New(ctx context.Context, cfg *Config, node string, log logger.Logger) (Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled() {
		return nil, fmt.Errorf("%w: driver is disabled", ErrInvalidConfig)
	}
	if log == nil {
		log = logger.Nop()
	}
	log = log.Named("relay")

	var (
		inner Relay
		err   error
	)
	switch cfg.Driver {
	case DriverMemory:
		inner = DefaultBus().Endpoint()
	case DriverRedis:
		client, cerr := cache.NewRedisClient(ctx, cfg.Redis)
		if cerr != nil {
			return nil, cerr
		}
		inner = NewRedis(client, cfg.Channel, log)
	case DriverKafka:
		inner, err = NewKafka(cfg.Kafka, cfg.Channel, log)
	case DriverAMQP:
		inner, err = NewAMQP(cfg.AMQP, cfg.Channel, log)
	}
	if err != nil {
		return nil, err
	}

	return NewGuard(inner, node, cfg.DedupeCapacity), nil
}
