package relay

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/multpex/linkd/pkg/logger"
)

// Redis 基于 Redis Pub/Sub 的转发通道
type Redis struct {
	client  redis.UniversalClient
	channel string
	log     logger.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	closed bool
	wg     sync.WaitGroup
}

// NewRedis 创建 Redis 转发通道，Close 时一并关闭 client
func NewRedis(client redis.UniversalClient, channel string, log logger.Logger) *Redis {
	return &Redis{client: client, channel: channel, log: log}
}

// Publish 发布消息
func (r *Redis) Publish(ctx context.Context, msg *Message) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, data).Err()
}

// Subscribe 订阅频道，确认订阅成功后返回
func (r *Redis) Subscribe(ctx context.Context, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.pubsub != nil {
		return ErrAlreadySubscribed
	}

	ps := r.client.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return err
	}
	r.pubsub = ps

	ch := ps.Channel()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case m, ok := <-ch:
				if !ok {
					return
				}
				msg, err := decode([]byte(m.Payload))
				if err != nil {
					r.log.Warn("drop undecodable relay message", zap.Error(err))
					continue
				}
				handler(ctx, msg)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Close 关闭订阅与连接
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ps := r.pubsub
	r.mu.Unlock()

	if ps != nil {
		_ = ps.Close()
	}
	r.wg.Wait()
	return r.client.Close()
}
