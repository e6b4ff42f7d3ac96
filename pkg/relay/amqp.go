package relay

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/multpex/linkd/pkg/logger"
)

// AMQP 基于 fanout exchange 的转发通道
//
// 每个节点声明一个独占、自动删除的匿名队列绑定到 exchange。
type AMQP struct {
	exchange string
	conn     *amqp.Connection
	pub      *amqp.Channel
	log      logger.Logger

	mu         sync.Mutex // 串行化 pub 上的发布
	sub        *amqp.Channel
	subscribed bool
	closed     bool
	wg         sync.WaitGroup
}

// NewAMQP 连接 broker 并声明 exchange
func NewAMQP(cfg *AMQPConfig, exchange string, log logger.Logger) (*AMQP, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, err
	}
	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := pub.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &AMQP{exchange: exchange, conn: conn, pub: pub, log: log}, nil
}

// Publish 发布到 exchange
func (a *AMQP) Publish(ctx context.Context, msg *Message) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	return a.pub.PublishWithContext(ctx, a.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   msg.ID,
		Timestamp:   time.Now(),
		Body:        data,
	})
}

// Subscribe 声明队列并启动消费协程
func (a *AMQP) Subscribe(ctx context.Context, handler Handler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if a.subscribed {
		return ErrAlreadySubscribed
	}

	ch, err := a.conn.Channel()
	if err != nil {
		return err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return err
	}
	if err := ch.QueueBind(q.Name, "", a.exchange, false, nil); err != nil {
		_ = ch.Close()
		return err
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return err
	}
	a.sub = ch
	a.subscribed = true

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				msg, err := decode(d.Body)
				if err != nil {
					a.log.Warn("drop undecodable relay message", zap.Error(err))
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

// Close 关闭通道与连接
func (a *AMQP) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	sub := a.sub
	a.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
	a.wg.Wait()
	_ = a.pub.Close()
	return a.conn.Close()
}
