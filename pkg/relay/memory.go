package relay

import (
	"context"
	"sync"
)

var (
	defaultBus     *Bus
	defaultBusOnce sync.Once
)

// DefaultBus 进程内共享总线
func DefaultBus() *Bus {
	defaultBusOnce.Do(func() {
		defaultBus = NewBus()
	})
	return defaultBus
}

// Bus 进程内消息总线，用于单进程多网关与测试
type Bus struct {
	mu        sync.RWMutex
	endpoints map[*Endpoint]struct{}
}

// NewBus 创建总线
func NewBus() *Bus {
	return &Bus{endpoints: make(map[*Endpoint]struct{})}
}

// Endpoint 创建一个接入点
func (b *Bus) Endpoint() *Endpoint {
	e := &Endpoint{
		bus:   b,
		queue: make(chan []byte, 1024),
		quit:  make(chan struct{}),
	}
	b.mu.Lock()
	b.endpoints[e] = struct{}{}
	b.mu.Unlock()
	return e
}

func (b *Bus) remove(e *Endpoint) {
	b.mu.Lock()
	delete(b.endpoints, e)
	b.mu.Unlock()
}

func (b *Bus) publish(ctx context.Context, data []byte) error {
	b.mu.RLock()
	targets := make([]*Endpoint, 0, len(b.endpoints))
	for e := range b.endpoints {
		targets = append(targets, e)
	}
	b.mu.RUnlock()

	for _, e := range targets {
		select {
		case e.queue <- data:
		case <-e.quit:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Endpoint 总线接入点，实现 Relay
type Endpoint struct {
	bus   *Bus
	queue chan []byte
	quit  chan struct{}

	mu         sync.Mutex
	subscribed bool
	closed     bool
	wg         sync.WaitGroup
}

// Publish 发布到总线上的所有接入点（包括自身）
func (e *Endpoint) Publish(ctx context.Context, msg *Message) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := encode(msg)
	if err != nil {
		return err
	}
	return e.bus.publish(ctx, data)
}

// Subscribe 启动消费协程
func (e *Endpoint) Subscribe(ctx context.Context, handler Handler) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.subscribed {
		return ErrAlreadySubscribed
	}
	e.subscribed = true

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case data := <-e.queue:
				msg, err := decode(data)
				if err != nil {
					continue
				}
				handler(ctx, msg)
			case <-ctx.Done():
				return
			case <-e.quit:
				return
			}
		}
	}()
	return nil
}

// Close 从总线移除并等待消费协程退出
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.bus.remove(e)
	close(e.quit)
	e.wg.Wait()
	return nil
}
