package relay

import (
	"context"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"
)

const falsePositiveRate = 0.0001

// Guard 丢弃本节点发出的消息与重复消息
//
// 去重使用两个布隆过滤器轮换：当前过滤器写满 capacity 条后降为上一代，
// 新建一个空过滤器继续写入，查询同时检查两代。
type Guard struct {
	inner    Relay
	node     string
	capacity uint

	mu       sync.Mutex
	current  *bloom.BloomFilter
	previous *bloom.BloomFilter
	count    uint
}

// NewGuard 包装 Relay
func NewGuard(inner Relay, node string, capacity uint) *Guard {
	if capacity == 0 {
		capacity = 100000
	}
	return &Guard{
		inner:    inner,
		node:     node,
		capacity: capacity,
		current:  bloom.NewWithEstimates(capacity, falsePositiveRate),
		previous: bloom.NewWithEstimates(capacity, falsePositiveRate),
	}
}

// Node 返回本节点 ID
func (g *Guard) Node() string {
	return g.node
}

// Publish 补全节点与消息 ID 后发布
func (g *Guard) Publish(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Node = g.node
	g.seen(msg.ID)
	return g.inner.Publish(ctx, msg)
}

// Subscribe 订阅并过滤消息
func (g *Guard) Subscribe(ctx context.Context, handler Handler) error {
	return g.inner.Subscribe(ctx, func(ctx context.Context, msg *Message) {
		if msg.Node == g.node || msg.ID == "" {
			return
		}
		if g.seen(msg.ID) {
			return
		}
		handler(ctx, msg)
	})
}

// Close 关闭底层通道
func (g *Guard) Close() error {
	return g.inner.Close()
}

// seen 记录 ID，已存在时返回 true
func (g *Guard) seen(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.previous.TestString(id) {
		return true
	}
	if g.current.TestAndAddString(id) {
		return true
	}

	g.count++
	if g.count >= g.capacity {
		g.previous = g.current
		g.current = bloom.NewWithEstimates(g.capacity, falsePositiveRate)
		g.count = 0
	}
	return false
}
