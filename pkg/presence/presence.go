// Package presence 维护按身份统计的在线连接数，并在上线/离线时广播通知。
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/multpex/linkd/pkg/cache"
	"github.com/multpex/linkd/pkg/logger"
	"github.com/multpex/linkd/pkg/ws"
)

// 广播事件类型
const (
	EventOnline  = "presence.online"
	EventOffline = "presence.offline"
)

const keyPrefix = "presence:"

// Notice 上线/离线通知载荷
type Notice struct {
	Subject string `json:"subject"`
	At      int64  `json:"at"` // unix ms
}

// Broadcaster 广播接口，*ws.Gateway 满足该接口
type Broadcaster interface {
	Broadcast(ctx context.Context, target ws.Target, event string, payload any) error
}

// Tracker 在线状态跟踪
//
// 计数保存在 cache.Cache 中，多节点共享 Redis 时为全局计数。
// 身份计数从 0 变为 1 时向其他连接广播上线，从 1 变为 0 时向最后一个连接所在的房间广播离线。
type Tracker struct {
	store  cache.Cache
	bc     Broadcaster
	ttl    time.Duration
	notify bool
	log    logger.Logger

	group   singleflight.Group
	tracked sync.Map // conn id -> subject，只有计入的连接才会在断开时扣减
}

// Option 选项
type Option func(*Tracker)

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(t *Tracker) {
		t.log = l
	}
}

// WithTTL 计数过期时间，节点异常退出后残留计数在过期后清除
func WithTTL(ttl time.Duration) Option {
	return func(t *Tracker) {
		t.ttl = ttl
	}
}

// WithoutNotify 只计数不广播
func WithoutNotify() Option {
	return func(t *Tracker) {
		t.notify = false
	}
}

// New 创建跟踪器
func New(store cache.Cache, bc Broadcaster, opts ...Option) *Tracker {
	t := &Tracker{
		store:  store,
		bc:     bc,
		notify: true,
		log:    logger.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.Named("presence")
	return t
}

// Attach 注册网关连接钩子
func (t *Tracker) Attach(gw *ws.Gateway) {
	gw.OnConnect(t.Connected)
	gw.OnAuthenticate(t.Authenticated)
	gw.OnDisconnect(t.Disconnected)
}

// Connected 连接钩子，计数失败不拒绝连接
func (t *Tracker) Connected(ctx context.Context, c *ws.Conn) error {
	t.track(ctx, c)
	return nil
}

// Authenticated 延迟认证或切换身份时调用，先扣减旧身份再计入新身份
func (t *Tracker) Authenticated(ctx context.Context, c *ws.Conn, _ string, rooms []string) {
	t.untrack(ctx, c.ID(), rooms)
	t.track(ctx, c)

	// 与断开钩子并发时由 LoadAndDelete 保证只扣减一次
	if c.IsClosed() {
		t.untrack(ctx, c.ID(), nil)
	}
}

// Disconnected 断开钩子
func (t *Tracker) Disconnected(ctx context.Context, c *ws.Conn, rooms []string, _ string) {
	t.untrack(ctx, c.ID(), rooms)
}

func (t *Tracker) track(ctx context.Context, c *ws.Conn) {
	subject := c.Subject()
	if subject == "" {
		return
	}

	n, err := t.store.IncrBy(ctx, key(subject), 1, t.ttl)
	if err != nil {
		t.log.WarnContext(ctx, "presence increment failed", zap.String("subject", subject), zap.Error(err))
		return
	}
	t.tracked.Store(c.ID(), subject)

	if n == 1 {
		t.broadcast(ctx, ws.ToAll(c.ID()), EventOnline, subject)
	}
}

func (t *Tracker) untrack(ctx context.Context, connID string, rooms []string) {
	v, ok := t.tracked.LoadAndDelete(connID)
	if !ok {
		return
	}
	subject := v.(string)

	n, err := t.store.IncrBy(ctx, key(subject), -1, t.ttl)
	if err != nil {
		t.log.WarnContext(ctx, "presence decrement failed", zap.String("subject", subject), zap.Error(err))
		return
	}
	if n > 0 {
		return
	}
	for _, room := range rooms {
		t.broadcast(ctx, ws.ToRoom(room), EventOffline, subject)
	}
}

// Online 身份的在线连接数，并发查询同一身份时合并为一次读取
func (t *Tracker) Online(ctx context.Context, subject string) (int64, error) {
	v, err, _ := t.group.Do(subject, func() (any, error) {
		return t.store.Get(ctx, key(subject))
	})
	if err != nil {
		return 0, err
	}
	n := v.(int64)
	if n < 0 {
		n = 0
	}
	return n, nil
}

// IsOnline 是否在线
func (t *Tracker) IsOnline(ctx context.Context, subject string) (bool, error) {
	n, err := t.Online(ctx, subject)
	return n > 0, err
}

// OnlineMany 批量查询，结果按 subject 返回
func (t *Tracker) OnlineMany(ctx context.Context, subjects ...string) (map[string]int64, error) {
	out := make(map[string]int64, len(subjects))
	for _, s := range subjects {
		n, err := t.Online(ctx, s)
		if err != nil {
			return nil, err
		}
		out[s] = n
	}
	return out, nil
}

func (t *Tracker) broadcast(ctx context.Context, target ws.Target, event, subject string) {
	if !t.notify || t.bc == nil {
		return
	}
	notice := Notice{Subject: subject, At: time.Now().UnixMilli()}
	if err := t.bc.Broadcast(ctx, target, event, notice); err != nil {
		t.log.WarnContext(ctx, "presence broadcast failed",
			zap.String("event", event),
			zap.String("subject", subject),
			zap.Error(err))
	}
}

func key(subject string) string {
	return keyPrefix + subject
}
