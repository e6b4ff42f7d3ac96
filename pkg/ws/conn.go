package ws

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/multpex/linkd/pkg/auth"
	"github.com/multpex/linkd/pkg/errors"
)

// Transport 消息传输，*websocket.Conn 满足该接口
type Transport interface {
	NextReader() (messageType int, r io.Reader, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	RemoteAddr() net.Addr
	Close() error
}

// 断开原因
const (
	ReasonClientClosed   = "client closed"
	ReasonHeartbeat      = "heartbeat timeout"
	ReasonSlowConsumer   = "slow consumer"
	ReasonServerShutdown = "server shutdown"
	ReasonTransportError = "transport error"
	ReasonRejected       = "rejected"
)

// Conn 网关连接
type Conn struct {
	id          string
	remoteAddr  string
	connectedAt time.Time
	identity    atomic.Pointer[auth.Identity]
	link        trace.Link // 升级请求的 Span

	transport Transport
	send      chan []byte
	drops     atomic.Int32 // 连续丢帧数
	maxDrops  int32
	inflight  chan struct{} // 单连接并发上限

	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
	closeCode int
	reason    string
	done      chan struct{} // 读写循环与清理均已结束

	// subject 为注册表记账用的身份，受注册表锁保护
	subject string
}

func newConn(parent context.Context, id string, identity *auth.Identity, remoteAddr string, cfg *Config) *Conn {
	ctx, cancel := context.WithCancel(parent)
	c := &Conn{
		id:          id,
		remoteAddr:  remoteAddr,
		connectedAt: time.Now(),
		send:        make(chan []byte, cfg.SendQueueSize),
		maxDrops:    int32(cfg.MaxConsecutiveDrops),
		inflight:    make(chan struct{}, cfg.MaxInFlightPerConn),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	if identity != nil {
		c.identity.Store(identity)
	}
	return c
}

// ID 连接 ID
func (c *Conn) ID() string {
	return c.id
}

// Identity 连接身份，匿名连接返回 nil
func (c *Conn) Identity() *auth.Identity {
	return c.identity.Load()
}

// Subject 身份主体，匿名连接返回空串
func (c *Conn) Subject() string {
	if id := c.identity.Load(); id != nil {
		return id.Subject
	}
	return ""
}

func (c *Conn) RemoteAddr() string     { return c.remoteAddr }
func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }

// Context 连接生命周期 Context，断开时取消
func (c *Conn) Context() context.Context {
	return c.ctx
}

// Done 连接完全结束后关闭
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// IsClosed 检查是否已关闭
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Reason 断开原因
func (c *Conn) Reason() string {
	if !c.closed.Load() {
		return ""
	}
	return c.reason
}

// enqueue 非阻塞入队
//
// 队列满时丢弃该帧；连续丢弃达到上限时以 1008 断开连接。
func (c *Conn) enqueue(frame []byte) error {
	if c.closed.Load() {
		return errors.ErrConnectionGone
	}

	select {
	case c.send <- frame:
		c.drops.Store(0)
		return nil
	default:
	}

	if c.drops.Add(1) >= c.maxDrops {
		c.close(websocket.ClosePolicyViolation, ReasonSlowConsumer)
	}
	return ErrSendQueueFull
}

// close 标记关闭并通知写循环发送关闭帧，只有第一次调用生效
func (c *Conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.reason = reason
		c.closed.Store(true)
		c.cancel()
	})
}

// readFrame 读取一帧，最多读取 max+1 字节，超出部分丢弃
func readFrame(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		if _, err := io.Copy(io.Discard, r); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// readLoop 读循环，返回断开原因
func (g *Gateway) readLoop(c *Conn) string {
	t := c.transport
	pongWait := g.cfg.PongWait()

	if g.cfg.MaxFrameBytes > 0 {
		t.SetReadLimit(g.cfg.MaxFrameBytes)
	}
	if err := t.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return ReasonTransportError
	}
	t.SetPongHandler(func(string) error {
		return t.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, r, err := t.NextReader()
		if err != nil {
			return closeReason(c, err)
		}
		frame, err := readFrame(r, g.cfg.MaxMessageSizeBytes)
		if err != nil {
			return closeReason(c, err)
		}
		// 任何入站帧都说明对端存活
		if err := t.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return ReasonTransportError
		}
		g.router.handle(c, frame)
	}
}

// closeReason 把读错误映射为断开原因
func closeReason(c *Conn, err error) string {
	if c.closed.Load() {
		return c.reason
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ReasonHeartbeat
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return ReasonClientClosed
	}
	return ReasonTransportError
}

// writeLoop 写循环
//
// 关闭时先写出已入队的帧，再发送关闭帧并关闭底层连接。
func (g *Gateway) writeLoop(c *Conn) {
	t := c.transport
	ticker := time.NewTicker(g.cfg.HeartbeatInterval())
	defer func() {
		ticker.Stop()
		_ = t.Close()
	}()

	write := func(frame []byte) error {
		if err := t.SetWriteDeadline(time.Now().Add(g.cfg.WriteWait())); err != nil {
			return err
		}
		return t.WriteMessage(websocket.TextMessage, frame)
	}

	for {
		select {
		case frame := <-c.send:
			if err := write(frame); err != nil {
				g.metrics.WriteError()
				c.close(websocket.CloseAbnormalClosure, ReasonTransportError)
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(g.cfg.WriteWait())
			if err := t.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.close(websocket.CloseAbnormalClosure, ReasonTransportError)
				return
			}

		case <-c.ctx.Done():
			g.drain(c, write)
			if c.closeCode != websocket.CloseAbnormalClosure {
				msg := websocket.FormatCloseMessage(c.closeCode, c.reason)
				_ = t.WriteControl(websocket.CloseMessage, msg, time.Now().Add(g.cfg.WriteWait()))
			}
			return
		}
	}
}

// drain 写出关闭前已入队的帧
func (g *Gateway) drain(c *Conn, write func([]byte) error) {
	if c.closeCode == websocket.CloseAbnormalClosure || c.closeCode == websocket.ClosePolicyViolation {
		return
	}
	for {
		select {
		case frame := <-c.send:
			if err := write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
