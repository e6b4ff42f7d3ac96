package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/multpex/linkd/pkg/auth"
	"github.com/multpex/linkd/pkg/errors"
	"github.com/multpex/linkd/pkg/logger"
	"github.com/multpex/linkd/pkg/relay"
)

// ConnectHook 连接接纳后、读写循环启动前同步执行，返回错误则拒绝连接
type ConnectHook func(ctx context.Context, c *Conn) error

// DisconnectHook 连接从注册表移除后同步执行，rooms 为离开的房间
type DisconnectHook func(ctx context.Context, c *Conn, rooms []string, reason string)

// AuthenticateHook 连接绑定新身份后同步调用，prev 为之前的 subject（匿名时为空），rooms 为连接当前所在房间
type AuthenticateHook func(ctx context.Context, c *Conn, prev string, rooms []string)

// GatewayOption 网关选项
type GatewayOption func(*Gateway)

// WithLogger 设置日志
func WithLogger(l logger.Logger) GatewayOption {
	return func(g *Gateway) {
		g.log = l
	}
}

// WithMetrics 设置监控
func WithMetrics(m Metrics) GatewayOption {
	return func(g *Gateway) {
		g.metrics = newRecorder(m)
	}
}

// WithRelay 设置节点间转发
func WithRelay(r relay.Relay) GatewayOption {
	return func(g *Gateway) {
		g.relay = r
	}
}

// WithAuthProvider 设置升级时的身份认证
func WithAuthProvider(p auth.Provider) GatewayOption {
	return func(g *Gateway) {
		g.provider = p
	}
}

// WithRequireCredential 升级时必须携带凭证，否则允许匿名连接稍后认证
func WithRequireCredential() GatewayOption {
	return func(g *Gateway) {
		g.requireCredential = true
	}
}

// Gateway WebSocket 网关
type Gateway struct {
	cfg *Config
	log logger.Logger

	codec       *Codec
	rooms       *RoomIndex
	conns       *ConnectionRegistry
	handlers    *HandlerRegistry
	router      *Router
	broadcaster *Broadcaster
	events      *EventBus
	metrics     *recorder
	relay       relay.Relay
	upgrader    *websocket.Upgrader

	provider          auth.Provider
	requireCredential bool

	hookMu       sync.RWMutex
	onConnect    []ConnectHook
	onDisconnect []DisconnectHook
	onAuth       []AuthenticateHook

	// mu 保证 closing 置位后不再有新的 loops/inflight 计数
	mu       sync.RWMutex
	closing  atomic.Bool
	loops    sync.WaitGroup
	inflight sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New 创建网关
func New(cfg *Config, opts ...GatewayOption) (*Gateway, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &Gateway{
		cfg:     cfg,
		log:     logger.Nop(),
		metrics: newRecorder(nil),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.Named("ws")

	g.codec = NewCodec(cfg.MaxMessageSizeBytes)
	g.rooms = NewRoomIndex(cfg.MaxRoomSize)
	g.conns = NewConnectionRegistry(g.rooms, cfg.MaxConnectionsPerIdentity, cfg.MaxConnections)
	g.handlers = NewHandlerRegistry()
	g.handlers.overrides = cfg.override
	g.router = &Router{gw: g}
	g.broadcaster = &Broadcaster{
		conns:   g.conns,
		rooms:   g.rooms,
		codec:   g.codec,
		relay:   g.relay,
		log:     g.log,
		metrics: g.metrics,
	}
	g.events = NewEventBus(cfg.EventWorkers, cfg.EventQueueSize)
	g.upgrader = cfg.newUpgrader()
	g.ctx, g.cancel = context.WithCancel(context.Background())
	return g, nil
}

// Start 订阅其他节点的广播
func (g *Gateway) Start() error {
	if g.relay == nil {
		return nil
	}
	return g.relay.Subscribe(g.ctx, g.broadcaster.Receive)
}

// Register 注册处理器
func (g *Gateway) Register(name string, handler Handler, opts ...Option) *Registration {
	return g.handlers.Register(name, handler, opts...)
}

// Use 添加全局中间件
func (g *Gateway) Use(middleware ...Middleware) {
	g.handlers.Use(middleware...)
}

// UseFor 添加按名称匹配的中间件
func (g *Gateway) UseFor(pattern string, middleware ...Middleware) {
	g.handlers.UseFor(pattern, middleware...)
}

// OnConnect 添加连接钩子
func (g *Gateway) OnConnect(h ConnectHook) {
	g.hookMu.Lock()
	defer g.hookMu.Unlock()
	g.onConnect = append(g.onConnect, h)
}

// OnDisconnect 添加断开钩子
func (g *Gateway) OnDisconnect(h DisconnectHook) {
	g.hookMu.Lock()
	defer g.hookMu.Unlock()
	g.onDisconnect = append(g.onDisconnect, h)
}

// OnAuthenticate 添加身份绑定钩子
func (g *Gateway) OnAuthenticate(h AuthenticateHook) {
	g.hookMu.Lock()
	defer g.hookMu.Unlock()
	g.onAuth = append(g.onAuth, h)
}

// Subscribe 订阅异步生命周期事件
func (g *Gateway) Subscribe(eventType EventType, handler EventHandler) {
	g.events.Subscribe(eventType, handler)
}

// Broadcast 广播事件
func (g *Gateway) Broadcast(ctx context.Context, target Target, event string, payload any) error {
	return g.broadcaster.Dispatch(ctx, target, event, payload)
}

// SetHandlerOverrides 热更新处理器配置覆盖，同名项以第一个为准
func (g *Gateway) SetHandlerOverrides(overrides []HandlerOverride) error {
	c := *g.cfg
	c.Handlers = slices.Clone(overrides)
	if err := c.Validate(); err != nil {
		return err
	}
	g.handlers.SetOverrides(c.override)
	return nil
}

// Authenticate 为已接纳的连接绑定身份，受单身份连接数限制
func (g *Gateway) Authenticate(connID string, identity *auth.Identity) error {
	prev, err := g.conns.bind(connID, identity)
	if err != nil {
		return err
	}
	c, ok := g.conns.Get(connID)
	if !ok {
		return nil
	}
	if prev != identity.Subject {
		g.runAuthenticateHooks(c, prev, g.rooms.RoomsOf(connID))
	}
	g.events.Publish(Event{
		Type:        EventAuthenticated,
		ConnID:      connID,
		Subject:     identity.Subject,
		RemoteAddr:  c.remoteAddr,
		ConnectedAt: c.connectedAt,
	})
	return nil
}

// Join 连接加入房间
func (g *Gateway) Join(connID, room string) error {
	if err := g.conns.Join(connID, room); err != nil {
		return err
	}
	g.events.Publish(Event{Type: EventRoomJoined, ConnID: connID, Room: room})
	return nil
}

// Leave 连接离开房间
func (g *Gateway) Leave(connID, room string) {
	if g.conns.Leave(connID, room) {
		g.events.Publish(Event{Type: EventRoomLeft, ConnID: connID, Room: room})
	}
}

func (g *Gateway) Handlers() *HandlerRegistry       { return g.handlers }
func (g *Gateway) Connections() *ConnectionRegistry { return g.conns }
func (g *Gateway) Rooms() *RoomIndex                { return g.rooms }
func (g *Gateway) Broadcaster() *Broadcaster        { return g.broadcaster }
func (g *Gateway) Config() *Config                  { return g.cfg }

// Closing 是否正在关闭
func (g *Gateway) Closing() bool {
	return g.closing.Load()
}

// Stats 统计快照
func (g *Gateway) Stats() Stats {
	s := Stats{
		Connections: g.conns.Count(),
		Rooms:       g.rooms.Count(),
		Handlers:    g.handlers.Len(),
	}
	g.metrics.fill(&s)
	return s
}

// ServeHTTP 认证、接纳并升级连接
//
// 连接数检查在升级前完成，超限时返回 429；关闭中返回 503。
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.closing.Load() {
		writeHTTPError(w, errors.ErrServerClosing)
		return
	}

	identity, err := g.authenticate(r)
	if err != nil {
		g.metrics.ConnectionRejected("unauthorized")
		g.log.DebugContext(r.Context(), "upgrade rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		writeHTTPError(w, errors.ErrUnauthorized)
		return
	}

	c, err := g.admit(identity, r.RemoteAddr)
	if err != nil {
		e, ok := errors.From(err)
		if !ok {
			e = errors.ErrHandlerError
		}
		writeHTTPError(w, e)
		return
	}
	c.link = trace.Link{SpanContext: trace.SpanContextFromContext(r.Context())}

	wsConn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// 升级器已写出错误响应
		g.conns.Remove(c.id)
		c.close(websocket.CloseAbnormalClosure, ReasonRejected)
		g.log.DebugContext(r.Context(), "upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	_ = g.start(c, wsConn)
}

// Accept 接纳一个已建立的传输，用于非 HTTP 升级的接入方式
func (g *Gateway) Accept(t Transport, identity *auth.Identity) (*Conn, error) {
	if g.closing.Load() {
		return nil, errors.ErrServerClosing
	}
	remote := ""
	if addr := t.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	c, err := g.admit(identity, remote)
	if err != nil {
		return nil, err
	}
	if err := g.start(c, t); err != nil {
		return nil, err
	}
	return c, nil
}

// Disconnect 主动断开连接
func (g *Gateway) Disconnect(connID, reason string) error {
	c, ok := g.conns.Get(connID)
	if !ok {
		return errors.ErrConnectionGone
	}
	c.close(websocket.CloseNormalClosure, reason)
	return nil
}

func (g *Gateway) authenticate(r *http.Request) (*auth.Identity, error) {
	credential := auth.CredentialFromRequest(r)
	if credential == "" {
		if g.requireCredential {
			return nil, auth.ErrNoCredential
		}
		return nil, nil
	}
	if g.provider == nil {
		return nil, nil
	}
	return g.provider.Authenticate(r.Context(), credential)
}

// admit 分配连接并登记到注册表
func (g *Gateway) admit(identity *auth.Identity, remoteAddr string) (*Conn, error) {
	c := newConn(g.ctx, uuid.NewString(), identity, remoteAddr, g.cfg)
	if err := g.conns.Admit(c); err != nil {
		c.cancel()
		g.metrics.ConnectionRejected("too_many_connections")
		g.log.Info("connection rejected",
			zap.String("subject", c.Subject()),
			zap.String("remote", remoteAddr),
			zap.Error(err))
		return nil, err
	}
	return c, nil
}

// start 执行连接钩子并启动读写循环
func (g *Gateway) start(c *Conn, t Transport) error {
	c.transport = t

	g.mu.RLock()
	if g.closing.Load() {
		g.mu.RUnlock()
		g.reject(c, websocket.CloseGoingAway, ReasonServerShutdown)
		return errors.ErrServerClosing
	}
	g.loops.Add(1)
	g.mu.RUnlock()

	if ran, err := g.runConnectHooks(c); err != nil {
		g.reject(c, websocket.ClosePolicyViolation, ReasonRejected)
		// 已执行的连接钩子可能已登记状态，由断开钩子回收
		if ran > 0 {
			g.runDisconnectHooks(c, nil, ReasonRejected)
		}
		g.loops.Done()
		return err
	}

	g.metrics.ConnectionAdmitted()
	g.log.Debug("connection admitted",
		zap.String("conn_id", c.id),
		zap.String("subject", c.Subject()),
		zap.String("remote", c.remoteAddr))
	g.events.Publish(Event{
		Type:        EventConnected,
		ConnID:      c.id,
		Subject:     c.Subject(),
		RemoteAddr:  c.remoteAddr,
		ConnectedAt: c.connectedAt,
	})

	go g.serve(c)
	return nil
}

// reject 在读写循环启动前关闭连接
func (g *Gateway) reject(c *Conn, code int, reason string) {
	g.conns.Remove(c.id)
	c.close(code, reason)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.transport.WriteControl(websocket.CloseMessage, msg, time.Now().Add(g.cfg.WriteWait()))
	_ = c.transport.Close()
	close(c.done)
}

// serve 运行读写循环，结束后移除连接并执行断开钩子
func (g *Gateway) serve(c *Conn) {
	defer g.loops.Done()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		g.writeLoop(c)
	}()

	reason := g.readLoop(c)
	c.close(closeCodeFor(reason), reason)
	wg.Wait()

	rooms := g.conns.Remove(c.id)
	reason = c.Reason()
	g.metrics.ConnectionClosed(reason)
	g.log.Debug("connection closed",
		zap.String("conn_id", c.id),
		zap.String("reason", reason),
		zap.Strings("rooms", rooms))

	g.runDisconnectHooks(c, rooms, reason)
	g.events.Publish(Event{
		Type:        EventDisconnected,
		ConnID:      c.id,
		Subject:     c.Subject(),
		RemoteAddr:  c.remoteAddr,
		ConnectedAt: c.connectedAt,
		Rooms:       rooms,
		Reason:      reason,
	})
	close(c.done)
}

func closeCodeFor(reason string) int {
	switch reason {
	case ReasonTransportError:
		return websocket.CloseAbnormalClosure
	case ReasonHeartbeat:
		return websocket.CloseGoingAway
	default:
		return websocket.CloseNormalClosure
	}
}

// runConnectHooks 依次执行连接钩子，返回成功执行的个数
func (g *Gateway) runConnectHooks(c *Conn) (int, error) {
	g.hookMu.RLock()
	hooks := g.onConnect
	g.hookMu.RUnlock()

	ctx := logger.WithConnID(c.ctx, c.id)
	for i, h := range hooks {
		if err := g.safeConnectHook(ctx, h, c); err != nil {
			g.log.WarnContext(ctx, "connect hook rejected connection", zap.Error(err))
			return i, err
		}
	}
	return len(hooks), nil
}

func (g *Gateway) safeConnectHook(ctx context.Context, h ConnectHook, c *Conn) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &panicError{value: p}
		}
	}()
	return h(ctx, c)
}

func (g *Gateway) runDisconnectHooks(c *Conn, rooms []string, reason string) {
	g.hookMu.RLock()
	hooks := g.onDisconnect
	g.hookMu.RUnlock()

	// 连接 Context 已取消，钩子仍需完成外部调用
	ctx := logger.WithConnID(context.WithoutCancel(c.ctx), c.id)
	for _, h := range hooks {
		func() {
			defer func() {
				if p := recover(); p != nil {
					g.log.ErrorContext(ctx, "disconnect hook panic", zap.Any("panic", p))
				}
			}()
			h(ctx, c, rooms, reason)
		}()
	}
}

func (g *Gateway) runAuthenticateHooks(c *Conn, prev string, rooms []string) {
	g.hookMu.RLock()
	hooks := g.onAuth
	g.hookMu.RUnlock()

	ctx := logger.WithConnID(context.WithoutCancel(c.ctx), c.id)
	for _, h := range hooks {
		func() {
			defer func() {
				if p := recover(); p != nil {
					g.log.ErrorContext(ctx, "authenticate hook panic", zap.Any("panic", p))
				}
			}()
			h(ctx, c, prev, rooms)
		}()
	}
}

// Shutdown 优雅关闭
//
// 依次：停止接纳新连接，向所有连接发送 server.closing，等待在途处理器结束或超时，
// 关闭所有连接并等待断开钩子执行完毕，最后关闭 relay 与事件总线。
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	already := g.closing.Swap(true)
	g.mu.Unlock()
	if already {
		return nil
	}

	g.log.Info("gateway shutting down", zap.Int("connections", g.conns.Count()))
	_ = g.broadcaster.DispatchLocal(ctx, ToAll(), EventServerClosing, nil)

	var firstErr error
	if err := waitContext(ctx, &g.inflight); err != nil {
		g.log.Warn("in-flight handlers still running at shutdown", zap.Error(err))
		firstErr = err
	}

	eg, egCtx := errgroup.WithContext(ctx)
	g.conns.Range(func(c *Conn) bool {
		eg.Go(func() error {
			c.close(websocket.CloseGoingAway, ReasonServerShutdown)
			select {
			case <-c.done:
				return nil
			case <-egCtx.Done():
				return egCtx.Err()
			}
		})
		return true
	})
	if err := eg.Wait(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := waitContext(ctx, &g.loops); err != nil && firstErr == nil {
		firstErr = err
	}

	g.cancel()
	if g.relay != nil {
		if err := g.relay.Close(); err != nil {
			g.log.Warn("relay close failed", zap.Error(err))
		}
	}
	g.events.Close()
	return firstErr
}

// track 登记在途处理器，关闭中返回 false
func (g *Gateway) track() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closing.Load() {
		return false
	}
	g.inflight.Add(1)
	return true
}

func waitContext(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func writeHTTPError(w http.ResponseWriter, e *errors.Error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(e.HttpCode)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": e})
}
