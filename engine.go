package linkd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/multpex/linkd/middleware"
	"github.com/multpex/linkd/pkg/audit"
	"github.com/multpex/linkd/pkg/auth"
	"github.com/multpex/linkd/pkg/cache"
	"github.com/multpex/linkd/pkg/logger"
	"github.com/multpex/linkd/pkg/presence"
	"github.com/multpex/linkd/pkg/relay"
	"github.com/multpex/linkd/pkg/tracing"
	"github.com/multpex/linkd/pkg/ws"
)

// Engine 组装网关、HTTP 服务与各附属组件
type Engine struct {
	config *Config
	node   string
	log    logger.Logger

	engine  *gin.Engine
	server  *http.Server
	limiter *middleware.RateLimiter

	gateway  *ws.Gateway
	tracer   *tracing.Provider
	store    cache.Cache
	presence *presence.Tracker
	audit    *audit.Service

	provider  auth.Provider
	gwOptions []ws.GatewayOption
	quiet     bool

	releaseOnce sync.Once
	releaseErr  error
}

// Option Engine 选项
type Option func(*Engine)

// WithLogger 使用外部日志实例，不再按配置创建
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// WithAuthProvider 替换按配置构建的身份来源
func WithAuthProvider(p auth.Provider) Option {
	return func(e *Engine) {
		e.provider = p
	}
}

// WithGatewayOptions 追加网关选项
func WithGatewayOptions(opts ...ws.GatewayOption) Option {
	return func(e *Engine) {
		e.gwOptions = append(e.gwOptions, opts...)
	}
}

// WithoutBanner 启动时不打印 banner
func WithoutBanner() Option {
	return func(e *Engine) {
		e.quiet = true
	}
}

// New 按配置创建 Engine，失败时已创建的组件会被释放
func New(cfg *Config, opts ...Option) (_ *Engine, err error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{config: cfg, node: cfg.Node}
	for _, opt := range opts {
		opt(e)
	}
	if e.node == "" {
		e.node = uuid.NewString()
	}
	if e.log == nil {
		if e.log, err = logger.New(&cfg.Logger); err != nil {
			return nil, err
		}
	}
	e.log = e.log.With(zap.String("node", e.node))

	ctx := context.Background()
	defer func() {
		if err != nil {
			_ = e.release(ctx)
		}
	}()

	if e.tracer, err = tracing.NewProvider(ctx, &cfg.Tracing); err != nil {
		return nil, err
	}

	gwOpts := []ws.GatewayOption{ws.WithLogger(e.log)}
	provider, err := e.authProvider()
	if err != nil {
		return nil, err
	}
	if provider != nil {
		gwOpts = append(gwOpts, ws.WithAuthProvider(provider))
	}
	if cfg.Auth.RequireCredential {
		gwOpts = append(gwOpts, ws.WithRequireCredential())
	}
	if cfg.Relay.Enabled() {
		r, err := relay.New(ctx, &cfg.Relay, e.node, e.log)
		if err != nil {
			return nil, err
		}
		gwOpts = append(gwOpts, ws.WithRelay(r))
	}
	gwOpts = append(gwOpts, e.gwOptions...)

	if e.gateway, err = ws.New(&cfg.WS, gwOpts...); err != nil {
		return nil, err
	}
	ws.RegisterBuiltins(e.gateway)

	if cfg.Presence.Enabled {
		if e.store, err = cache.New(&cfg.Cache); err != nil {
			return nil, err
		}
		popts := []presence.Option{presence.WithLogger(e.log), presence.WithTTL(cfg.Presence.TTL)}
		if !cfg.Presence.Notify {
			popts = append(popts, presence.WithoutNotify())
		}
		e.presence = presence.New(e.store, e.gateway, popts...)
		e.presence.Attach(e.gateway)
		e.presence.RegisterHandlers(e.gateway)
	}

	if cfg.Audit.Enabled {
		if e.audit, err = audit.New(&cfg.Audit, e.log); err != nil {
			return nil, err
		}
		e.audit.Attach(e.gateway)
	}

	if err = e.gateway.Start(); err != nil {
		return nil, err
	}

	e.setupHTTP()
	return e, nil
}

// authProvider 组合 JWT 与静态令牌，依次尝试
func (e *Engine) authProvider() (auth.Provider, error) {
	if e.provider != nil {
		return e.provider, nil
	}

	var providers []auth.Provider
	if e.config.Auth.JWT.Secret != "" {
		p, err := auth.NewJWTProvider(e.config.Auth.JWT)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	if len(e.config.Auth.Tokens) > 0 {
		providers = append(providers, e.config.Auth.StaticTokens())
	}

	switch len(providers) {
	case 0:
		return nil, nil
	case 1:
		return providers[0], nil
	}
	return auth.ProviderFunc(func(ctx context.Context, credential string) (*auth.Identity, error) {
		var last error
		for _, p := range providers {
			id, err := p.Authenticate(ctx, credential)
			if err == nil {
				return id, nil
			}
			last = err
		}
		return nil, last
	}), nil
}

// setupHTTP 创建 gin 引擎与 HTTP Server
func (e *Engine) setupHTTP() {
	gin.SetMode(e.config.Mode)
	silenceGin()

	r := gin.New()
	r.Use(gin.CustomRecovery(func(c *gin.Context, err any) {
		e.log.ErrorContext(c.Request.Context(), "http handler panic",
			zap.Any("panic", err), zap.String("path", c.Request.URL.Path))
		c.AbortWithStatus(http.StatusInternalServerError)
	}))
	if e.config.TrustedProxies != nil {
		if err := r.SetTrustedProxies(e.config.TrustedProxies); err != nil {
			e.log.Warn("set trusted proxies failed", zap.Error(err))
		}
	}
	if e.config.Tracing.Enabled {
		r.Use(tracing.Middleware(pathHealthz))
	}
	r.Use(middleware.Logger(e.log.Named("http"), &middleware.LoggerConfig{
		ExcludePaths: []string{pathHealthz},
	}))

	if e.config.RateLimit.Enabled {
		e.limiter = middleware.NewRateLimiter(&middleware.RateLimiterConfig{
			RequestsPerSecond: e.config.RateLimit.RequestsPerSecond,
			Burst:             e.config.RateLimit.Burst,
			Logger:            e.log.Named("ratelimit"),
		})
	}
	e.engine = r
	e.registerRoutes()

	e.server = &http.Server{
		Addr:              e.config.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: e.config.Server.ReadHeaderTimeout,
		ReadTimeout:       e.config.Server.ReadTimeout,
		WriteTimeout:      e.config.Server.WriteTimeout,
		IdleTimeout:       e.config.Server.IdleTimeout,
		MaxHeaderBytes:    e.config.Server.MaxHeaderBytes,
	}
}

// Gateway 网关实例，用于注册处理器与中间件
func (e *Engine) Gateway() *ws.Gateway { return e.gateway }

// Presence 在线状态，未启用时为 nil
func (e *Engine) Presence() *presence.Tracker { return e.presence }

// Audit 会话审计，未启用时为 nil
func (e *Engine) Audit() *audit.Service { return e.audit }

// Handler HTTP 处理器
func (e *Engine) Handler() http.Handler { return e.engine }

// Node 节点标识
func (e *Engine) Node() string { return e.node }

// Logger 日志实例
func (e *Engine) Logger() logger.Logger { return e.log }

// Run 监听配置的地址，收到 SIGINT/SIGTERM 或 ctx 结束时优雅关机
func (e *Engine) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", e.config.Server.Addr)
	if err != nil {
		_ = e.release(context.Background())
		return fmt.Errorf("linkd: listen %s: %w", e.config.Server.Addr, err)
	}
	return e.Serve(ctx, ln)
}

// Serve 在已有的 listener 上提供服务
func (e *Engine) Serve(ctx context.Context, ln net.Listener) error {
	if !e.quiet {
		e.printBanner(ln.Addr().String())
	}
	e.log.Info("server started", zap.String("addr", ln.Addr().String()))

	errChan := make(chan error, 1)
	go func() {
		if err := e.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errChan:
		_ = e.release(context.Background())
		return err
	case sig := <-quit:
		e.log.Info("shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
		e.log.Info("shutting down", zap.Error(context.Cause(ctx)))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), e.config.Shutdown.Timeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// Shutdown 依次停止接收新请求、关闭网关、审计、存储与追踪
//
// 网关关闭会等待在途消息并向所有连接发送 1001 关闭帧。
func (e *Engine) Shutdown(ctx context.Context) error {
	var errs []error
	if e.server != nil {
		if err := e.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}
	if err := e.release(ctx); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		e.log.Info("server exited")
	}
	return errors.Join(errs...)
}

// release 释放除 HTTP Server 以外的组件，只执行一次
func (e *Engine) release(ctx context.Context) error {
	e.releaseOnce.Do(func() {
		e.releaseErr = e.doRelease(ctx)
	})
	return e.releaseErr
}

func (e *Engine) doRelease(ctx context.Context) error {
	var errs []error
	if e.gateway != nil {
		if err := e.gateway.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("gateway: %w", err))
		}
	}
	if e.limiter != nil {
		e.limiter.Close()
	}
	if e.audit != nil {
		if err := e.audit.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("audit: %w", err))
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache: %w", err))
		}
	}
	if e.tracer != nil {
		if err := e.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing: %w", err))
		}
	}
	if e.log != nil {
		_ = e.log.Sync()
	}
	return errors.Join(errs...)
}
