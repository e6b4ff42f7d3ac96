package ws

import (
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Handler 消息处理器，返回值作为成功响应的 data
type Handler func(ctx *Context) (any, error)

// Next 调用链中的下一步
type Next func() (any, error)

// Middleware 中间件，不调用 next 即短路，其返回值作为响应
type Middleware func(ctx *Context, next Next) (any, error)

// ShortCircuit 返回一个直接以 err 结束调用链的中间件
func ShortCircuit(err error) Middleware {
	return func(*Context, Next) (any, error) {
		return nil, err
	}
}

// Options 处理器选项
type Options struct {
	AuthRequired bool
	Roles        []string
	Schema       Schema
	Timeout      time.Duration // 0 使用默认超时
	MaxInFlight  int           // 0 不限制
	Inline       bool          // 在读循环中同步执行，保持同一连接的顺序
}

// Option 处理器选项函数
type Option func(*Options)

// AuthRequired 要求连接已认证
func AuthRequired() Option {
	return func(o *Options) {
		o.AuthRequired = true
	}
}

// WithRoles 要求身份拥有任一角色，隐含 AuthRequired
func WithRoles(roles ...string) Option {
	return func(o *Options) {
		o.AuthRequired = true
		o.Roles = append(o.Roles, roles...)
	}
}

// WithSchema 设置载荷校验
func WithSchema(s Schema) Option {
	return func(o *Options) {
		o.Schema = s
	}
}

// WithTimeout 设置处理超时
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}

// WithMaxInFlight 设置处理器全局并发上限
func WithMaxInFlight(n int) Option {
	return func(o *Options) {
		o.MaxInFlight = n
	}
}

// Inline 在读循环中同步执行
func Inline() Option {
	return func(o *Options) {
		o.Inline = true
	}
}

// Registration 处理器注册信息
type Registration struct {
	Name    string
	Options Options
	Handler Handler

	base Options // 注册时传入的选项，配置覆盖在此基础上重新计算
	sem  *semaphore.Weighted
}

type patternMiddleware struct {
	pattern    string
	middleware Middleware
}

// matchExact 精确匹配
func (p patternMiddleware) matchExact(name string) bool {
	return p.pattern == name
}

// matchGlob 末尾 * 匹配任意后缀
func (p patternMiddleware) matchGlob(name string) bool {
	prefix, ok := strings.CutSuffix(p.pattern, "*")
	return ok && strings.HasPrefix(name, prefix)
}

// HandlerRegistry 处理器注册表
type HandlerRegistry struct {
	mu        sync.RWMutex
	handlers  map[string]*Registration
	global    []Middleware
	patterns  []patternMiddleware
	overrides func(name string) (HandlerOverride, bool)
}

// NewHandlerRegistry 创建注册表
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]*Registration),
	}
}

// Register 注册处理器，同名注册会替换之前的注册
func (hr *HandlerRegistry) Register(name string, handler Handler, opts ...Option) *Registration {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}

	hr.mu.Lock()
	defer hr.mu.Unlock()

	reg := hr.build(name, handler, o)
	hr.handlers[name] = reg
	return reg
}

// SetOverrides 替换配置覆盖并重建所有注册，在途消息继续使用旧的注册
func (hr *HandlerRegistry) SetOverrides(overrides func(name string) (HandlerOverride, bool)) {
	hr.mu.Lock()
	defer hr.mu.Unlock()

	hr.overrides = overrides
	for name, reg := range hr.handlers {
		next := hr.build(name, reg.Handler, reg.base)
		// 并发上限不变时沿用信号量，在途调用仍被计数
		if next.Options.MaxInFlight == reg.Options.MaxInFlight {
			next.sem = reg.sem
		}
		hr.handlers[name] = next
	}
}

// build 调用方必须持有 mu
func (hr *HandlerRegistry) build(name string, handler Handler, base Options) *Registration {
	o := base
	o.Roles = slices.Clone(base.Roles)
	if hr.overrides != nil {
		if ov, ok := hr.overrides(name); ok {
			applyOverride(&o, ov)
		}
	}

	reg := &Registration{Name: name, Options: o, Handler: handler, base: base}
	if o.MaxInFlight > 0 {
		reg.sem = semaphore.NewWeighted(int64(o.MaxInFlight))
	}
	return reg
}

func applyOverride(o *Options, ov HandlerOverride) {
	if ov.AuthRequired != nil {
		o.AuthRequired = *ov.AuthRequired
	}
	if len(ov.Roles) > 0 {
		o.Roles = ov.Roles
		o.AuthRequired = true
	}
	if ov.TimeoutMs > 0 {
		o.Timeout = time.Duration(ov.TimeoutMs) * time.Millisecond
	}
	if ov.MaxInFlight > 0 {
		o.MaxInFlight = ov.MaxInFlight
	}
}

// Unregister 注销处理器
func (hr *HandlerRegistry) Unregister(name string) bool {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	_, ok := hr.handlers[name]
	delete(hr.handlers, name)
	return ok
}

// Lookup 查找处理器
func (hr *HandlerRegistry) Lookup(name string) (*Registration, bool) {
	hr.mu.RLock()
	defer hr.mu.RUnlock()
	reg, ok := hr.handlers[name]
	return reg, ok
}

// Names 已注册的处理器名称
func (hr *HandlerRegistry) Names() []string {
	hr.mu.RLock()
	names := make([]string, 0, len(hr.handlers))
	for name := range hr.handlers {
		names = append(names, name)
	}
	hr.mu.RUnlock()
	slices.Sort(names)
	return names
}

// Len 处理器数量
func (hr *HandlerRegistry) Len() int {
	hr.mu.RLock()
	defer hr.mu.RUnlock()
	return len(hr.handlers)
}

// Use 添加全局中间件
func (hr *HandlerRegistry) Use(middleware ...Middleware) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	hr.global = append(hr.global, middleware...)
}

// UseFor 添加按名称匹配的中间件，pattern 为精确名称或 "prefix.*"
func (hr *HandlerRegistry) UseFor(pattern string, middleware ...Middleware) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	for _, mw := range middleware {
		hr.patterns = append(hr.patterns, patternMiddleware{pattern: pattern, middleware: mw})
	}
}

// resolve 查找处理器及其中间件链
//
// 顺序：全局中间件，再是所有匹配名称的中间件，各自按注册顺序。
func (hr *HandlerRegistry) resolve(name string) (*Registration, []Middleware, bool) {
	hr.mu.RLock()
	defer hr.mu.RUnlock()

	reg, ok := hr.handlers[name]
	if !ok {
		return nil, nil, false
	}

	chain := make([]Middleware, 0, len(hr.global)+len(hr.patterns))
	chain = append(chain, hr.global...)
	for _, p := range hr.patterns {
		if p.matchExact(name) || p.matchGlob(name) {
			chain = append(chain, p.middleware)
		}
	}
	return reg, chain, true
}

// runChain 依次执行中间件与处理器
func runChain(ctx *Context, chain []Middleware, handler Handler) (any, error) {
	var next func(i int) (any, error)
	next = func(i int) (any, error) {
		if i == len(chain) {
			return handler(ctx)
		}
		return chain[i](ctx, func() (any, error) {
			return next(i + 1)
		})
	}
	return next(0)
}
