package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/multpex/linkd/pkg/errors"
	"github.com/multpex/linkd/pkg/logger"
	"github.com/multpex/linkd/pkg/tracing"
)

// State 单条消息的处理状态
type State int

const (
	StateReceived State = iota
	StateDecoded
	StateAuthorized
	StateValidated
	StateDispatched
	StateCompleted
	StateFailed
)

var stateNames = [...]string{"received", "decoded", "authorized", "validated", "dispatched", "completed", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal 是否为终态
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// message 一条入站消息在状态机中的全部信息
type message struct {
	conn  *Conn
	frame []byte
	state State
	start time.Time

	in     *Inbound
	reg    *Registration
	chain  []Middleware
	data   json.RawMessage
	result any
	err    *errors.Error
	cause  error // 被脱敏的原始错误

	ctx  context.Context
	span trace.Span
}

func (m *message) id() string {
	if m.in == nil {
		return ""
	}
	return m.in.ID
}

func (m *message) msgType() string {
	if m.in == nil {
		return ""
	}
	return m.in.Type
}

// handlerResult 处理器返回值
type handlerResult struct {
	value any
	err   error
}

// Router 入站消息状态机
//
// decode、authorize、validate 在连接读循环中顺序执行；dispatch 默认在独立协程中执行，
// 单连接在途消息数受 MaxInFlightPerConn 限制，达到上限时读循环阻塞。
type Router struct {
	gw *Gateway
}

// handle 处理一帧
func (r *Router) handle(c *Conn, frame []byte) {
	m := &message{conn: c, frame: frame, state: StateReceived, start: time.Now()}
	m.ctx, m.span = tracing.StartMessageSpan(logger.WithConnID(c.ctx, c.id), c.id, "", "", c.link)

	for m.state < StateValidated {
		m.state = r.step(m)
	}
	if m.state.Terminal() {
		r.finish(m)
		return
	}

	if m.reg.Options.Inline {
		r.run(m)
		return
	}

	if !r.gw.track() {
		m.state = r.fail(m, errors.ErrServerClosing)
		r.finish(m)
		return
	}
	select {
	case c.inflight <- struct{}{}:
	case <-c.ctx.Done():
		r.gw.inflight.Done()
		m.state = r.fail(m, errors.ErrConnectionGone)
		r.finish(m)
		return
	}
	r.gw.metrics.inflight.Add(1)
	go func() {
		defer func() {
			<-c.inflight
			r.gw.metrics.inflight.Add(-1)
			r.gw.inflight.Done()
		}()
		r.run(m)
	}()
}

// run 推进到终态
func (r *Router) run(m *message) {
	for !m.state.Terminal() {
		m.state = r.step(m)
	}
	r.finish(m)
}

// step 执行一次状态转换
func (r *Router) step(m *message) State {
	switch m.state {
	case StateReceived:
		return r.decode(m)
	case StateDecoded:
		return r.authorize(m)
	case StateAuthorized:
		return r.validate(m)
	case StateValidated:
		return r.dispatch(m)
	case StateDispatched:
		return r.complete(m)
	default:
		return m.state
	}
}

// decode received -> decoded
func (r *Router) decode(m *message) State {
	in, err := r.gw.codec.Decode(m.frame)
	m.in = in
	m.frame = nil
	if err != nil {
		e, _ := errors.From(err)
		return r.fail(m, e)
	}
	m.span.SetAttributes(tracing.AttrMessageType.String(in.Type), tracing.AttrMessageID.String(in.ID))
	return StateDecoded
}

// authorize decoded -> authorized
func (r *Router) authorize(m *message) State {
	reg, chain, ok := r.gw.handlers.resolve(m.in.Type)
	if !ok {
		return r.fail(m, errors.ErrUnknownMessageType.WithMessage("Unknown message type: "+m.in.Type))
	}
	m.reg, m.chain = reg, chain

	opts := reg.Options
	identity := m.conn.Identity()
	if (opts.AuthRequired || len(opts.Roles) > 0) && identity == nil {
		return r.fail(m, errors.ErrUnauthorized)
	}
	if !identity.HasAnyRole(opts.Roles...) {
		return r.fail(m, errors.ErrForbidden)
	}
	return StateAuthorized
}

// validate authorized -> validated
func (r *Router) validate(m *message) State {
	m.data = m.in.Data
	if m.reg.Options.Schema == nil {
		return StateValidated
	}

	normalized, fields := m.reg.Options.Schema.Validate(m.in.Data)
	if len(fields) > 0 {
		return r.fail(m, errors.ErrValidation.WithFields(fields...))
	}
	if normalized != nil {
		m.data = normalized
	}
	return StateValidated
}

// dispatch validated -> dispatched
//
// 超时从等待并发槽开始计算；处理器在独立协程中运行并持有并发槽直到真正返回，
// 超时后立即应答 HandlerTimeout，迟到的结果被丢弃。
func (r *Router) dispatch(m *message) State {
	reg := m.reg
	timeout := reg.Options.Timeout
	if timeout <= 0 {
		timeout = r.gw.cfg.DefaultHandlerTimeout()
	}
	ctx, cancel := context.WithTimeout(m.ctx, timeout)
	defer cancel()

	if reg.sem != nil {
		if err := reg.sem.Acquire(ctx, 1); err != nil {
			return r.fail(m, r.expired(m))
		}
	}

	hctx := &Context{
		Context: ctx,
		Conn:    m.conn,
		Type:    m.in.Type,
		ID:      m.in.ID,
		Data:    m.data,
		gw:      r.gw,
	}

	done := make(chan handlerResult, 1)
	go func() {
		if reg.sem != nil {
			defer reg.sem.Release(1)
		}
		value, err := invoke(hctx, m.chain, reg.Handler)
		done <- handlerResult{value: value, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return r.fail(m, r.sanitize(m, res.err))
		}
		m.result = res.value
		return StateDispatched
	case <-ctx.Done():
		return r.fail(m, r.expired(m))
	}
}

// expired 区分连接关闭与处理超时
func (r *Router) expired(m *message) *errors.Error {
	if m.conn.ctx.Err() != nil {
		return errors.ErrConnectionGone
	}
	return errors.ErrHandlerTimeout
}

// complete dispatched -> completed，无请求 ID 时不发送响应
func (r *Router) complete(m *message) State {
	if m.in.ID == "" {
		return StateCompleted
	}
	frame, err := r.gw.codec.EncodeResult(m.in.ID, m.result)
	if err != nil {
		m.cause = err
		return r.fail(m, errors.ErrHandlerError)
	}
	r.send(m, frame)
	return StateCompleted
}

// fail 任意状态 -> failed，总是应答错误响应
func (r *Router) fail(m *message, e *errors.Error) State {
	if e == nil {
		e = errors.ErrHandlerError
	}
	m.err = e
	r.send(m, r.gw.codec.EncodeError(m.id(), e))
	return StateFailed
}

func (r *Router) send(m *message, frame []byte) {
	if err := m.conn.enqueue(frame); err != nil {
		if errors.Is(err, ErrSendQueueFull) {
			r.gw.metrics.FrameDropped()
		}
		r.gw.log.DebugContext(m.ctx, "response not delivered",
			zap.String("type", m.msgType()),
			zap.Error(err))
	}
}

// sanitize 4xx 客户端错误原样返回，其余错误统一为 HandlerError
func (r *Router) sanitize(m *message, err error) *errors.Error {
	if e, ok := errors.From(err); ok && (e.Code < 500 || e.Is(errors.ErrHandlerTimeout)) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.ErrHandlerTimeout
	}
	m.cause = err
	return errors.ErrHandlerError
}

// finish 结束 Span 并记录日志与指标
func (r *Router) finish(m *message) {
	elapsed := time.Since(m.start)
	m.span.SetAttributes(tracing.AttrState.String(m.state.String()))

	errType := ""
	if m.err != nil {
		errType = m.err.Type
		m.span.SetAttributes(tracing.AttrErrorType.String(errType))
		if m.cause != nil {
			tracing.RecordError(m.span, m.cause)
		} else {
			tracing.RecordError(m.span, m.err)
		}
	}
	m.span.End()

	r.gw.metrics.MessageHandled(m.msgType(), m.state, errType, elapsed)

	if m.err == nil {
		return
	}
	fields := []zap.Field{
		zap.String("type", m.msgType()),
		zap.String("id", m.id()),
		zap.String("error_type", errType),
		zap.Duration("elapsed", elapsed),
	}
	switch {
	case m.cause != nil:
		r.gw.log.ErrorContext(m.ctx, "handler failed", append(fields, zap.Error(m.cause))...)
	case m.err.Type == errors.ErrHandlerTimeout.Type:
		r.gw.log.WarnContext(m.ctx, "handler timed out", fields...)
	default:
		r.gw.log.DebugContext(m.ctx, "message rejected", append(fields, zap.String("message", m.err.Message))...)
	}
}

// invoke 执行调用链并恢复 panic
func invoke(ctx *Context, chain []Middleware, handler Handler) (value any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &panicError{value: p, stack: debug.Stack()}
		}
	}()
	return runChain(ctx, chain, handler)
}

// panicError 处理器 panic
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("handler panic: %v\n%s", e.value, e.stack)
}
