package ws

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/multpex/linkd/pkg/auth"
	"github.com/multpex/linkd/pkg/errors"
	"github.com/multpex/linkd/pkg/logger"
)

// Context 单条消息的处理上下文
//
// 内嵌的 context.Context 带处理超时，连接断开时同样取消。
type Context struct {
	context.Context

	Conn *Conn
	Type string
	ID   string
	Data json.RawMessage // 经过校验与规范化的载荷

	gw     *Gateway
	values map[string]any
}

// Bind 解析载荷到 v
func (c *Context) Bind(v any) error {
	if len(c.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Data, v); err != nil {
		return errors.ErrMalformedPayload.WithError(err).WithMessage("Invalid data for " + c.Type)
	}
	return nil
}

// Identity 连接身份
func (c *Context) Identity() *auth.Identity {
	return c.Conn.Identity()
}

// Authenticate 为连接绑定身份（延迟认证）
func (c *Context) Authenticate(identity *auth.Identity) error {
	return c.gw.Authenticate(c.Conn.ID(), identity)
}

// Join 当前连接加入房间
func (c *Context) Join(room string) error {
	return c.gw.Join(c.Conn.ID(), room)
}

// Leave 当前连接离开房间
func (c *Context) Leave(room string) {
	c.gw.Leave(c.Conn.ID(), room)
}

// Rooms 当前连接所在房间
func (c *Context) Rooms() []string {
	return c.gw.rooms.RoomsOf(c.Conn.ID())
}

// Broadcast 广播事件
func (c *Context) Broadcast(target Target, event string, payload any) error {
	return c.gw.broadcaster.Dispatch(c, target, event, payload)
}

// Logger 带连接信息的日志
func (c *Context) Logger() logger.Logger {
	return c.gw.log.With(zap.String("conn_id", c.Conn.ID()), zap.String("type", c.Type))
}

// Set 在中间件与处理器之间传递值
func (c *Context) Set(key string, v any) {
	if c.values == nil {
		c.values = make(map[string]any)
	}
	c.values[key] = v
}

// Get 读取 Set 保存的值
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Handle 将泛型函数适配为 Handler
//
//	gw.Register("chat.send", ws.Handle(func(c *ws.Context, req *SendRequest) (*SendResponse, error) {
//	    ...
//	}))
func Handle[Req any, Resp any](fn func(*Context, *Req) (*Resp, error)) Handler {
	return func(c *Context) (any, error) {
		var req Req
		if err := c.Bind(&req); err != nil {
			return nil, err
		}
		resp, err := fn(c, &req)
		if err != nil {
			return nil, err
		}
		return resp, nil
	}
}

// HandleNotify 将无响应的泛型函数适配为 Handler
func HandleNotify[Req any](fn func(*Context, *Req) error) Handler {
	return func(c *Context) (any, error) {
		var req Req
		if err := c.Bind(&req); err != nil {
			return nil, err
		}
		return nil, fn(c, &req)
	}
}
