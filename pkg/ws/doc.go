// Package ws 实现 WebSocket 网关：连接注册、房间索引、消息路由与广播。
//
// # 协议
//
// 客户端发送：
//
//	{"type": "chat.send", "data": {...}, "id": "msg-124"}
//
// 成功响应（仅当请求带 id）：
//
//	{"id": "msg-124", "data": {...}}
//
// 错误响应（总是发送，无 id 时为空串）：
//
//	{"id": "msg-124", "error": {"code": 401, "type": "UNAUTHORIZED", "message": "Authentication required"}}
//
// 广播事件：
//
//	{"type": "chat.message", "data": {...}}
//
// # 使用
//
//	gw, err := ws.New(ws.DefaultConfig(), ws.WithLogger(log), ws.WithAuthProvider(provider))
//	if err != nil {
//	    return err
//	}
//	ws.RegisterBuiltins(gw)
//
//	gw.Register("chat.send", ws.Handle(func(c *ws.Context, req *SendRequest) (*SendResponse, error) {
//	    err := c.Broadcast(ws.ToRoom(req.Room, c.Conn.ID()), "chat.message", req)
//	    return &SendResponse{OK: err == nil}, err
//	}), ws.AuthRequired(), ws.WithSchema(ws.NewStructSchema[SendRequest]()), ws.WithTimeout(2*time.Second))
//
//	gw.UseFor("chat.*", func(c *ws.Context, next ws.Next) (any, error) {
//	    start := time.Now()
//	    defer func() { c.Logger().Debug("handled", zap.Duration("elapsed", time.Since(start))) }()
//	    return next()
//	})
//
//	http.Handle("/ws", gw)
//	...
//	_ = gw.Shutdown(ctx)
//
// # 处理流程
//
// 每条消息经过 received、decoded、authorized、validated、dispatched 状态，最终到达 completed 或 failed。
// 任何失败都会生成错误响应，不会终止连接的读循环。
//
// # 慢客户端
//
// 每个连接有固定长度的发送队列，入队从不阻塞。队列满时丢弃该帧，
// 连续丢弃 MaxConsecutiveDrops 帧后以 1008 断开。
package ws
