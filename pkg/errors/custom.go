package errors

/*
	网关内置错误
*/

var (
	// ErrMalformedPayload 帧超长或无法解析
	ErrMalformedPayload = New(400, "MALFORMED_PAYLOAD", "Malformed payload")
	// ErrUnauthorized 需要认证
	ErrUnauthorized = New(401, "UNAUTHORIZED", "Authentication required")
	// ErrForbidden 角色不满足
	ErrForbidden = New(403, "FORBIDDEN", "Insufficient role")
	// ErrUnknownMessageType 未注册的消息类型
	ErrUnknownMessageType = New(404, "UNKNOWN_MESSAGE_TYPE", "Unknown message type")
	// ErrConnectionGone 目标连接已断开
	ErrConnectionGone = New(410, "CONNECTION_GONE", "Connection gone")
	// ErrValidation 载荷校验失败
	ErrValidation = New(422, "VALIDATION_ERROR", "Validation failed")
	// ErrTooManyConnections 超出单身份连接数
	ErrTooManyConnections = New(429, "TOO_MANY_CONNECTIONS", "Too many connections")
	// ErrHandlerError 处理器内部错误，对外只暴露通用信息
	ErrHandlerError = New(500, "HANDLER_ERROR", "internal error")
	// ErrHandlerTimeout 处理器超时
	ErrHandlerTimeout = New(504, "HANDLER_TIMEOUT", "Handler timed out")
	// ErrServerClosing 网关正在关闭
	ErrServerClosing = New(503, "SERVER_CLOSING", "Server is shutting down")
)
