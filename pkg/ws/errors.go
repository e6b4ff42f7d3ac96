package ws

import "github.com/multpex/linkd/pkg/errors"

// 网关内部错误，客户端可见的错误见 pkg/errors
var (
	// 房间相关错误
	ErrRoomFull    = errors.New(409, "ROOM_FULL", "Room is full")
	ErrInvalidRoom = errors.New(400, "INVALID_ROOM", "Room id is required")

	// 发送队列已满，帧被丢弃
	ErrSendQueueFull = errors.New(503, "SEND_QUEUE_FULL", "Send queue full")

	// 配置相关错误
	ErrInvalidConfig = errors.New(500, "INVALID_CONFIG", "ws: invalid config")
)
