package ws

import "time"

// 内置消息类型
const (
	TypeRoomJoin  = "room.join"
	TypeRoomLeave = "room.leave"
	TypeRoomList  = "room.list"
	TypePing      = "ping"

	// EventServerClosing 网关关闭前发送给所有连接
	EventServerClosing = "server.closing"
)

type roomRequest struct {
	Room string `json:"room" validate:"required,max=256"`
}

type roomResponse struct {
	Room  string   `json:"room,omitempty"`
	Rooms []string `json:"rooms"`
}

// RegisterBuiltins 注册房间与心跳消息
//
// 房间操作在读循环中同步执行，同一连接的 join/leave 按发送顺序生效，
// 响应返回时 room.list 必然反映之前的操作。
func RegisterBuiltins(g *Gateway) {
	roomSchema := NewStructSchema[roomRequest]()

	g.Register(TypeRoomJoin, Handle(func(c *Context, req *roomRequest) (*roomResponse, error) {
		if err := c.Join(req.Room); err != nil {
			return nil, err
		}
		return &roomResponse{Room: req.Room, Rooms: nonNil(c.Rooms())}, nil
	}), WithSchema(roomSchema), Inline())

	g.Register(TypeRoomLeave, Handle(func(c *Context, req *roomRequest) (*roomResponse, error) {
		c.Leave(req.Room)
		return &roomResponse{Room: req.Room, Rooms: nonNil(c.Rooms())}, nil
	}), WithSchema(roomSchema), Inline())

	g.Register(TypeRoomList, func(c *Context) (any, error) {
		return &roomResponse{Rooms: nonNil(c.Rooms())}, nil
	}, Inline())

	g.Register(TypePing, func(c *Context) (any, error) {
		return map[string]int64{"pong": time.Now().UnixMilli()}, nil
	}, Inline())
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
