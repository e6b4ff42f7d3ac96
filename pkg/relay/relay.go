// Package relay 在多个网关节点之间转发广播帧。
//
// 每个节点把本地投递过的帧发布到共享通道，其他节点收到后只做本地投递，
// 不再二次转发。Guard 负责丢弃本节点发出的帧与重复帧。
package relay

import (
	"context"
	"encoding/json"
	"errors"
)

// Kind 投递目标类型
type Kind string

const (
	KindConnection Kind = "conn"
	KindRoom       Kind = "room"
	KindAll        Kind = "all"
)

// 错误定义
var (
	ErrClosed            = errors.New("relay: closed")
	ErrAlreadySubscribed = errors.New("relay: already subscribed")
	ErrInvalidConfig     = errors.New("relay: invalid config")
)

// Message 节点间转发的广播帧
type Message struct {
	ID     string          `json:"id"`
	Node   string          `json:"node"`
	Kind   Kind            `json:"kind"`
	ConnID string          `json:"connId,omitempty"`
	Room   string          `json:"room,omitempty"`
	Except []string        `json:"except,omitempty"`
	Frame  json.RawMessage `json:"frame"`
}

// Handler 处理从其他节点收到的消息
type Handler func(ctx context.Context, msg *Message)

// Relay 节点间消息通道
type Relay interface {
	// Publish 发布消息到所有节点
	Publish(ctx context.Context, msg *Message) error
	// Subscribe 开始在后台消费消息，直到 ctx 取消或 Close；每个 Relay 只能订阅一次
	Subscribe(ctx context.Context, handler Handler) error
	Close() error
}

func encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

func decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
