package ws

import (
	"encoding/json"
	"fmt"

	"github.com/multpex/linkd/pkg/errors"
)

// Inbound 客户端发来的消息
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	ID   string          `json:"id,omitempty"` // 请求 ID，用于请求-响应匹配
}

// resultEnvelope 成功响应
type resultEnvelope struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// errorEnvelope 错误响应，无请求 ID 时 id 为空串
type errorEnvelope struct {
	ID    string        `json:"id"`
	Error *errors.Error `json:"error"`
}

// eventEnvelope 广播事件
type eventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// internalErrorFrame 错误帧自身编码失败时的兜底
var internalErrorFrame = []byte(`{"id":"","error":{"code":500,"type":"HANDLER_ERROR","message":"internal error"}}`)

// Codec 消息编解码
type Codec struct {
	maxSize int64
}

// NewCodec 创建编解码器，maxSize 为单帧上限
func NewCodec(maxSize int64) *Codec {
	return &Codec{maxSize: maxSize}
}

// Decode 解码入站帧
//
// 先检查大小再解析。缺少 type 时仍返回已解析的内容，便于错误响应带上请求 ID。
func (c *Codec) Decode(frame []byte) (*Inbound, error) {
	if c.maxSize > 0 && int64(len(frame)) > c.maxSize {
		return nil, errors.ErrMalformedPayload.WithMessage(
			fmt.Sprintf("Frame exceeds %d bytes", c.maxSize))
	}

	var in Inbound
	if err := json.Unmarshal(frame, &in); err != nil {
		return nil, errors.ErrMalformedPayload.WithError(err)
	}
	if in.Type == "" {
		return &in, errors.ErrMalformedPayload.WithMessage("Missing message type")
	}
	return &in, nil
}

// Encode 编码入站消息，Encode(Decode(frame)) 与原帧等价
func (c *Codec) Encode(in *Inbound) ([]byte, error) {
	return json.Marshal(in)
}

// EncodeResult 编码成功响应
func (c *Codec) EncodeResult(id string, v any) ([]byte, error) {
	data, err := marshalPayload(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resultEnvelope{ID: id, Data: data})
}

// EncodeError 编码错误响应
func (c *Codec) EncodeError(id string, e *errors.Error) []byte {
	if e == nil {
		e = errors.ErrHandlerError
	}
	frame, err := json.Marshal(errorEnvelope{ID: id, Error: e})
	if err != nil {
		return internalErrorFrame
	}
	return frame
}

// EncodeEvent 编码广播事件
func (c *Codec) EncodeEvent(event string, v any) ([]byte, error) {
	data, err := marshalPayload(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventEnvelope{Type: event, Data: data})
}

// marshalPayload 已编码的 json.RawMessage 原样使用
func marshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("null"), nil
		}
		if !json.Valid(p) {
			return nil, fmt.Errorf("ws: invalid raw payload")
		}
		return p, nil
	default:
		return json.Marshal(v)
	}
}
