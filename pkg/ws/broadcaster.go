package ws

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"github.com/multpex/linkd/pkg/errors"
	"github.com/multpex/linkd/pkg/logger"
	"github.com/multpex/linkd/pkg/relay"
	"github.com/multpex/linkd/pkg/tracing"
)

// TargetKind 广播目标类型
type TargetKind string

const (
	TargetConnection TargetKind = "conn"
	TargetRoom       TargetKind = "room"
	TargetAll        TargetKind = "all"
)

// Target 广播目标
type Target struct {
	Kind   TargetKind
	ConnID string
	Room   string
	Except []string
}

// ToConnection 单个连接
func ToConnection(connID string) Target {
	return Target{Kind: TargetConnection, ConnID: connID}
}

// ToRoom 房间内除 except 以外的成员
func ToRoom(room string, except ...string) Target {
	return Target{Kind: TargetRoom, Room: room, Except: except}
}

// ToAll 除 except 以外的所有连接
func ToAll(except ...string) Target {
	return Target{Kind: TargetAll, Except: except}
}

func (t Target) excluded(connID string) bool {
	return slices.Contains(t.Except, connID)
}

func (t Target) String() string {
	switch t.Kind {
	case TargetConnection:
		return "conn:" + t.ConnID
	case TargetRoom:
		return "room:" + t.Room
	default:
		return string(t.Kind)
	}
}

// Broadcaster 出站广播
//
// 投递尽力而为：目标连接已断开只记录 debug 日志。配置了 relay 时，
// 本地投递后再发布到其他节点；从其他节点收到的帧只做本地投递。
type Broadcaster struct {
	conns   *ConnectionRegistry
	rooms   *RoomIndex
	codec   *Codec
	relay   relay.Relay
	log     logger.Logger
	metrics Metrics
}

// Dispatch 编码并投递事件，只返回载荷编码错误
func (b *Broadcaster) Dispatch(ctx context.Context, target Target, event string, payload any) error {
	frame, err := b.codec.EncodeEvent(event, payload)
	if err != nil {
		return err
	}

	ctx, span := tracing.StartSpan(ctx, "ws.broadcast")
	defer span.End()

	n := b.deliver(ctx, target, frame)
	span.SetAttributes(tracing.AttrTarget.String(target.String()), tracing.AttrRecipients.Int(n))

	if b.relay != nil {
		msg := &relay.Message{
			Kind:   relay.Kind(target.Kind),
			ConnID: target.ConnID,
			Room:   target.Room,
			Except: target.Except,
			Frame:  frame,
		}
		if err := b.relay.Publish(ctx, msg); err != nil {
			tracing.RecordError(span, err)
			b.log.WarnContext(ctx, "relay publish failed", zap.String("target", target.String()), zap.Error(err))
		}
	}
	return nil
}

// DispatchLocal 只投递到本节点
func (b *Broadcaster) DispatchLocal(ctx context.Context, target Target, event string, payload any) error {
	frame, err := b.codec.EncodeEvent(event, payload)
	if err != nil {
		return err
	}
	b.deliver(ctx, target, frame)
	return nil
}

// Receive 处理其他节点转发来的帧
func (b *Broadcaster) Receive(ctx context.Context, msg *relay.Message) {
	target := Target{
		Kind:   TargetKind(msg.Kind),
		ConnID: msg.ConnID,
		Room:   msg.Room,
		Except: msg.Except,
	}
	n := b.deliver(ctx, target, msg.Frame)
	b.metrics.Relayed(n)
}

// deliver 本地投递，返回成功入队的连接数
func (b *Broadcaster) deliver(ctx context.Context, target Target, frame []byte) int {
	var recipients []string
	switch target.Kind {
	case TargetConnection:
		recipients = []string{target.ConnID}
	case TargetRoom:
		recipients = b.rooms.MembersOf(target.Room)
	case TargetAll:
		recipients = b.conns.IDs()
	default:
		b.log.WarnContext(ctx, "unknown broadcast target", zap.String("kind", string(target.Kind)))
		return 0
	}

	delivered := 0
	for _, id := range recipients {
		if target.excluded(id) {
			continue
		}
		if err := b.conns.SendRaw(id, frame); err != nil {
			if errors.Is(err, ErrSendQueueFull) {
				b.metrics.FrameDropped()
			}
			b.log.DebugContext(ctx, "broadcast frame not delivered",
				zap.String("conn_id", id),
				zap.String("target", target.String()),
				zap.Error(err))
			continue
		}
		delivered++
	}
	b.metrics.Broadcast(string(target.Kind), delivered)
	return delivered
}
