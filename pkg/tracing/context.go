package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "linkd/ws"

// 网关 Span 属性
var (
	AttrConnID      = attribute.Key("ws.conn_id")
	AttrMessageType = attribute.Key("ws.message.type")
	AttrMessageID   = attribute.Key("ws.message.id")
	AttrState       = attribute.Key("ws.message.state")
	AttrErrorType   = attribute.Key("ws.error.type")
	AttrTarget      = attribute.Key("ws.broadcast.target")
	AttrRecipients  = attribute.Key("ws.broadcast.recipients")
)

// StartSpan 启动新 Span
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// StartMessageSpan 为一条入站消息启动 Span，links 通常指向升级请求的 Span
func StartMessageSpan(ctx context.Context, connID, msgType, msgID string, links ...trace.Link) (context.Context, trace.Span) {
	return StartSpan(ctx, "ws.message",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithLinks(links...),
		trace.WithAttributes(
			AttrConnID.String(connID),
			AttrMessageType.String(msgType),
			AttrMessageID.String(msgID),
		),
	)
}

// RecordError 记录错误到 Span
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
