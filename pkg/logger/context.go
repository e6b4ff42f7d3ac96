package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type contextKey struct{ name string }

var connIDKey = &contextKey{"conn_id"}

// WithConnID 将连接 ID 写入 context，*Context 日志方法会自动带上
func WithConnID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, connIDKey, connID)
}

// ConnIDFrom 读取 context 中的连接 ID
func ConnIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(connIDKey).(string)
	return id
}

// contextFields 从 context 提取 trace_id / span_id / conn_id
func contextFields(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}
	out := make([]zap.Field, 0, len(fields)+3)
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		out = append(out,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := ConnIDFrom(ctx); id != "" {
		out = append(out, zap.String("conn_id", id))
	}
	return append(out, fields...)
}
