// Package audit 把连接生命周期写入数据库，并按保留期清理历史记录。
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/multpex/linkd/pkg/logger"
	"github.com/multpex/linkd/pkg/ws"
)

// Recorder 订阅网关事件并写入 Store
type Recorder struct {
	store   *Store
	log     logger.Logger
	timeout time.Duration
}

// NewRecorder 创建记录器，timeout 为单次写入超时
func NewRecorder(store *Store, log logger.Logger, timeout time.Duration) *Recorder {
	if log == nil {
		log = logger.Nop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Recorder{store: store, log: log.Named("audit"), timeout: timeout}
}

// Attach 订阅连接与断开事件
func (r *Recorder) Attach(gw *ws.Gateway) {
	gw.Subscribe(ws.EventConnected, r.Record)
	gw.Subscribe(ws.EventDisconnected, r.Record)
}

// Record 写入一条事件，失败只记录日志
func (r *Recorder) Record(e ws.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	var err error
	switch e.Type {
	case ws.EventConnected:
		err = r.store.Opened(ctx, &Session{
			ConnID:      e.ConnID,
			Subject:     e.Subject,
			RemoteAddr:  e.RemoteAddr,
			ConnectedAt: e.ConnectedAt,
		})
	case ws.EventDisconnected:
		at := e.Time
		err = r.store.Closed(ctx, &Session{
			ConnID:         e.ConnID,
			Subject:        e.Subject,
			RemoteAddr:     e.RemoteAddr,
			ConnectedAt:    e.ConnectedAt,
			DisconnectedAt: &at,
			Rooms:          e.Rooms,
			Reason:         e.Reason,
		})
	default:
		return
	}
	if err != nil {
		r.log.Warn("audit write failed",
			zap.String("event", string(e.Type)),
			zap.String("conn_id", e.ConnID),
			zap.Error(err))
	}
}
