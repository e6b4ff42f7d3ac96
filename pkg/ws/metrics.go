package ws

import (
	"sync/atomic"
	"time"
)

// Metrics 监控接口
type Metrics interface {
	// 连接指标
	ConnectionAdmitted()
	ConnectionRejected(reason string)
	ConnectionClosed(reason string)

	// 消息指标
	MessageHandled(msgType string, state State, errType string, elapsed time.Duration)

	// 广播指标
	Broadcast(kind string, recipients int)
	Relayed(recipients int)
	FrameDropped()

	// 错误指标
	WriteError()
}

// NoopMetrics 空实现（默认）
type NoopMetrics struct{}

func (NoopMetrics) ConnectionAdmitted()                                 {}
func (NoopMetrics) ConnectionRejected(string)                           {}
func (NoopMetrics) ConnectionClosed(string)                             {}
func (NoopMetrics) MessageHandled(string, State, string, time.Duration) {}
func (NoopMetrics) Broadcast(string, int)                               {}
func (NoopMetrics) Relayed(int)                                         {}
func (NoopMetrics) FrameDropped()                                       {}
func (NoopMetrics) WriteError()                                         {}

// Stats 网关统计快照
type Stats struct {
	Connections int   `json:"connections"`
	Rooms       int   `json:"rooms"`
	Handlers    int   `json:"handlers"`
	InFlight    int64 `json:"inFlight"`

	Admitted  uint64 `json:"admitted"`
	Rejected  uint64 `json:"rejected"`
	Closed    uint64 `json:"closed"`
	Messages  uint64 `json:"messages"`
	Failed    uint64 `json:"failed"`
	Broadcast uint64 `json:"broadcast"`
	Relayed   uint64 `json:"relayed"`
	Dropped   uint64 `json:"dropped"`
}

// recorder 累计计数并转发给外部 Metrics
type recorder struct {
	next Metrics

	admitted  atomic.Uint64
	rejected  atomic.Uint64
	closed    atomic.Uint64
	messages  atomic.Uint64
	failed    atomic.Uint64
	broadcast atomic.Uint64
	relayed   atomic.Uint64
	dropped   atomic.Uint64
	inflight  atomic.Int64
}

func newRecorder(next Metrics) *recorder {
	if next == nil {
		next = NoopMetrics{}
	}
	return &recorder{next: next}
}

func (r *recorder) ConnectionAdmitted() {
	r.admitted.Add(1)
	r.next.ConnectionAdmitted()
}

func (r *recorder) ConnectionRejected(reason string) {
	r.rejected.Add(1)
	r.next.ConnectionRejected(reason)
}

func (r *recorder) ConnectionClosed(reason string) {
	r.closed.Add(1)
	r.next.ConnectionClosed(reason)
}

func (r *recorder) MessageHandled(msgType string, state State, errType string, elapsed time.Duration) {
	r.messages.Add(1)
	if state == StateFailed {
		r.failed.Add(1)
	}
	r.next.MessageHandled(msgType, state, errType, elapsed)
}

func (r *recorder) Broadcast(kind string, recipients int) {
	r.broadcast.Add(1)
	r.next.Broadcast(kind, recipients)
}

func (r *recorder) Relayed(recipients int) {
	r.relayed.Add(1)
	r.next.Relayed(recipients)
}

func (r *recorder) FrameDropped() {
	r.dropped.Add(1)
	r.next.FrameDropped()
}

func (r *recorder) WriteError() {
	r.next.WriteError()
}

// fill 把累计计数写入快照
func (r *recorder) fill(s *Stats) {
	s.InFlight = r.inflight.Load()
	s.Admitted = r.admitted.Load()
	s.Rejected = r.rejected.Load()
	s.Closed = r.closed.Load()
	s.Messages = r.messages.Load()
	s.Failed = r.failed.Load()
	s.Broadcast = r.broadcast.Load()
	s.Relayed = r.relayed.Load()
	s.Dropped = r.dropped.Load()
}
