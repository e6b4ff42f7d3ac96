package ws

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType 事件类型
type EventType string

const (
	// EventConnected 连接已接纳
	EventConnected EventType = "conn.connected"
	// EventDisconnected 连接已移除
	EventDisconnected EventType = "conn.disconnected"
	// EventAuthenticated 连接绑定了新身份，Subject 为新身份
	EventAuthenticated EventType = "conn.authenticated"
	// EventRoomJoined 加入房间
	EventRoomJoined EventType = "room.joined"
	// EventRoomLeft 离开房间
	EventRoomLeft EventType = "room.left"
)

// Event 生命周期事件
type Event struct {
	Type        EventType
	ConnID      string
	Subject     string
	RemoteAddr  string
	ConnectedAt time.Time
	Room        string   // 房间事件
	Rooms       []string // 断开时离开的房间
	Reason      string   // 断开原因
	Time        time.Time
}

// EventHandler 事件处理器
type EventHandler func(Event)

// EventBus 异步事件总线，供审计、统计等观察者使用
//
// 连接生命周期内需要同步执行的逻辑使用 Gateway.OnConnect / OnDisconnect。
type EventBus struct {
	handlers      map[EventType][]EventHandler
	mu            sync.RWMutex
	workerCh      chan func()
	stopCh        chan struct{}
	wg            sync.WaitGroup
	closed        atomic.Bool
	closeOnce     sync.Once
	droppedEvents atomic.Int64 // 丢弃的事件计数
}

// NewEventBus 创建事件总线
func NewEventBus(workers, queueSize int) *EventBus {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	eb := &EventBus{
		handlers: make(map[EventType][]EventHandler),
		workerCh: make(chan func(), queueSize),
		stopCh:   make(chan struct{}),
	}

	for i := 0; i < workers; i++ {
		eb.wg.Add(1)
		go eb.worker()
	}
	return eb
}

// worker 工作协程，停止前执行完已入队的任务
func (eb *EventBus) worker() {
	defer eb.wg.Done()
	for {
		select {
		case task := <-eb.workerCh:
			task()
		case <-eb.stopCh:
			for {
				select {
				case task := <-eb.workerCh:
					task()
				default:
					return
				}
			}
		}
	}
}

// Subscribe 订阅事件
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// Publish 发布事件（异步）
func (eb *EventBus) Publish(event Event) {
	if eb.closed.Load() {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	eb.mu.RLock()
	handlers := eb.handlers[event.Type]
	eb.mu.RUnlock()

	for _, h := range handlers {
		task := func() { h(event) }

		// 连接/断开事件短暂阻塞等待队列，其余事件队列满即丢弃
		if event.Type == EventConnected || event.Type == EventDisconnected {
			select {
			case eb.workerCh <- task:
			case <-time.After(100 * time.Millisecond):
				eb.droppedEvents.Add(1)
			}
			continue
		}
		select {
		case eb.workerCh <- task:
		default:
			eb.droppedEvents.Add(1)
		}
	}
}

// Close 关闭事件总线
func (eb *EventBus) Close() {
	eb.closeOnce.Do(func() {
		eb.closed.Store(true)
		close(eb.stopCh)
		eb.wg.Wait()
	})
}

// DroppedEvents 丢弃的事件数量
func (eb *EventBus) DroppedEvents() int64 {
	return eb.droppedEvents.Load()
}
