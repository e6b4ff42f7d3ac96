package ws

import (
	"fmt"
	"slices"
	"sync"

	"github.com/multpex/linkd/pkg/auth"
	"github.com/multpex/linkd/pkg/errors"
)

// ConnectionRegistry 连接注册表
//
// 连接数检查与插入在同一把锁内完成，同一身份的并发 Admit 不会同时通过。
// 房间操作也经由注册表进行，保证连接移除后不会再出现在任何房间中。
type ConnectionRegistry struct {
	mu             sync.RWMutex
	conns          map[string]*Conn
	perIdentity    map[string]int
	maxPerIdentity int
	maxTotal       int
	rooms          *RoomIndex
}

// NewConnectionRegistry 创建注册表，限制为 0 表示不限制
func NewConnectionRegistry(rooms *RoomIndex, maxPerIdentity, maxTotal int) *ConnectionRegistry {
	return &ConnectionRegistry{
		conns:          make(map[string]*Conn),
		perIdentity:    make(map[string]int),
		maxPerIdentity: maxPerIdentity,
		maxTotal:       maxTotal,
		rooms:          rooms,
	}
}

// Admit 接纳连接
func (r *ConnectionRegistry) Admit(c *Conn) error {
	subject := c.Subject()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxTotal > 0 && len(r.conns) >= r.maxTotal {
		return errors.ErrTooManyConnections.WithMessage("Connection limit reached")
	}
	if subject != "" && r.maxPerIdentity > 0 && r.perIdentity[subject] >= r.maxPerIdentity {
		return errors.ErrTooManyConnections.WithMessage(
			fmt.Sprintf("Identity already holds %d connections", r.maxPerIdentity))
	}

	r.conns[c.id] = c
	c.subject = subject
	if subject != "" {
		r.perIdentity[subject]++
	}
	return nil
}

// Bind 为已接纳的连接绑定身份（延迟认证），同样受单身份连接数限制
func (r *ConnectionRegistry) Bind(connID string, identity *auth.Identity) error {
	_, err := r.bind(connID, identity)
	return err
}

// bind 绑定身份并返回之前的 subject
func (r *ConnectionRegistry) bind(connID string, identity *auth.Identity) (string, error) {
	if identity == nil || identity.Subject == "" {
		return "", errors.ErrUnauthorized
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return "", errors.ErrConnectionGone
	}
	prev := c.subject
	if prev != identity.Subject {
		if r.maxPerIdentity > 0 && r.perIdentity[identity.Subject] >= r.maxPerIdentity {
			return "", errors.ErrTooManyConnections.WithMessage(
				fmt.Sprintf("Identity already holds %d connections", r.maxPerIdentity))
		}
		r.release(prev)
		r.perIdentity[identity.Subject]++
		c.subject = identity.Subject
	}
	c.identity.Store(identity)
	return prev, nil
}

// Remove 移除连接及其全部房间成员关系，返回离开的房间；重复调用安全
func (r *ConnectionRegistry) Remove(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return nil
	}
	delete(r.conns, connID)
	r.release(c.subject)
	return r.rooms.LeaveAll(connID)
}

func (r *ConnectionRegistry) release(subject string) {
	if subject == "" {
		return
	}
	if r.perIdentity[subject] <= 1 {
		delete(r.perIdentity, subject)
		return
	}
	r.perIdentity[subject]--
}

// Get 查找连接
func (r *ConnectionRegistry) Get(connID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

// SendRaw 向连接发送原始帧，连接不存在或已关闭时返回 ErrConnectionGone
func (r *ConnectionRegistry) SendRaw(connID string, frame []byte) error {
	c, ok := r.Get(connID)
	if !ok {
		return errors.ErrConnectionGone
	}
	return c.enqueue(frame)
}

// Join 连接加入房间
func (r *ConnectionRegistry) Join(connID, room string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.conns[connID]; !ok {
		return errors.ErrConnectionGone
	}
	return r.rooms.Join(connID, room)
}

// Leave 连接离开房间
func (r *ConnectionRegistry) Leave(connID, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms.Leave(connID, room)
}

// Count 连接总数
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CountFor 某身份的连接数
func (r *ConnectionRegistry) CountFor(subject string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.perIdentity[subject]
}

// Range 遍历连接快照，fn 返回 false 时停止
func (r *ConnectionRegistry) Range(fn func(*Conn) bool) {
	for _, c := range r.snapshot() {
		if !fn(c) {
			return
		}
	}
}

// IDs 所有连接 ID
func (r *ConnectionRegistry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

func (r *ConnectionRegistry) snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}
