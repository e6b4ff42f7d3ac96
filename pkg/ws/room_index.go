package ws

import (
	"maps"
	"slices"
	"sync"
)

type set map[string]struct{}

// RoomIndex 房间成员索引
//
// rooms 与 byConn 由同一把锁保护，所有操作可线性化：
// Join 返回后，同一连接随后的 RoomsOf 必然包含该房间。
type RoomIndex struct {
	mu          sync.RWMutex
	rooms       map[string]set // room -> conn ids
	byConn      map[string]set // conn id -> rooms
	maxRoomSize int
}

// NewRoomIndex 创建房间索引，maxRoomSize 为 0 表示不限制
func NewRoomIndex(maxRoomSize int) *RoomIndex {
	return &RoomIndex{
		rooms:       make(map[string]set),
		byConn:      make(map[string]set),
		maxRoomSize: maxRoomSize,
	}
}

// Join 加入房间，重复加入为空操作
func (ri *RoomIndex) Join(connID, room string) error {
	if room == "" {
		return ErrInvalidRoom
	}

	ri.mu.Lock()
	defer ri.mu.Unlock()

	members, ok := ri.rooms[room]
	if ok {
		if _, joined := members[connID]; joined {
			return nil
		}
		if ri.maxRoomSize > 0 && len(members) >= ri.maxRoomSize {
			return ErrRoomFull
		}
	} else {
		members = make(set)
		ri.rooms[room] = members
	}
	members[connID] = struct{}{}

	rooms, ok := ri.byConn[connID]
	if !ok {
		rooms = make(set)
		ri.byConn[connID] = rooms
	}
	rooms[room] = struct{}{}
	return nil
}

// Leave 离开房间，房间清空时删除；返回是否确实离开
func (ri *RoomIndex) Leave(connID, room string) bool {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	return ri.leaveLocked(connID, room)
}

func (ri *RoomIndex) leaveLocked(connID, room string) bool {
	members, ok := ri.rooms[room]
	if !ok {
		return false
	}
	if _, joined := members[connID]; !joined {
		return false
	}

	delete(members, connID)
	if len(members) == 0 {
		delete(ri.rooms, room)
	}
	if rooms, ok := ri.byConn[connID]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(ri.byConn, connID)
		}
	}
	return true
}

// LeaveAll 离开所有房间，返回离开的房间
func (ri *RoomIndex) LeaveAll(connID string) []string {
	ri.mu.Lock()
	defer ri.mu.Unlock()

	rooms := slices.Sorted(maps.Keys(ri.byConn[connID]))
	for _, room := range rooms {
		ri.leaveLocked(connID, room)
	}
	return rooms
}

// MembersOf 房间成员，房间不存在时返回空
func (ri *RoomIndex) MembersOf(room string) []string {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return slices.Sorted(maps.Keys(ri.rooms[room]))
}

// RoomsOf 连接所在的房间
func (ri *RoomIndex) RoomsOf(connID string) []string {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return slices.Sorted(maps.Keys(ri.byConn[connID]))
}

// Size 房间人数
func (ri *RoomIndex) Size(room string) int {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return len(ri.rooms[room])
}

// Count 非空房间数量
func (ri *RoomIndex) Count() int {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return len(ri.rooms)
}
