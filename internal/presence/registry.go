// Package presence 维护进程内的在线连接与房间订阅关系。
//
// 每个连接在建立时加入所属用户的个人房间（UserRoom），订阅会话时额外加入
// ConversationRoom。注册表不持久化，进程重启后为空，由网关在每次连接时重建。
package presence

import (
	"strconv"
	"sync"
)

func UserRoom(userID uint) string { return "user:" + strconv.FormatUint(uint64(userID), 10) }

func ConversationRoom(conversationID uint) string {
	return "conversation:" + strconv.FormatUint(uint64(conversationID), 10)
}

type conn struct {
	userID uint
	rooms  map[string]struct{}
}

// Registry 是并发安全的双向映射：连接 -> 用户/房间，房间 -> 连接。
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*conn
	rooms map[string]map[string]struct{}
	users map[uint]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*conn),
		rooms: make(map[string]map[string]struct{}),
		users: make(map[uint]map[string]struct{}),
	}
}

// Join 登记连接并加入个人房间。返回值表示该用户是否因此由离线变为在线。
func (r *Registry) Join(userID uint, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connID]; ok {
		return false
	}
	r.conns[connID] = &conn{userID: userID, rooms: make(map[string]struct{})}
	set := r.users[userID]
	first := len(set) == 0
	if set == nil {
		set = make(map[string]struct{})
		r.users[userID] = set
	}
	set[connID] = struct{}{}
	r.joinLocked(connID, UserRoom(userID))
	return first
}

// Leave 移除连接及其全部房间订阅。返回所属用户，以及该用户是否已无任何连接。
func (r *Registry) Leave(connID string) (userID uint, wentOffline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return 0, false
	}
	for room := range c.rooms {
		r.removeLocked(connID, room)
	}
	delete(r.conns, connID)
	set := r.users[c.userID]
	delete(set, connID)
	if len(set) == 0 {
		delete(r.users, c.userID)
		return c.userID, true
	}
	return c.userID, false
}

// JoinRoom 将已登记的连接加入房间，未知连接忽略。
func (r *Registry) JoinRoom(connID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connID]; !ok {
		return false
	}
	r.joinLocked(connID, roomID)
	return true
}

func (r *Registry) LeaveRoom(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connID]; !ok {
		return
	}
	r.removeLocked(connID, roomID)
}

// JoinUserToRoom 让用户的所有在线连接加入房间，返回加入的连接数。
func (r *Registry) JoinUserToRoom(userID uint, roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for connID := range r.users[userID] {
		r.joinLocked(connID, roomID)
		n++
	}
	return n
}

// RemoveUserFromRoom 让用户的所有在线连接退出房间。
func (r *Registry) RemoveUserFromRoom(userID uint, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for connID := range r.users[userID] {
		r.removeLocked(connID, roomID)
	}
}

// DropRoom 清空房间的全部订阅，用于群组删除。
func (r *Registry) DropRoom(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for connID := range r.rooms[roomID] {
		if c, ok := r.conns[connID]; ok {
			delete(c.rooms, roomID)
		}
	}
	delete(r.rooms, roomID)
}

func (r *Registry) IsOnline(userID uint) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// Connections 返回用户当前的全部连接 ID。
func (r *Registry) Connections(userID uint) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.users[userID]))
	for id := range r.users[userID] {
		out = append(out, id)
	}
	return out
}

// Members 返回房间内的连接 ID 快照。
func (r *Registry) Members(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rooms[roomID]))
	for id := range r.rooms[roomID] {
		out = append(out, id)
	}
	return out
}

func (r *Registry) InRoom(connID, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID][connID]
	return ok
}

func (r *Registry) UserOf(connID string) (uint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	if !ok {
		return 0, false
	}
	return c.userID, true
}

// OnlineUsers 返回当前至少有一个连接的用户数。
func (r *Registry) OnlineUsers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

func (r *Registry) joinLocked(connID, roomID string) {
	members := r.rooms[roomID]
	if members == nil {
		members = make(map[string]struct{})
		r.rooms[roomID] = members
	}
	members[connID] = struct{}{}
	r.conns[connID].rooms[roomID] = struct{}{}
}

func (r *Registry) removeLocked(connID, roomID string) {
	if members, ok := r.rooms[roomID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}
	if c, ok := r.conns[connID]; ok {
		delete(c.rooms, roomID)
	}
}
