package ws

import (
	"sync"

	"parley/internal/metrics"
)

// Hub 按连接 ID 管理活跃连接，负责向单个连接的发送队列投递数据。
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub() *Hub { return &Hub{clients: make(map[string]*Client)} }

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; ok {
		return
	}
	h.clients[c.id] = c
	metrics.WsConnections.Inc()
}

// Unregister 移除连接并关闭其发送队列，重复调用无副作用。
func (h *Hub) Unregister(connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.removeLocked(connID)
}

func (h *Hub) removeLocked(connID string) bool {
	c, ok := h.clients[connID]
	if !ok {
		return false
	}
	delete(h.clients, connID)
	close(c.send)
	metrics.WsConnections.Dec()
	return true
}

// Send 非阻塞地把 msg 放入连接的发送队列。队列已满的连接被视为
// 过慢并被断开，返回 false。
func (h *Hub) Send(connID string, msg []byte) bool {
	h.mu.RLock()
	c, ok := h.clients[connID]
	if ok {
		select {
		case c.send <- msg:
			h.mu.RUnlock()
			return true
		default:
		}
	}
	h.mu.RUnlock()
	if !ok {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, still := h.clients[connID]; still && cur == c {
		h.removeLocked(connID)
	}
	return false
}

func (h *Hub) Online() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
