package ws

import (
	"sync"
)

// Hub 维护 userID→连接 的注册表，并实现引擎的 Transport。
// 一个用户可有多个标签页/设备（多连接），推送要逐连接发。
type Hub struct {
	mu sync.RWMutex
	// userID -> set of connections
	users map[uint64]map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{users: make(map[uint64]map[*Conn]struct{})}
}

func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.users[c.userID] == nil {
		h.users[c.userID] = make(map[*Conn]struct{})
	}
	h.users[c.userID][c] = struct{}{}
}

func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.users[c.userID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.users, c.userID)
		}
	}
}

// SendToUser 实现 collab.Transport：把引擎广播推给该用户的所有连接。
// 引擎在锁外调用；慢连接由每连接的有界 send 队列兜底（满则丢弃）。
func (h *Hub) SendToUser(userID uint64, channel string, payload any) {
	h.mu.RLock()
	conns := h.users[userID]
	h.mu.RUnlock()
	msg := EventMessage{Type: "event", Channel: channel, Payload: payload}
	for c := range conns {
		c.SendMessage_Enqueue(msg)
	}
}
