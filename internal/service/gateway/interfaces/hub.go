package interfaces

import (
	"errors"
	"sync"

	"nexus-pos/internal/pkg/logger"
	"nexus-pos/internal/pkg/metrics"
	"nexus-pos/internal/service/gateway/domain"
)

// Hub 维护本节点上所有活跃的连接，并负责消息广播。
// 一个用户可以同时有多个连接（多台终端），连接在 register 之后才和用户绑定。
type Hub struct {
	nodeID  string
	metrics *metrics.Gateway

	lock    sync.RWMutex
	clients map[*Client]struct{}
	users   map[string]map[*Client]struct{}
}

func NewHub(nodeID string, m *metrics.Gateway) *Hub {
	if m == nil {
		m = metrics.NewGateway(nil)
	}
	return &Hub{
		nodeID:  nodeID,
		metrics: m,
		clients: make(map[*Client]struct{}),
		users:   make(map[string]map[*Client]struct{}),
	}
}

func (h *Hub) register(c *Client) {
	h.lock.Lock()
	h.clients[c] = struct{}{}
	h.lock.Unlock()
	h.metrics.Clients.Inc()
}

// unregister 移除连接并关闭它的发送队列。返回该用户在本节点上是否还有其他连接。
func (h *Hub) unregister(c *Client) (userID string, othersRemain bool) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if _, ok := h.clients[c]; !ok {
		return "", false
	}
	delete(h.clients, c)
	c.closeSend()
	h.metrics.Clients.Dec()

	userID = c.userID
	if conns, ok := h.users[userID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.users, userID)
		}
		othersRemain = len(conns) > 0
	}
	return userID, othersRemain
}

// bind 把连接绑定到用户。重复 register 为其他用户时先解除旧的绑定。
func (h *Hub) bind(c *Client, userID string) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	if c.userID != "" && c.userID != userID {
		if conns := h.users[c.userID]; conns != nil {
			delete(conns, c)
			if len(conns) == 0 {
				delete(h.users, c.userID)
			}
		}
	}
	c.userID = userID
	conns := h.users[userID]
	if conns == nil {
		conns = make(map[*Client]struct{})
		h.users[userID] = conns
	}
	conns[c] = struct{}{}
}

// boundUser 返回连接当前绑定的用户。
func (h *Hub) boundUser(c *Client) string {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return c.userID
}

// Broadcast 推送给本节点上所有已 register 的连接。
func (h *Hub) Broadcast(event string, data any) int {
	msg, err := domain.NewEnvelope(event, data)
	if err != nil {
		logger.L().Error().Err(err).Str("event", event).Msg("failed to encode broadcast")
		return 0
	}
	h.lock.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, conns := range h.users {
		for c := range conns {
			targets = append(targets, c)
		}
	}
	h.lock.RUnlock()
	return h.deliver(event, msg, targets)
}

// SendToUser 推送给指定用户在本节点上的所有连接。
func (h *Hub) SendToUser(userID, event string, data any) int {
	msg, err := domain.NewEnvelope(event, data)
	if err != nil {
		logger.L().Error().Err(err).Str("event", event).Msg("failed to encode message")
		return 0
	}
	h.lock.RLock()
	targets := make([]*Client, 0, len(h.users[userID]))
	for c := range h.users[userID] {
		targets = append(targets, c)
	}
	h.lock.RUnlock()
	return h.deliver(event, msg, targets)
}

// deliver 不阻塞：发送队列已满的连接视为失效，直接断开。
func (h *Hub) deliver(event string, msg []byte, targets []*Client) int {
	sent := 0
	for _, c := range targets {
		switch err := c.enqueue(msg); {
		case err == nil:
			sent++
		case errors.Is(err, errBufferFull):
			logger.L().Warn().Str("user_id", h.boundUser(c)).Str("node_id", h.nodeID).Msg("client send buffer full, dropping connection")
			c.closeConn()
		}
	}
	h.metrics.Pushed.WithLabelValues(event).Add(float64(sent))
	return sent
}

// Count 返回本节点上的连接数和已绑定的用户数。
func (h *Hub) Count() (clients, users int) {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.clients), len(h.users)
}
