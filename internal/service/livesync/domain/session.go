package domain

import (
	"encoding/json"
	"time"
)

// ConnectionState 是推送连接对 UI 暴露的状态。
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Session 是同步会话的快照。
type Session struct {
	State           ConnectionState `json:"state"`
	LastHeartbeatAt time.Time       `json:"lastHeartbeatAt"`
}

// Event 是推送通道上的一条消息，线上格式为 {"event": name, "data": ...}。
// 传输层事件 (disconnect/reconnect) 也以 Event 的形式交给通道，Data 为空。
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Registration 是 register 和 heartbeat 的载荷。
type Registration struct {
	UserID string `json:"userId"`
}

// UserDisabled 是 user-disabled 的载荷。UserID 为空时视为针对当前连接的用户。
type UserDisabled struct {
	UserID string `json:"userId,omitempty"`
	Reason string `json:"reason"`
}
