package domain

import "encoding/json"

// Envelope 是网关与终端之间的消息格式 {"event": name, "data": ...}。
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope 编码一条消息。data 已经是 JSON 时原样使用。
func NewEnvelope(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// Registration 是 register 和 heartbeat 的载荷。
type Registration struct {
	UserID string `json:"userId"`
}

// UserEvent 是 user-events topic 上的消息。
type UserEvent struct {
	UserID string `json:"userId"`
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// UserEventDisabled 表示账号被禁用，网关会通知该用户的所有连接。
const UserEventDisabled = "disabled"

// UserDisabled 是推给终端的 user-disabled 载荷。
type UserDisabled struct {
	UserID string `json:"userId"`
	Reason string `json:"reason"`
}
