package port

import "context"

// SessionStore 记录用户连接在哪个网关节点上。
type SessionStore interface {
	SetUserGateway(ctx context.Context, userID, nodeID string) error
	Touch(ctx context.Context, userID, nodeID string) error
	RemoveUserGateway(ctx context.Context, userID, nodeID string) error
	Forget(ctx context.Context, userID string) error
}

// Pusher 把消息推给本节点上的连接，返回实际送达的连接数。
type Pusher interface {
	Broadcast(event string, data any) int
	SendToUser(userID, event string, data any) int
}
