package port

import (
	"context"

	"nexus-pos/internal/service/livesync/domain"
)

// Prober 在建立推送连接前唤醒服务端，结果不影响后续流程。
type Prober interface {
	Probe(ctx context.Context) error
}

// CredentialSource 提供推送连接使用的凭证。
type CredentialSource interface {
	// Token 返回当前会话令牌，没有时返回长期有效的设备令牌。
	Token(ctx context.Context) (string, error)
	// Refresh 用设备令牌换取新的会话令牌。失败时返回的错误匹配 domain.ErrAuthRefreshFailed。
	Refresh(ctx context.Context) (string, error)
}

// Dialer 打开推送连接。服务端拒绝凭证时返回的错误匹配 domain.ErrUnauthorized。
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// Conn 是一条已建立的推送连接。
// Events 在传输层彻底放弃重连或连接被关闭后关闭。
type Conn interface {
	Emit(ctx context.Context, event string, data any) error
	Events() <-chan domain.Event
	Close() error
}
