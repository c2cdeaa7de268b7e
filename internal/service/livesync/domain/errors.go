package domain

import "errors"

var (
	// ErrUnauthorized 表示建立连接时服务端拒绝了凭证，会触发一次凭证刷新。
	ErrUnauthorized = errors.New("push connection unauthorized")
	// ErrConnection 表示推送连接无法建立或已断开，只体现为 Disconnected 状态。
	ErrConnection = errors.New("push connection failed")
	// ErrAuthRefreshFailed 表示用设备令牌换取新会话令牌失败，只体现为 Disconnected 状态。
	ErrAuthRefreshFailed = errors.New("credential refresh failed")
)
