package port

import "context"

// ChangePublisher 在策略变化后通知终端刷新。
type ChangePublisher interface {
	PublishChange(ctx context.Context, policyID int64) error
}

// Locker 提供跨实例的互斥，返回释放函数。
type Locker interface {
	Acquire(ctx context.Context, resourceID string) (func() error, error)
}
