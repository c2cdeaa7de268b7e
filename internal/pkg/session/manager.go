// internal/pkg/session/manager.go
package session

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"nexus-pos/internal/pkg/constants"
)

// ErrSessionNotFound 表示用户当前没有连接在任何网关节点上。
var ErrSessionNotFound = errors.New("session not found")

// 只有 key 仍然指向本节点时才删除，避免用户切换节点后被旧节点误删。
var removeIfOwner = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Manager 在 redis 中维护 用户 -> 网关节点 的映射。
type Manager struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewManager 连接 redis 并创建会话管理器。
func NewManager(addr, password string, db int, ttl time.Duration) *Manager {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewManagerWithClient(rdb, ttl)
}

// NewManagerWithClient 使用已有的 redis 客户端。
func NewManagerWithClient(rdb redis.Cmdable, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Manager{rdb: rdb, ttl: ttl}
}

func key(userID string) string {
	return constants.SessionKeyPrefix + userID
}

// Ping 检查 redis 是否可用。
func (m *Manager) Ping(ctx context.Context) error {
	return m.rdb.Ping(ctx).Err()
}

// SetUserGateway 记录用户连接在 nodeID 上。
func (m *Manager) SetUserGateway(ctx context.Context, userID, nodeID string) error {
	if err := m.rdb.Set(ctx, key(userID), nodeID, m.ttl).Err(); err != nil {
		return errors.Wrapf(err, "set session for user %s", userID)
	}
	return nil
}

// Touch 在心跳时延长会话的有效期。key 已过期时重新写入。
func (m *Manager) Touch(ctx context.Context, userID, nodeID string) error {
	ok, err := m.rdb.Expire(ctx, key(userID), m.ttl).Result()
	if err != nil {
		return errors.Wrapf(err, "refresh session for user %s", userID)
	}
	if !ok {
		return m.SetUserGateway(ctx, userID, nodeID)
	}
	return nil
}

// GetUserGateway 返回用户所在的网关节点。
func (m *Manager) GetUserGateway(ctx context.Context, userID string) (string, error) {
	nodeID, err := m.rdb.Get(ctx, key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", errors.Wrapf(err, "get session for user %s", userID)
	}
	return nodeID, nil
}

// RemoveUserGateway 删除会话，只有会话仍属于 nodeID 时才生效。
func (m *Manager) RemoveUserGateway(ctx context.Context, userID, nodeID string) error {
	if err := removeIfOwner.Run(ctx, m.rdb, []string{key(userID)}, nodeID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return errors.Wrapf(err, "remove session for user %s", userID)
	}
	return nil
}

// Forget 无条件删除用户的会话，用于账号被禁用。
func (m *Manager) Forget(ctx context.Context, userID string) error {
	if err := m.rdb.Del(ctx, key(userID)).Err(); err != nil {
		return errors.Wrapf(err, "delete session for user %s", userID)
	}
	return nil
}

// Close 关闭底层的 redis 连接。
func (m *Manager) Close() error {
	if c, ok := m.rdb.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
