// internal/pkg/zookeeper/conn.go
package zookeeper

import (
	"context"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"

	"nexus-pos/internal/pkg/logger"
)

// Conn 包装 zk.Conn，作为分布式锁的默认节点存储。
type Conn struct {
	*zk.Conn
}

// Connect 连接 ZooKeeper 并等待会话建立。
func Connect(servers []string, sessionTimeout time.Duration) (*Conn, error) {
	if len(servers) == 0 {
		return nil, errors.New("no zookeeper servers configured")
	}
	conn, events, err := zk.Connect(servers, sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, errors.Wrap(err, "connect zookeeper")
	}

	timeout := time.After(sessionTimeout)
	for {
		select {
		case ev := <-events:
			if ev.State == zk.StateHasSession {
				logger.L().Info().Strs("servers", servers).Msg("✅ Successfully connected to ZooKeeper.")
				return &Conn{Conn: conn}, nil
			}
		case <-timeout:
			conn.Close()
			return nil, errors.Errorf("zookeeper session not established within %s", sessionTimeout)
		}
	}
}

// Acquire 获取 resourceID 上的锁，返回释放函数。
func (c *Conn) Acquire(ctx context.Context, resourceID string) (func() error, error) {
	l, err := NewDistributedLock(c, resourceID)
	if err != nil {
		return nil, err
	}
	if err := l.Lock(ctx); err != nil {
		return nil, err
	}
	return l.Unlock, nil
}
