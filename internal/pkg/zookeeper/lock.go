// internal/pkg/zookeeper/lock.go
package zookeeper

import (
	"context"
	"sort"
	"strings"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"
)

const (
	lockRoot   = "/distributed_locks" // 所有分布式锁的根节点
	lockPrefix = "lock-"
	// ZooKeeper 顺序节点的序号固定为 10 位
	sequenceLen = 10
)

// NodeStore 是锁用到的 ZooKeeper 操作，*zk.Conn 满足这个接口。
type NodeStore interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	CreateProtectedEphemeralSequential(path string, data []byte, acl []zk.ACL) (string, error)
	Children(path string) ([]string, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Delete(path string, version int32) error
}

// DistributedLock 是基于临时顺序节点的公平锁。一个实例同一时间只能被一个 goroutine 使用。
type DistributedLock struct {
	store    NodeStore
	path     string // 锁的路径，例如 /distributed_locks/discount-activation
	lockNode string // 成功获取锁后，自己创建的节点路径
}

// NewDistributedLock 创建锁实例，并确保锁路径存在。
func NewDistributedLock(store NodeStore, resourceID string) (*DistributedLock, error) {
	lockPath := lockRoot + "/" + resourceID
	for _, p := range []string{lockRoot, lockPath} {
		if err := ensureNode(store, p); err != nil {
			return nil, err
		}
	}
	return &DistributedLock{store: store, path: lockPath}, nil
}

func ensureNode(store NodeStore, path string) error {
	exists, _, err := store.Exists(path)
	if err != nil {
		return errors.Wrapf(err, "check lock node %s", path)
	}
	if exists {
		return nil
	}
	if _, err := store.Create(path, []byte(""), 0, zk.WorldACL(zk.PermAll)); err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return errors.Wrapf(err, "create lock node %s", path)
	}
	return nil
}

// sequence 取出节点名末尾的序号。受保护节点带有 _c_<guid>- 前缀，不能直接按名字排序。
func sequence(node string) string {
	if len(node) < sequenceLen {
		return node
	}
	return node[len(node)-sequenceLen:]
}

// Lock 获取锁，拿不到时阻塞，直到 ctx 结束。
func (l *DistributedLock) Lock(ctx context.Context) error {
	// 1. 在锁路径下创建一个临时顺序节点
	nodePath, err := l.store.CreateProtectedEphemeralSequential(l.path+"/"+lockPrefix, []byte(""), zk.WorldACL(zk.PermAll))
	if err != nil {
		return errors.Wrap(err, "create sequential node")
	}
	l.lockNode = nodePath
	myNode := strings.TrimPrefix(nodePath, l.path+"/")

	for {
		// 2. 获取锁路径下的所有子节点，按序号排序
		children, _, err := l.store.Children(l.path)
		if err != nil {
			l.abandon()
			return errors.Wrap(err, "list lock children")
		}
		sort.Slice(children, func(i, j int) bool { return sequence(children[i]) < sequence(children[j]) })

		idx := -1
		for i, child := range children {
			if child == myNode {
				idx = i
				break
			}
		}
		if idx < 0 {
			l.lockNode = ""
			return errors.Errorf("lock node %s disappeared", nodePath)
		}
		// 3. 自己是最小的节点，成功获取锁
		if idx == 0 {
			return nil
		}

		// 4. 不是最小节点，监听前一个节点
		exists, _, events, err := l.store.ExistsW(l.path + "/" + children[idx-1])
		if err != nil {
			l.abandon()
			return errors.Wrap(err, "watch previous node")
		}
		if !exists {
			continue
		}

		select {
		case <-events:
			// 前一个节点有变化，重新竞争
		case <-ctx.Done():
			l.abandon()
			return errors.Wrap(ctx.Err(), "waiting for lock")
		}
	}
}

// abandon 放弃排队，删除自己的节点。
func (l *DistributedLock) abandon() {
	if l.lockNode != "" {
		_ = l.store.Delete(l.lockNode, -1)
		l.lockNode = ""
	}
}

// Unlock 释放锁
func (l *DistributedLock) Unlock() error {
	if l.lockNode == "" {
		return errors.New("no lock to unlock")
	}
	err := l.store.Delete(l.lockNode, -1)
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		return errors.Wrap(err, "delete lock node")
	}
	l.lockNode = ""
	return nil
}
