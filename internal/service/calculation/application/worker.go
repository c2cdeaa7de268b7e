// internal/service/calculation/application/worker.go
package application

import (
	"fmt"
	"sync"

	"nexus-pos/internal/service/calculation/domain"
)

// Worker 是后台计算线程的抽象：请求和回复都通过消息传递，不共享可变状态。
// 回复可以乱序到达。Faults 上出现的错误表示 worker 已经不可用。
type Worker interface {
	Post(req Request) error
	Replies() <-chan Reply
	Faults() <-chan error
	Stop()
}

// WorkerFactory 启动一个新的 worker。返回错误时分发器降级为同步计算。
type WorkerFactory func() (Worker, error)

// GoroutineWorkerFactory 返回基于 goroutine 的 worker 工厂。
// enabled 为 false 时工厂总是失败，分发器会一直走同步路径。
func GoroutineWorkerFactory(enabled bool, queueSize int) WorkerFactory {
	return func() (Worker, error) {
		if !enabled {
			return nil, fmt.Errorf("%w: worker disabled by configuration", domain.ErrWorkerUnavailable)
		}
		return NewGoroutineWorker(queueSize, Evaluate), nil
	}
}

// GoroutineWorker 在单个 goroutine 中串行执行计算。
type GoroutineWorker struct {
	compute  func(Kind, any) (any, error)
	requests chan Request
	replies  chan Reply
	faults   chan error
	quit     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
}

// NewGoroutineWorker 创建并立即启动 worker。compute 中的 panic 会被当作致命错误上报到 Faults。
func NewGoroutineWorker(queueSize int, compute func(Kind, any) (any, error)) *GoroutineWorker {
	if queueSize <= 0 {
		queueSize = 1
	}
	w := &GoroutineWorker{
		compute:  compute,
		requests: make(chan Request, queueSize),
		replies:  make(chan Reply, queueSize),
		faults:   make(chan error, 1),
		quit:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *GoroutineWorker) loop() {
	defer close(w.exited)
	for {
		select {
		case <-w.quit:
			return
		case req := <-w.requests:
			reply, fatal := w.handle(req)
			if fatal != nil {
				w.faults <- fatal
				return
			}
			select {
			case w.replies <- reply:
			case <-w.quit:
				return
			}
		}
	}
}

func (w *GoroutineWorker) handle(req Request) (reply Reply, fatal error) {
	defer func() {
		if r := recover(); r != nil {
			fatal = fmt.Errorf("calculation worker panicked on request %d: %v", req.CorrelationID, r)
		}
	}()
	result, err := w.compute(req.Kind, req.Payload)
	return Reply{CorrelationID: req.CorrelationID, Result: result, Err: err}, nil
}

// Post 把请求放入队列。队列已满或 worker 已退出时立即返回 ErrWorkerUnavailable。
func (w *GoroutineWorker) Post(req Request) error {
	select {
	case <-w.exited:
		return domain.ErrWorkerUnavailable
	default:
	}
	select {
	case w.requests <- req:
		return nil
	case <-w.exited:
		return domain.ErrWorkerUnavailable
	default:
		return fmt.Errorf("%w: request queue is full", domain.ErrWorkerUnavailable)
	}
}

func (w *GoroutineWorker) Replies() <-chan Reply { return w.replies }

func (w *GoroutineWorker) Faults() <-chan error { return w.faults }

// Stop 通知 worker 退出并等待它结束。可以重复调用。
func (w *GoroutineWorker) Stop() {
	w.stopOnce.Do(func() { close(w.quit) })
	<-w.exited
}
